package server

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signerAt(now time.Time) linkSigner {
	return linkSigner{secret: []byte(testSecret), now: func() time.Time { return now }}
}

func TestLinkSigner_RoundTrip(t *testing.T) {
	l := signerAt(fixedNow)
	tok, err := l.sign("file-1", fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(tok, "."))

	c, err := l.verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "file-1", c.FileID)
	assert.Equal(t, fixedNow.Add(time.Minute).Unix(), c.Exp)
}

func TestLinkSigner_Expired(t *testing.T) {
	tok, err := signerAt(fixedNow).sign("file-1", fixedNow.Add(time.Minute))
	require.NoError(t, err)

	_, err = signerAt(fixedNow.Add(2 * time.Minute)).verify(tok)
	assert.ErrorIs(t, err, errTokenExpired)
}

func TestLinkSigner_Rejects(t *testing.T) {
	l := signerAt(fixedNow)
	tok, err := l.sign("file-1", fixedNow.Add(time.Minute))
	require.NoError(t, err)
	payload, _, _ := strings.Cut(tok, ".")

	other := linkSigner{secret: []byte("a-different-secret-of-32-bytes!!"), now: l.now}
	foreign, err := other.sign("file-1", fixedNow.Add(time.Minute))
	require.NoError(t, err)

	// A session signature over the same secret must not verify as a link.
	session := payload + "." + signPayload(l.secret, payload)

	for name, bad := range map[string]string{
		"empty":          "",
		"no signature":   payload,
		"bad base64":     payload + ".!!!",
		"tampered":       flipLast(tok),
		"other secret":   foreign,
		"session format": session,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := l.verify(bad)
			assert.ErrorIs(t, err, errBadToken)
		})
	}
}
