// download_tokens.go - HMAC-signed download link tokens.
//
// Encodes a file ID and expiry into a URL-safe token that the /download
// endpoint verifies without a session.
package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	errBadToken     = errors.New("bad token")
	errTokenExpired = errors.New("token expired")
)

// downloadDomain separates link signatures from session signatures made
// with the same secret.
const downloadDomain = "download:"

type downloadClaims struct {
	FileID string `json:"file_id"`
	Exp    int64  `json:"exp"`
}

type linkSigner struct {
	secret []byte
	now    func() time.Time
}

func (l linkSigner) mac(payload []byte) []byte {
	m := hmac.New(sha256.New, l.secret)
	_, _ = m.Write([]byte(downloadDomain))
	_, _ = m.Write(payload)
	return m.Sum(nil)
}

// sign creates base64url(payload).base64url(sig).
func (l linkSigner) sign(fileID string, expiresAt time.Time) (string, error) {
	payload, err := json.Marshal(downloadClaims{FileID: fileID, Exp: expiresAt.Unix()})
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(l.mac(payload)), nil
}

// verify validates signature and expiry and returns the claims.
func (l linkSigner) verify(token string) (downloadClaims, error) {
	var c downloadClaims
	p, s, ok := strings.Cut(token, ".")
	if !ok || p == "" || s == "" {
		return c, errBadToken
	}

	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(p)
	if err != nil {
		return c, errBadToken
	}
	sig, err := enc.DecodeString(s)
	if err != nil {
		return c, errBadToken
	}
	if !hmac.Equal(sig, l.mac(payload)) {
		return c, errBadToken
	}
	if err := json.Unmarshal(payload, &c); err != nil {
		return c, errBadToken
	}
	if c.FileID == "" || c.Exp == 0 {
		return c, errBadToken
	}
	if l.now().Unix() > c.Exp {
		return c, errTokenExpired
	}
	return c, nil
}
