package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in           string
		wantEndpoint string
		wantSecure   bool
		wantErr      bool
	}{
		{"minio:9000", "minio:9000", false, false},
		{"http://minio:9000", "minio:9000", false, false},
		{"https://minio:9000", "minio:9000", true, false},
		{"http://minio:9000/", "minio:9000", false, false},
		{"http://minio:9000/foo", "", false, true},
		{"", "", false, true},
	}

	for _, tt := range tests {
		ep, secure, err := normaliseEndpoint(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("expected error for input %q", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tt.in, err)
		}
		if ep != tt.wantEndpoint || secure != tt.wantSecure {
			t.Fatalf("normaliseEndpoint(%q) = (%q,%v), want (%q,%v)", tt.in, ep, secure, tt.wantEndpoint, tt.wantSecure)
		}
	}
}

func TestObjectKey(t *testing.T) {
	key := objectKey("plan-7/3-line_layout/a3", "../etc/passwd")
	assert.True(t, strings.HasPrefix(key, "plan-7/3-line_layout/a3/"))
	assert.True(t, strings.HasSuffix(key, "-.._etc_passwd"))
	assert.NotContains(t, strings.TrimPrefix(key, "plan-7/3-line_layout/a3/"), "/")
}

func TestNewS3Store_Incomplete(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{Endpoint: "minio:9000"})
	assert.True(t, errors.Is(err, ErrConfig))
}
