// Package storage holds the document store for proof-of-completion files.
// Two backends exist: Google Drive and an S3-compatible bucket via MinIO.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
)

var (
	ErrNotFound = errors.New("object not found")
	ErrConfig   = errors.New("storage configuration incomplete")

	errNotSeekable = errors.New("hashing reader: source cannot rewind")
)

// Object describes a stored file.
type Object struct {
	ID          string
	Name        string
	Size        int64
	ContentType string
}

// Store is implemented by every backend.
type Store interface {
	// Put writes r under folder (slash separated) and returns the new object.
	Put(ctx context.Context, folder, name, contentType string, r io.Reader) (Object, error)
	Get(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// HashingReader computes the SHA-256 and size of everything read through it.
// When the source is an io.Seeker it can be rewound to where it started, and
// the digest restarts with it.
type HashingReader struct {
	src    io.Reader
	seeker io.Seeker
	start  int64

	r io.Reader
	h hash.Hash
	n int64
}

func NewHashingReader(r io.Reader) *HashingReader {
	hr := &HashingReader{src: r}
	if s, ok := r.(io.Seeker); ok {
		if off, err := s.Seek(0, io.SeekCurrent); err == nil {
			hr.seeker, hr.start = s, off
		}
	}
	hr.reset()
	return hr
}

func (hr *HashingReader) reset() {
	hr.h = sha256.New()
	hr.r = io.TeeReader(hr.src, hr.h)
	hr.n = 0
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	hr.n += int64(n)
	return n, err
}

// Seek supports rewinding to the start and asking for the current offset.
// It fails when the source cannot seek.
func (hr *HashingReader) Seek(offset int64, whence int) (int64, error) {
	if hr.seeker == nil {
		return 0, errNotSeekable
	}
	switch {
	case offset == 0 && whence == io.SeekCurrent:
		return hr.n, nil
	case offset == 0 && whence == io.SeekStart:
		if _, err := hr.seeker.Seek(hr.start, io.SeekStart); err != nil {
			return 0, err
		}
		hr.reset()
		return 0, nil
	}
	return 0, errNotSeekable
}

// Sum returns the hex digest of the bytes read so far.
func (hr *HashingReader) Sum() string { return hex.EncodeToString(hr.h.Sum(nil)) }

func (hr *HashingReader) Size() int64 { return hr.n }
