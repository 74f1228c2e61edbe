// compression.go - gzip for JSON responses.
package server

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"
)

var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

type compressionResponseWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	head        bool
	wroteHeader bool
	compress    bool
}

// WriteHeader turns compression on only for statuses that carry a body.
func (crw *compressionResponseWriter) WriteHeader(code int) {
	if crw.wroteHeader {
		return
	}
	crw.wroteHeader = true
	if !crw.head && bodyAllowed(code) {
		crw.compress = true
		h := crw.ResponseWriter.Header()
		h.Set("Content-Encoding", "gzip")
		h.Add("Vary", "Accept-Encoding")
		h.Del("Content-Length")
	}
	crw.ResponseWriter.WriteHeader(code)
}

func (crw *compressionResponseWriter) Write(b []byte) (int, error) {
	if !crw.wroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	if !crw.compress {
		return crw.ResponseWriter.Write(b)
	}
	return crw.gz.Write(b)
}

func (crw *compressionResponseWriter) Unwrap() http.ResponseWriter { return crw.ResponseWriter }

func bodyAllowed(code int) bool {
	return code >= 200 && code != http.StatusNoContent && code != http.StatusNotModified
}

// compressionMiddleware gzips responses for clients that accept it.
func compressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptsCompression(r) || shouldSkipCompression(r) {
			next.ServeHTTP(w, r)
			return
		}

		gz := gzipPool.Get().(*gzip.Writer)
		gz.Reset(w)
		crw := &compressionResponseWriter{ResponseWriter: w, gz: gz, head: r.Method == http.MethodHead}
		defer func() {
			if crw.compress {
				_ = gz.Close()
			}
			gz.Reset(io.Discard)
			gzipPool.Put(gz)
		}()

		next.ServeHTTP(crw, r)
	})
}

func acceptsCompression(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// shouldSkipCompression leaves file streams, uploads, the xlsx export (already
// zipped) and the metrics endpoint alone.
func shouldSkipCompression(r *http.Request) bool {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/download"):
		return true
	case strings.HasSuffix(path, "/files") && r.Method == http.MethodPost:
		return true
	case strings.HasSuffix(path, ".xlsx"):
		return true
	case path == "/metrics":
		return true
	}
	return false
}
