package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// handleDownload streams a file named by a signed token. The token is the
// authorisation; no session is needed.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing token"})
		return
	}
	claims, err := s.links.verify(token)
	if errors.Is(err, errTokenExpired) {
		writeJSON(w, http.StatusGone, errorBody{Error: "token expired"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token"})
		return
	}

	f, body, err := s.plans.Open(r.Context(), claims.FileID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = body.Close() }()

	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if f.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(f.SizeBytes, 10))
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.OrigName}))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		s.log.Warn("download_interrupted",
			zap.String("rid", RequestIDFromContext(r.Context())),
			zap.String("file_id", f.ID),
			zap.Error(err))
	}
}
