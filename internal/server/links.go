package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"changeover-planner/internal/access"
	"changeover-planner/internal/planning"
)

type createLinkResp struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

const defaultLinkTTL = 10 * time.Minute

func (s *Server) linkTTL() time.Duration {
	if s.cfg.Download.TokenTTL <= 0 {
		return defaultLinkTTL
	}
	return s.cfg.Download.TokenTTL
}

// handleCreateLink issues a short-lived download URL for a stored file in
// the caller's scope.
func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	f, err := s.plans.File(r.Context(), p.Scope(), r.PathValue("fileID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Status != planning.FileStatusStored {
		writeJSON(w, http.StatusConflict, errorBody{Error: "file is " + f.Status})
		return
	}

	exp := s.nowUTC().Add(s.linkTTL())
	token, err := s.links.sign(f.ID, exp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.auditResult(r, access.AuditFileLink, "file:"+f.ID, nil, nil)

	base := strings.TrimRight(s.cfg.Server.BaseURL, "/")
	writeJSON(w, http.StatusOK, createLinkResp{
		URL:       base + "/download?token=" + url.QueryEscape(token),
		ExpiresAt: exp,
	})
}
