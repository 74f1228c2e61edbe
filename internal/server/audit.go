// audit.go - Audit trail helpers for handlers.
package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"changeover-planner/internal/access"
)

// audit completes e with the caller, address and user agent and stores it.
// A failed write is logged and never fails the request.
func (s *Server) audit(r *http.Request, e access.AuditEntry) {
	if s.auditLog == nil {
		return
	}
	if e.UserID == 0 {
		p := principalFrom(r.Context())
		e.UserID = p.UserID
		if e.Username == "" {
			e.Username = p.Username
		}
	}
	e.Timestamp = s.now().UTC()
	e.IPAddress = getClientIP(r)
	e.UserAgent = r.UserAgent()

	ctx := context.WithoutCancel(r.Context())
	if err := s.auditLog.WriteAudit(ctx, e); err != nil {
		s.log.Error("audit_write_failed",
			zap.String("rid", RequestIDFromContext(r.Context())),
			zap.String("action", string(e.Action)),
			zap.Error(err))
	}
}

// auditResult records the outcome of a mutating handler.
func (s *Server) auditResult(r *http.Request, action access.AuditAction, resource string, details map[string]any, err error) {
	e := access.AuditEntry{
		Action:   action,
		Resource: resource,
		Details:  details,
		Success:  err == nil,
	}
	if err != nil {
		e.ErrorMsg = err.Error()
	}
	s.audit(r, e)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := access.AuditFilter{Action: access.AuditAction(q.Get("action"))}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		s.writeError(w, r, err)
		return
	}
	uid, err := queryInt(r, "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f.UserID = int64(uid)
	if f.From, err = queryTime(r, "from"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.access.ListAudit(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
