package server

import (
	"net/http"

	"changeover-planner/internal/access"
)

// handleDeleteFile removes a proof file unless its process is complete.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("fileID")
	f, err := s.plans.DeleteFile(r.Context(), principalFrom(r.Context()).Scope(), id)
	details := map[string]any(nil)
	if err == nil {
		details = map[string]any{"plan_id": f.PlanID, "process_no": f.ProcessNo, "name": f.OrigName}
	}
	s.auditResult(r, access.AuditFileDelete, "file:"+id, details, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
