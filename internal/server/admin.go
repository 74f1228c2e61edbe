package server

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"changeover-planner/internal/access"
)

func userResource(id int64) string     { return "user:" + strconv.FormatInt(id, 10) }
func roleResource(id int64) string     { return "role:" + strconv.FormatInt(id, 10) }
func workshopResource(id int64) string { return "workshop:" + strconv.FormatInt(id, 10) }

// Users.

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.access.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.access.GetUser(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in access.UserInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.access.CreateUser(r.Context(), in)
	s.auditResult(r, access.AuditUserChange, userResource(u.ID), map[string]any{"op": "create", "username": in.Username}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in access.UserUpdate
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if id == principalFrom(r.Context()).UserID && !in.Active {
		writeJSON(w, http.StatusConflict, errorBody{Error: "cannot deactivate your own account"})
		return
	}
	err = s.access.UpdateUser(r.Context(), id, in)
	s.auditResult(r, access.AuditUserChange, userResource(id), map[string]any{"op": "update", "active": in.Active}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondUser(w, r, id)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.access.ResetPassword(r.Context(), id, body.Password)
	s.auditResult(r, access.AuditUserChange, userResource(id), map[string]any{"op": "reset_password"}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetUserRoles(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		RoleIDs []int64 `json:"role_ids"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.access.SetRoles(r.Context(), id, body.RoleIDs)
	s.auditResult(r, access.AuditUserChange, userResource(id), map[string]any{"op": "roles", "role_ids": body.RoleIDs}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondUser(w, r, id)
}

func (s *Server) handleSetUserPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Permissions []string `json:"permissions"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.access.SetPermissions(r.Context(), id, body.Permissions)
	s.auditResult(r, access.AuditUserChange, userResource(id), map[string]any{"op": "permissions", "permissions": body.Permissions}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondUser(w, r, id)
}

func (s *Server) handleSetUserWorkshops(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		WorkshopIDs []int64 `json:"workshop_ids"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.access.SetWorkshops(r.Context(), id, body.WorkshopIDs)
	s.auditResult(r, access.AuditUserChange, userResource(id), map[string]any{"op": "workshops", "workshop_ids": body.WorkshopIDs}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondUser(w, r, id)
}

func (s *Server) respondUser(w http.ResponseWriter, r *http.Request, id int64) {
	u, err := s.access.GetUser(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// Roles.

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.access.ListRoles(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := s.access.GetRole(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var in access.RoleInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := s.access.CreateRole(r.Context(), in)
	s.auditResult(r, access.AuditRoleChange, roleResource(role.ID), map[string]any{"op": "create", "name": in.Name, "permissions": in.Permissions}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in access.RoleInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := s.access.UpdateRole(r.Context(), id, in)
	s.auditResult(r, access.AuditRoleChange, roleResource(id), map[string]any{"op": "update", "name": in.Name, "permissions": in.Permissions}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.access.DeleteRole(r.Context(), id)
	s.auditResult(r, access.AuditRoleChange, roleResource(id), map[string]any{"op": "delete"}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePermissionCatalogue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, access.Catalogue())
}

// Workshops.

// handleOwnWorkshops lists the workshops in the caller's scope, for plan
// forms and filters.
func (s *Server) handleOwnWorkshops(w http.ResponseWriter, r *http.Request) {
	ws, err := s.access.ListWorkshops(r.Context(), principalFrom(r.Context()).Scope())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleListWorkshops(w http.ResponseWriter, r *http.Request) {
	ws, err := s.access.ListWorkshops(r.Context(), allWorkshops)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleCreateWorkshop(w http.ResponseWriter, r *http.Request) {
	var in access.WorkshopInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := s.access.CreateWorkshop(r.Context(), in)
	s.auditResult(r, access.AuditWorkshopChange, workshopResource(ws.ID), map[string]any{"op": "create", "code": in.Code}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleUpdateWorkshop(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in access.WorkshopInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := s.access.UpdateWorkshop(r.Context(), id, in)
	s.auditResult(r, access.AuditWorkshopChange, workshopResource(id), map[string]any{"op": "update", "code": in.Code}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleDeleteWorkshop(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.access.DeleteWorkshop(r.Context(), id)
	s.auditResult(r, access.AuditWorkshopChange, workshopResource(id), map[string]any{"op": "delete"}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleManualCleanup runs the stale upload sweep on demand.
func (s *Server) handleManualCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.plans.CleanupStale(r.Context(), s.cleanupMaxAge())
	s.auditResult(r, access.AuditCleanup, "files", map[string]any{"removed": removed, "manual": true}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("manual_cleanup",
		zap.String("rid", RequestIDFromContext(r.Context())),
		zap.Int("removed", removed))
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
