package server

import (
	"net/http"
	"strings"

	"changeover-planner/internal/equipment"
)

type machineCheckResp struct {
	PlanID int64                `json:"plan_id"`
	Line   string               `json:"line"`
	Rows   []equipment.CheckRow `json:"rows"`
	Short  bool                 `json:"short"`
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	machines, err := s.machines.ListMachines(r.Context(), q.Get("line"), q.Get("type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

// handleMachineCheck compares the machines the plan's steps need with the
// active machines on its line.
func (s *Server) handleMachineCheck(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	scope := principalFrom(r.Context()).Scope()
	plan, err := s.plans.Get(r.Context(), scope, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	steps, err := s.plans.ListSteps(r.Context(), scope, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.machines.MachineCheck(r.Context(), plan.Line, steps)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := machineCheckResp{PlanID: id, Line: plan.Line, Rows: rows}
	for _, row := range rows {
		if row.Shortage > 0 {
			resp.Short = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearchEmployees(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	emps, err := s.staff.Search(r.Context(), q.Get("q"), q.Get("line"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emps)
}

func (s *Server) handleERPLines(w http.ResponseWriter, r *http.Request) {
	lines, err := s.erp.ListLines(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleERPStyles(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	styles, err := s.erp.SearchStyles(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, styles)
}

func (s *Server) handleERPOperations(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.PathValue("code"))
	if code == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "style code is required"})
		return
	}
	ops, err := s.erp.StyleOperations(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}
