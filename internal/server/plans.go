package server

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"changeover-planner/internal/access"
	"changeover-planner/internal/planning"
)

func planResource(id int64) string { return "plan:" + strconv.FormatInt(id, 10) }

// parseFilter reads list filters from the query string.
func parseFilter(r *http.Request, scope planning.Scope) (planning.Filter, error) {
	q := r.URL.Query()
	f := planning.Filter{
		Scope: scope,
		Line:  q.Get("line"),
		Style: q.Get("style"),
	}
	var err error
	if raw := q.Get("workshop_id"); raw != "" {
		if f.WorkshopID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return f, fmt.Errorf("%w: invalid workshop_id", errBadRequest)
		}
	}
	if raw := q.Get("from"); raw != "" {
		if f.From, err = planning.ParseDate(raw); err != nil {
			return f, err
		}
	}
	if raw := q.Get("to"); raw != "" {
		if f.To, err = planning.ParseDate(raw); err != nil {
			return f, err
		}
	}
	if raw := q.Get("status"); raw != "" {
		if f.Status, err = planning.ParseStatus(raw); err != nil {
			return f, err
		}
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) handleProcessCatalogue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, planning.Catalogue)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.plans.Dashboard(r.Context(), principalFrom(r.Context()).Scope())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r, principalFrom(r.Context()).Scope())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	plans, err := s.plans.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r, principalFrom(r.Context()).Scope())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	names, err := s.access.WorkshopNames(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="changeover-plans-`+s.nowUTC().Format("20060102")+`.xlsx"`)
	// The workbook is built in memory before the first byte is written, so
	// a failure can still become a JSON error.
	var buf bytes.Buffer
	if err := s.plans.Export(r.Context(), f, names, &buf); err != nil {
		w.Header().Del("Content-Disposition")
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := buf.WriteTo(w); err != nil {
		s.log.Warn("export_write_failed", zap.String("rid", RequestIDFromContext(r.Context())), zap.Error(err))
	}
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var in planning.PlanInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	plan, err := s.plans.Create(r.Context(), p.Scope(), in, p.UserID)
	resource := ""
	if err == nil {
		resource = planResource(plan.ID)
	}
	s.auditResult(r, access.AuditPlanCreate, resource, map[string]any{
		"workshop_id": in.WorkshopID, "line": in.Line, "style": in.Style, "plan_date": in.PlanDate.String(),
	}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	plan, err := s.plans.Get(r.Context(), principalFrom(r.Context()).Scope(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in planning.PlanInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	plan, err := s.plans.Update(r.Context(), principalFrom(r.Context()).Scope(), id, in)
	s.auditResult(r, access.AuditPlanUpdate, planResource(id), map[string]any{
		"workshop_id": in.WorkshopID, "line": in.Line, "style": in.Style, "plan_date": in.PlanDate.String(),
	}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.plans.Delete(r.Context(), principalFrom(r.Context()).Scope(), id)
	s.auditResult(r, access.AuditPlanDelete, planResource(id), nil, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateProcess applies a partial change. Moving a deadline needs
// process.deadline on top of process.update.
func (s *Server) handleUpdateProcess(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	no, err := strconv.Atoi(r.PathValue("no"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid process number"})
		return
	}
	var ch planning.ProcessChange
	if err := decodeJSON(w, r, &ch); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	proc, err := s.plans.UpdateProcess(r.Context(), p.Scope(), id, no, ch, p.Has(access.PermProcessDeadline))

	details := map[string]any{"process_no": no}
	if ch.Percent != nil {
		details["percent"] = *ch.Percent
	}
	if ch.Deadline != nil {
		details["deadline"] = ch.Deadline.String()
	}
	if ch.Responsible != nil {
		details["responsible"] = *ch.Responsible
	}
	s.auditResult(r, access.AuditProcessUpdate, planResource(id), details, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proc)
}

// Work steps.

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	steps, err := s.plans.ListSteps(r.Context(), principalFrom(r.Context()).Scope(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleCreateStep(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var step planning.WorkStep
	if err := decodeJSON(w, r, &step); err != nil {
		s.writeError(w, r, err)
		return
	}
	step.PlanID = id
	created, err := s.plans.CreateStep(r.Context(), principalFrom(r.Context()).Scope(), step)
	s.auditResult(r, access.AuditStepsChange, planResource(id), map[string]any{"op": "create", "name": step.Name}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stepID, err := pathInt(r, "stepID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var step planning.WorkStep
	if err := decodeJSON(w, r, &step); err != nil {
		s.writeError(w, r, err)
		return
	}
	step.ID, step.PlanID = stepID, id
	updated, err := s.plans.UpdateStep(r.Context(), principalFrom(r.Context()).Scope(), step)
	s.auditResult(r, access.AuditStepsChange, planResource(id), map[string]any{"op": "update", "step_id": stepID}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stepID, err := pathInt(r, "stepID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.plans.DeleteStep(r.Context(), principalFrom(r.Context()).Scope(), id, stepID)
	s.auditResult(r, access.AuditStepsChange, planResource(id), map[string]any{"op": "delete", "step_id": stepID}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImportSteps replaces the plan's steps with the style's standard
// operations from the ERP.
func (s *Server) handleImportSteps(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	steps, err := s.plans.ImportSteps(r.Context(), principalFrom(r.Context()).Scope(), id)
	s.auditResult(r, access.AuditStepsChange, planResource(id), map[string]any{"op": "import", "count": len(steps)}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

// Rates.

type ratesBody struct {
	Rates map[int]float64 `json:"rates"`
}

func (s *Server) handleGetRates(w http.ResponseWriter, r *http.Request) {
	rates, err := s.plans.Rates(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ratesBody{Rates: rates})
}

func (s *Server) handleSetRates(w http.ResponseWriter, r *http.Request) {
	var body ratesBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.plans.SetRates(r.Context(), body.Rates)
	details := map[string]any{}
	for no, rate := range body.Rates {
		details[strconv.Itoa(no)] = rate
	}
	s.auditResult(r, access.AuditRatesChange, "process-rates", details, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}
