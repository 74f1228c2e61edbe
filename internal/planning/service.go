package planning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"changeover-planner/internal/storage"
)

var (
	ErrForbidden = errors.New("outside your workshops")
	// ErrStore marks a failure of the document store during an upload.
	ErrStore = errors.New("document store failure")
)

// StepSource supplies the standard operations of a style, normally the ERP.
type StepSource interface {
	StyleSteps(ctx context.Context, style string) ([]WorkStep, error)
}

// EmployeeChecker validates responsible person codes.
type EmployeeChecker interface {
	EmployeeExists(ctx context.Context, code string) (bool, error)
}

// Deps are the optional collaborators of a Service.
type Deps struct {
	Steps     StepSource
	Store     storage.Store
	Employees EmployeeChecker
	Log       *zap.Logger
	Now       func() time.Time
}

// Service applies workshop scope and orchestrates the repo, the document
// store and the ERP step import.
type Service struct {
	repo      *Repo
	steps     StepSource
	store     storage.Store
	employees EmployeeChecker
	log       *zap.Logger
	now       func() time.Time
}

func NewService(repo *Repo, deps Deps) *Service {
	s := &Service{
		repo:      repo,
		steps:     deps.Steps,
		store:     deps.Store,
		employees: deps.Employees,
		log:       deps.Log,
		now:       deps.Now,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) today() Date { return NewDate(s.now().UTC()) }

func (s *Service) checkScope(ctx context.Context, scope Scope, planID int64) error {
	ws, err := s.repo.PlanWorkshop(ctx, planID)
	if err != nil {
		return err
	}
	if !scope.Allows(ws) {
		return fmt.Errorf("%w: plan %d", ErrForbidden, planID)
	}
	return nil
}

// CheckPlan verifies that the plan exists and is visible in scope.
func (s *Service) CheckPlan(ctx context.Context, scope Scope, planID int64) error {
	return s.checkScope(ctx, scope, planID)
}

func (s *Service) Create(ctx context.Context, scope Scope, in PlanInput, userID int64) (Plan, error) {
	if err := in.Normalise(); err != nil {
		return Plan{}, err
	}
	if !scope.Allows(in.WorkshopID) {
		return Plan{}, fmt.Errorf("%w: workshop %d", ErrForbidden, in.WorkshopID)
	}
	id, err := s.repo.CreatePlan(ctx, in, userID)
	if err != nil {
		return Plan{}, err
	}

	if s.steps != nil {
		if n, err := s.importSteps(ctx, id, in.Style); err != nil {
			s.log.Warn("step import failed", zap.Int64("plan_id", id), zap.String("style", in.Style), zap.Error(err))
		} else {
			s.log.Info("steps imported", zap.Int64("plan_id", id), zap.Int("count", n))
		}
	}
	return s.Get(ctx, scope, id)
}

func (s *Service) Get(ctx context.Context, scope Scope, id int64) (Plan, error) {
	p, err := s.repo.GetPlan(ctx, id)
	if err != nil {
		return Plan{}, err
	}
	if !scope.Allows(p.WorkshopID) {
		return Plan{}, fmt.Errorf("%w: plan %d", ErrForbidden, id)
	}
	rates, err := s.repo.Rates(ctx)
	if err != nil {
		return Plan{}, err
	}
	p.Decorate(rates, s.today())
	return p, nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]Plan, error) {
	rates, err := s.repo.Rates(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListPlans(ctx, f, rates, s.today())
}

func (s *Service) Update(ctx context.Context, scope Scope, id int64, in PlanInput) (Plan, error) {
	if err := in.Normalise(); err != nil {
		return Plan{}, err
	}
	if err := s.checkScope(ctx, scope, id); err != nil {
		return Plan{}, err
	}
	if !scope.Allows(in.WorkshopID) {
		return Plan{}, fmt.Errorf("%w: workshop %d", ErrForbidden, in.WorkshopID)
	}
	if err := s.repo.UpdatePlan(ctx, id, in); err != nil {
		return Plan{}, err
	}
	return s.Get(ctx, scope, id)
}

// Delete removes the plan and then, best-effort, its stored objects.
func (s *Service) Delete(ctx context.Context, scope Scope, id int64) error {
	if err := s.checkScope(ctx, scope, id); err != nil {
		return err
	}
	remote, err := s.repo.DeletePlan(ctx, id)
	if err != nil {
		return err
	}
	s.removeObjects(ctx, remote...)
	return nil
}

func (s *Service) removeObjects(ctx context.Context, ids ...string) {
	if s.store == nil {
		return
	}
	for _, rid := range ids {
		if err := s.store.Delete(ctx, rid); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("object removal failed", zap.String("remote_id", rid), zap.Error(err))
		}
	}
}

// UpdateProcess applies a process change. Moving a deadline needs the
// separate deadline permission, passed in as canMoveDeadline.
func (s *Service) UpdateProcess(ctx context.Context, scope Scope, planID int64, no int, ch ProcessChange, canMoveDeadline bool) (PlanProcess, error) {
	if ch.Deadline != nil && !canMoveDeadline {
		return PlanProcess{}, fmt.Errorf("%w: changing deadlines is not permitted", ErrForbidden)
	}
	if err := s.checkScope(ctx, scope, planID); err != nil {
		return PlanProcess{}, err
	}
	if ch.Responsible != nil && s.employees != nil {
		if code := strings.TrimSpace(*ch.Responsible); code != "" {
			ok, err := s.employees.EmployeeExists(ctx, code)
			if err != nil {
				return PlanProcess{}, err
			}
			if !ok {
				return PlanProcess{}, invalidf("unknown employee %q", code)
			}
		}
	}
	return s.repo.UpdateProcess(ctx, planID, no, ch, s.now())
}

// Steps.

func (s *Service) ListSteps(ctx context.Context, scope Scope, planID int64) ([]WorkStep, error) {
	if err := s.checkScope(ctx, scope, planID); err != nil {
		return nil, err
	}
	return s.repo.ListSteps(ctx, planID)
}

func (s *Service) CreateStep(ctx context.Context, scope Scope, step WorkStep) (WorkStep, error) {
	if err := s.checkScope(ctx, scope, step.PlanID); err != nil {
		return WorkStep{}, err
	}
	return s.repo.CreateStep(ctx, step)
}

func (s *Service) UpdateStep(ctx context.Context, scope Scope, step WorkStep) (WorkStep, error) {
	if err := s.checkScope(ctx, scope, step.PlanID); err != nil {
		return WorkStep{}, err
	}
	return s.repo.UpdateStep(ctx, step)
}

func (s *Service) DeleteStep(ctx context.Context, scope Scope, planID, stepID int64) error {
	if err := s.checkScope(ctx, scope, planID); err != nil {
		return err
	}
	return s.repo.DeleteStep(ctx, planID, stepID)
}

// ImportSteps replaces the plan's steps with the style's ERP operations.
func (s *Service) ImportSteps(ctx context.Context, scope Scope, planID int64) ([]WorkStep, error) {
	p, err := s.repo.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(p.WorkshopID) {
		return nil, fmt.Errorf("%w: plan %d", ErrForbidden, planID)
	}
	if s.steps == nil {
		return nil, invalidf("no step source configured")
	}
	if _, err := s.importSteps(ctx, planID, p.Style); err != nil {
		return nil, err
	}
	return s.repo.ListSteps(ctx, planID)
}

func (s *Service) importSteps(ctx context.Context, planID int64, style string) (int, error) {
	steps, err := s.steps.StyleSteps(ctx, style)
	if err != nil {
		return 0, err
	}
	if len(steps) == 0 {
		return 0, nil
	}
	out, err := s.repo.ReplaceSteps(ctx, planID, steps)
	return len(out), err
}

// Rates.

func (s *Service) Rates(ctx context.Context) (map[int]float64, error) { return s.repo.Rates(ctx) }

func (s *Service) SetRates(ctx context.Context, rates map[int]float64) error {
	return s.repo.SetRates(ctx, rates)
}

// Dashboard summarises the plans in scope.
type Dashboard struct {
	Total   int              `json:"total"`
	Counts  map[Status]int   `json:"counts"`
	Overdue []OverdueProcess `json:"overdue"`
}

const dashboardOverdueLimit = 20

func (s *Service) Dashboard(ctx context.Context, scope Scope) (Dashboard, error) {
	today := s.today()
	counts, err := s.repo.StatusCounts(ctx, scope, today)
	if err != nil {
		return Dashboard{}, err
	}
	overdue, err := s.repo.Overdue(ctx, scope, today, dashboardOverdueLimit)
	if err != nil {
		return Dashboard{}, err
	}
	d := Dashboard{Counts: counts, Overdue: overdue}
	for _, n := range counts {
		d.Total += n
	}
	return d, nil
}

// Overdue lists every overdue process in scope.
func (s *Service) Overdue(ctx context.Context, scope Scope) ([]OverdueProcess, error) {
	return s.repo.Overdue(ctx, scope, s.today(), 0)
}

// Export writes every plan matching f, ignoring its paging, as XLSX.
func (s *Service) Export(ctx context.Context, f Filter, workshopNames map[int64]string, w io.Writer) error {
	rates, err := s.repo.Rates(ctx)
	if err != nil {
		return err
	}
	today := s.today()

	f.Limit, f.Offset = MaxLimit, 0
	var plans []Plan
	for {
		page, err := s.repo.ListPlans(ctx, f, rates, today)
		if err != nil {
			return err
		}
		plans = append(plans, page...)
		if len(page) < f.Limit {
			break
		}
		f.Offset += f.Limit
	}

	overdue, err := s.repo.Overdue(ctx, f.Scope, today, 0)
	if err != nil {
		return err
	}
	return WriteWorkbook(w, plans, overdue, workshopNames)
}

// Files.

// UploadInput is one proof file on its way to the store.
type UploadInput struct {
	PlanID      int64
	ProcessNo   int
	Kind        FileKind
	Name        string
	ContentType string
	UserID      int64
	Body        io.Reader
}

// Upload records a pending row, streams the body to the store while hashing
// it and marks the row stored. A store failure marks it failed and returns
// ErrStore.
func (s *Service) Upload(ctx context.Context, scope Scope, in UploadInput) (ProcessFile, error) {
	if s.store == nil {
		return ProcessFile{}, fmt.Errorf("%w: no document store configured", ErrStore)
	}
	if _, ok := LookupProcess(in.ProcessNo); !ok {
		return ProcessFile{}, fmt.Errorf("%w: process %d", ErrNotFound, in.ProcessNo)
	}
	if err := s.checkScope(ctx, scope, in.PlanID); err != nil {
		return ProcessFile{}, err
	}

	f := ProcessFile{
		ID:          uuid.NewString(),
		PlanID:      in.PlanID,
		ProcessNo:   in.ProcessNo,
		Kind:        in.Kind,
		OrigName:    in.Name,
		ContentType: in.ContentType,
		Status:      FileStatusPending,
		UploadedBy:  in.UserID,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.repo.InsertPendingFile(ctx, f); err != nil {
		return ProcessFile{}, err
	}

	hr := storage.NewHashingReader(in.Body)
	obj, err := s.store.Put(ctx, FolderFor(in.PlanID, in.ProcessNo, in.Kind), in.Name, in.ContentType, hr)
	if err != nil {
		if mErr := s.repo.MarkFileFailed(context.WithoutCancel(ctx), f.ID); mErr != nil {
			s.log.Error("mark file failed", zap.String("file_id", f.ID), zap.Error(mErr))
		}
		return ProcessFile{}, fmt.Errorf("%w: %v", ErrStore, err)
	}

	if err := s.repo.MarkFileStored(ctx, f.ID, obj.ID, hr.Size(), hr.Sum()); err != nil {
		s.removeObjects(context.WithoutCancel(ctx), obj.ID)
		return ProcessFile{}, err
	}
	f.Status = FileStatusStored
	f.RemoteID = obj.ID
	f.SizeBytes = hr.Size()
	f.SHA256 = hr.Sum()
	return f, nil
}

// File returns a file row after checking its plan is in scope.
func (s *Service) File(ctx context.Context, scope Scope, id string) (ProcessFile, error) {
	f, err := s.repo.GetFile(ctx, id)
	if err != nil {
		return ProcessFile{}, err
	}
	if err := s.checkScope(ctx, scope, f.PlanID); err != nil {
		return ProcessFile{}, err
	}
	return f, nil
}

// Open streams a stored file without a scope check; the signed download
// link that leads here already proves access. Files that never reached the
// store are a conflict.
func (s *Service) Open(ctx context.Context, id string) (ProcessFile, io.ReadCloser, error) {
	f, err := s.repo.GetFile(ctx, id)
	if err != nil {
		return ProcessFile{}, nil, err
	}
	if f.Status != FileStatusStored || f.RemoteID == "" {
		return f, nil, fmt.Errorf("%w: file %s is %s", ErrConflict, id, f.Status)
	}
	if s.store == nil {
		return f, nil, fmt.Errorf("%w: no document store configured", ErrStore)
	}
	rc, err := s.store.Get(ctx, f.RemoteID)
	if errors.Is(err, storage.ErrNotFound) {
		return f, nil, fmt.Errorf("%w: object of file %s", ErrNotFound, id)
	}
	if err != nil {
		return f, nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return f, rc, nil
}

// DeleteFile refuses while the process is complete, then drops the object.
func (s *Service) DeleteFile(ctx context.Context, scope Scope, id string) (ProcessFile, error) {
	if _, err := s.File(ctx, scope, id); err != nil {
		return ProcessFile{}, err
	}
	f, err := s.repo.DeleteFileIfOpen(ctx, id, s.removeObject)
	if err != nil {
		return ProcessFile{}, err
	}
	if f.Status == FileStatusFailed {
		s.log.Warn("object removal deferred to cleanup", zap.String("file_id", f.ID), zap.String("remote_id", f.RemoteID))
	}
	return f, nil
}

// removeObject deletes one object; a missing object counts as removed.
func (s *Service) removeObject(ctx context.Context, remoteID string) error {
	if s.store == nil {
		return fmt.Errorf("%w: no document store configured", ErrStore)
	}
	if err := s.store.Delete(ctx, remoteID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// CleanupStale removes pending and failed uploads older than maxAge.
func (s *Service) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := s.repo.StaleFiles(ctx, s.now().Add(-maxAge), 500)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range stale {
		if f.RemoteID != "" {
			s.removeObjects(ctx, f.RemoteID)
		}
		if err := s.repo.DeleteFile(ctx, f.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
