package planning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"changeover-planner/internal/db"
)

// Repo is the MySQL store for plans and everything hanging off them.
type Repo struct {
	db *sql.DB
}

func NewRepo(conn *sql.DB) *Repo { return &Repo{db: conn} }

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case db.IsDuplicate(err):
		return fmt.Errorf("%w: %s already exists", ErrConflict, what)
	case db.IsMissingReference(err):
		return invalidf("%s references an unknown record", what)
	}
	return err
}

// CreatePlan inserts the plan and its eight processes atomically.
func (r *Repo) CreatePlan(ctx context.Context, in PlanInput, createdBy int64) (int64, error) {
	var id int64
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO plans (workshop_id, line, style, plan_date, note, created_by)
			VALUES (?, ?, ?, ?, ?, ?)
		`, in.WorkshopID, in.Line, in.Style, in.PlanDate.Time, db.NullString(in.Note), createdBy)
		if err != nil {
			return translate(err, "plan for this line and date")
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		for _, p := range NewProcesses(id, in.PlanDate) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO plan_processes (plan_id, process_no, deadline, percent)
				VALUES (?, ?, ?, 0)
			`, id, p.No, p.Deadline.Time); err != nil {
				return err
			}
		}
		return nil
	})
	return id, err
}

// UpdatePlan rewrites the editable fields. When the plan date moves, the
// deadlines of processes that are not yet complete are recomputed.
func (r *Repo) UpdatePlan(ctx context.Context, id int64, in PlanInput) error {
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var prev time.Time
		err := tx.QueryRowContext(ctx, `SELECT plan_date FROM plans WHERE id = ? FOR UPDATE`, id).Scan(&prev)
		if err != nil {
			return translate(err, "plan")
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE plans SET workshop_id = ?, line = ?, style = ?, plan_date = ?, note = ?
			WHERE id = ?
		`, in.WorkshopID, in.Line, in.Style, in.PlanDate.Time, db.NullString(in.Note), id); err != nil {
			return translate(err, "plan for this line and date")
		}
		if NewDate(prev).Equal(in.PlanDate.Time) {
			return nil
		}
		for i, d := range Deadlines(in.PlanDate) {
			if _, err := tx.ExecContext(ctx, `
				UPDATE plan_processes SET deadline = ?
				WHERE plan_id = ? AND process_no = ? AND percent < 100
			`, d.Time, id, i+1); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeletePlan removes the plan and returns the remote ids of its stored files
// so the caller can clean up the document store.
func (r *Repo) DeletePlan(ctx context.Context, id int64) ([]string, error) {
	var remote []string
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT remote_id FROM process_files WHERE plan_id = ? AND remote_id IS NOT NULL
		`, id)
		if err != nil {
			return err
		}
		for rows.Next() {
			var rid string
			if err := rows.Scan(&rid); err != nil {
				rows.Close()
				return err
			}
			remote = append(remote, rid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: plan", ErrNotFound)
		}
		return nil
	})
	return remote, err
}

const planColumns = `p.id, p.workshop_id, p.line, p.style, p.plan_date, COALESCE(p.note, ''), p.created_by, p.created_at, p.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(s scanner) (Plan, error) {
	var p Plan
	var date time.Time
	err := s.Scan(&p.ID, &p.WorkshopID, &p.Line, &p.Style, &date, &p.Note, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	p.PlanDate = NewDate(date)
	return p, err
}

// GetPlan loads a plan with its processes and files. Derived fields are
// left for the caller to fill.
func (r *Repo) GetPlan(ctx context.Context, id int64) (Plan, error) {
	p, err := scanPlan(r.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans p WHERE p.id = ?`, id))
	if err != nil {
		return Plan{}, translate(err, "plan")
	}
	procs, err := r.processes(ctx, []int64{id})
	if err != nil {
		return Plan{}, err
	}
	p.Processes = procs[id]

	files, err := r.ListFiles(ctx, id)
	if err != nil {
		return Plan{}, err
	}
	for _, f := range files {
		if f.ProcessNo >= 1 && f.ProcessNo <= len(p.Processes) {
			idx := f.ProcessNo - 1
			p.Processes[idx].Files = append(p.Processes[idx].Files, f)
		}
	}
	return p, nil
}

func (r *Repo) processes(ctx context.Context, planIDs []int64) (map[int64][]PlanProcess, error) {
	out := make(map[int64][]PlanProcess, len(planIDs))
	if len(planIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT plan_id, process_no, deadline, percent, COALESCE(responsible, ''), COALESCE(note, ''), completed_at
		FROM plan_processes
		WHERE plan_id IN (`+db.Placeholders(len(planIDs))+`)
		ORDER BY plan_id, process_no
	`, db.Int64Args(planIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p PlanProcess
		var deadline time.Time
		var completed sql.NullTime
		if err := rows.Scan(&p.PlanID, &p.No, &deadline, &p.Percent, &p.Responsible, &p.Note, &completed); err != nil {
			return nil, err
		}
		p.Deadline = NewDate(deadline)
		if completed.Valid {
			t := completed.Time
			p.CompletedAt = &t
		}
		if proc, ok := LookupProcess(p.No); ok {
			p.Name = proc.Name
		}
		p.Files = []ProcessFile{}
		out[p.PlanID] = append(out[p.PlanID], p)
	}
	return out, rows.Err()
}

func scopeClause(s Scope, column string) (string, []any, bool) {
	if s.All {
		return "", nil, true
	}
	if len(s.WorkshopIDs) == 0 {
		return "", nil, false
	}
	return column + ` IN (` + db.Placeholders(len(s.WorkshopIDs)) + `)`, db.Int64Args(s.WorkshopIDs), true
}

func (f Filter) where() (string, []any, bool) {
	var conds []string
	var args []any
	if c, a, ok := scopeClause(f.Scope, "p.workshop_id"); !ok {
		return "", nil, false
	} else if c != "" {
		conds = append(conds, c)
		args = append(args, a...)
	}
	if f.WorkshopID > 0 {
		conds = append(conds, "p.workshop_id = ?")
		args = append(args, f.WorkshopID)
	}
	if f.Line != "" {
		conds = append(conds, "p.line = ?")
		args = append(args, f.Line)
	}
	if f.Style != "" {
		conds = append(conds, "p.style LIKE ?")
		args = append(args, "%"+f.Style+"%")
	}
	if !f.From.IsZero() {
		conds = append(conds, "p.plan_date >= ?")
		args = append(args, f.From.Time)
	}
	if !f.To.IsZero() {
		conds = append(conds, "p.plan_date <= ?")
		args = append(args, f.To.Time)
	}
	if len(conds) == 0 {
		return "", args, true
	}
	return " WHERE " + strings.Join(conds, " AND "), args, true
}

// ListPlans returns plans matching f with their processes, newest first.
// A status filter is applied after status derivation, so paging happens in
// memory in that case.
func (r *Repo) ListPlans(ctx context.Context, f Filter, rates map[int]float64, today Date) ([]Plan, error) {
	f.Normalise()
	where, args, ok := f.where()
	if !ok {
		return []Plan{}, nil
	}
	q := `SELECT ` + planColumns + ` FROM plans p` + where + ` ORDER BY p.plan_date DESC, p.id DESC`
	if f.Status == "" {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var plans []Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		plans = append(plans, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]int64, len(plans))
	for i, p := range plans {
		ids[i] = p.ID
	}
	procs, err := r.processes(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Plan, 0, len(plans))
	for _, p := range plans {
		p.Processes = procs[p.ID]
		p.Decorate(rates, today)
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, p)
	}
	if f.Status != "" {
		if f.Offset >= len(out) {
			return []Plan{}, nil
		}
		out = out[f.Offset:]
		if len(out) > f.Limit {
			out = out[:f.Limit]
		}
	}
	return out, nil
}

// proofCounts returns the number of stored files per kind for one process.
func proofCounts(ctx context.Context, tx *sql.Tx, planID int64, no int) (Proof, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM process_files
		WHERE plan_id = ? AND process_no = ? AND status = ?
		GROUP BY kind
	`, planID, no, FileStatusStored)
	if err != nil {
		return Proof{}, err
	}
	defer rows.Close()

	var p Proof
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return Proof{}, err
		}
		switch FileKind(kind) {
		case KindDocumentation:
			p.Documentation = n
		case KindA3:
			p.A3 = n
		}
	}
	return p, rows.Err()
}

// UpdateProcess locks the plan's processes, applies ch through the
// completion rules and persists the result.
func (r *Repo) UpdateProcess(ctx context.Context, planID int64, no int, ch ProcessChange, now time.Time) (PlanProcess, error) {
	var updated PlanProcess
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT process_no, deadline, percent, COALESCE(responsible, ''), COALESCE(note, ''), completed_at
			FROM plan_processes WHERE plan_id = ? ORDER BY process_no FOR UPDATE
		`, planID)
		if err != nil {
			return err
		}
		var procs []PlanProcess
		for rows.Next() {
			p := PlanProcess{PlanID: planID}
			var deadline time.Time
			var completed sql.NullTime
			if err := rows.Scan(&p.No, &deadline, &p.Percent, &p.Responsible, &p.Note, &completed); err != nil {
				rows.Close()
				return err
			}
			p.Deadline = NewDate(deadline)
			if completed.Valid {
				t := completed.Time
				p.CompletedAt = &t
			}
			procs = append(procs, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(procs) == 0 {
			return fmt.Errorf("%w: plan", ErrNotFound)
		}

		proof, err := proofCounts(ctx, tx, planID, no)
		if err != nil {
			return err
		}
		updated, err = ApplyProcessChange(procs, no, ch, proof, now)
		if err != nil {
			return err
		}

		var completed sql.NullTime
		if updated.CompletedAt != nil {
			completed = sql.NullTime{Time: *updated.CompletedAt, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE plan_processes
			SET deadline = ?, percent = ?, responsible = ?, note = ?, completed_at = ?
			WHERE plan_id = ? AND process_no = ?
		`, updated.Deadline.Time, updated.Percent, db.NullString(updated.Responsible), db.NullString(updated.Note), completed, planID, no)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE plans SET updated_at = ? WHERE id = ?`, now.UTC(), planID)
		return err
	})
	if err != nil {
		return PlanProcess{}, err
	}
	if proc, ok := LookupProcess(updated.No); ok {
		updated.Name = proc.Name
	}
	updated.Files = []ProcessFile{}
	return updated, nil
}

// PlanWorkshop returns the workshop a plan belongs to, for scope checks.
func (r *Repo) PlanWorkshop(ctx context.Context, planID int64) (int64, error) {
	var ws int64
	err := r.db.QueryRowContext(ctx, `SELECT workshop_id FROM plans WHERE id = ?`, planID).Scan(&ws)
	return ws, translate(err, "plan")
}

// Rates returns the stored process rates, or the catalogue defaults when
// the table is empty.
func (r *Repo) Rates(ctx context.Context) (map[int]float64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT process_no, rate FROM process_rates`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rates := make(map[int]float64, ProcessCount)
	for rows.Next() {
		var no int
		var rate float64
		if err := rows.Scan(&no, &rate); err != nil {
			return nil, err
		}
		rates[no] = rate
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rates) == 0 {
		return DefaultRates(), nil
	}
	return rates, nil
}

// SetRates validates and upserts all eight rates in one transaction.
func (r *Repo) SetRates(ctx context.Context, rates map[int]float64) error {
	if err := ValidateRates(rates); err != nil {
		return err
	}
	nos := make([]int, 0, len(rates))
	for no := range rates {
		nos = append(nos, no)
	}
	sort.Ints(nos)
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, no := range nos {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO process_rates (process_no, rate) VALUES (?, ?)
				ON DUPLICATE KEY UPDATE rate = VALUES(rate)
			`, no, rates[no]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Overdue lists incomplete processes whose deadline is before today, oldest
// deadline first. limit <= 0 means no limit.
func (r *Repo) Overdue(ctx context.Context, scope Scope, today Date, limit int) ([]OverdueProcess, error) {
	clause, args, ok := scopeClause(scope, "p.workshop_id")
	if !ok {
		return []OverdueProcess{}, nil
	}
	q := `
		SELECT p.id, p.workshop_id, p.line, p.style, p.plan_date, pp.process_no, pp.deadline, pp.percent,
		       p.created_by, COALESCE(u.email, '')
		FROM plan_processes pp
		JOIN plans p ON p.id = pp.plan_id
		LEFT JOIN users u ON u.id = p.created_by
		WHERE pp.percent < 100 AND pp.deadline < ?`
	args = append([]any{today.Time}, args...)
	if clause != "" {
		q += ` AND ` + clause
	}
	q += ` ORDER BY pp.deadline, p.id, pp.process_no`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []OverdueProcess{}
	for rows.Next() {
		var o OverdueProcess
		var planDate, deadline time.Time
		if err := rows.Scan(&o.PlanID, &o.WorkshopID, &o.Line, &o.Style, &planDate, &o.ProcessNo,
			&deadline, &o.Percent, &o.CreatorID, &o.CreatorEmail); err != nil {
			return nil, err
		}
		o.PlanDate = NewDate(planDate)
		o.Deadline = NewDate(deadline)
		o.DaysLate = int(today.Sub(o.Deadline.Time).Hours() / 24)
		if proc, ok := LookupProcess(o.ProcessNo); ok {
			o.ProcessName = proc.Name
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// StatusCounts derives the status of every plan in scope and counts them.
func (r *Repo) StatusCounts(ctx context.Context, scope Scope, today Date) (map[Status]int, error) {
	counts := map[Status]int{
		StatusNotStarted: 0,
		StatusInProgress: 0,
		StatusOverdue:    0,
		StatusCompleted:  0,
	}
	clause, args, ok := scopeClause(scope, "p.workshop_id")
	if !ok {
		return counts, nil
	}
	q := `
		SELECT pp.plan_id, pp.process_no, pp.deadline, pp.percent
		FROM plan_processes pp
		JOIN plans p ON p.id = pp.plan_id`
	if clause != "" {
		q += ` WHERE ` + clause
	}
	q += ` ORDER BY pp.plan_id, pp.process_no`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		current int64 = -1
		procs   []PlanProcess
	)
	flush := func() {
		if len(procs) > 0 {
			counts[DeriveStatus(procs, today)]++
		}
		procs = procs[:0]
	}
	for rows.Next() {
		var p PlanProcess
		var deadline time.Time
		if err := rows.Scan(&p.PlanID, &p.No, &deadline, &p.Percent); err != nil {
			return nil, err
		}
		p.Deadline = NewDate(deadline)
		if p.PlanID != current {
			flush()
			current = p.PlanID
		}
		procs = append(procs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	flush()
	return counts, nil
}
