package planning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"changeover-planner/internal/db"
)

func (r *Repo) ListSteps(ctx context.Context, planID int64) ([]WorkStep, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, plan_id, seq, name, machine_type, sam, operators
		FROM work_steps WHERE plan_id = ?
		ORDER BY seq, id
	`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []WorkStep{}
	for rows.Next() {
		var s WorkStep
		if err := rows.Scan(&s.ID, &s.PlanID, &s.Seq, &s.Name, &s.MachineType, &s.SAM, &s.Operators); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// CreateStep appends a step. A zero Seq places it after the last step.
func (r *Repo) CreateStep(ctx context.Context, s WorkStep) (WorkStep, error) {
	if err := s.Normalise(); err != nil {
		return WorkStep{}, err
	}
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if s.Seq <= 0 {
			if err := tx.QueryRowContext(ctx, `
				SELECT COALESCE(MAX(seq), 0) + 1 FROM work_steps WHERE plan_id = ?
			`, s.PlanID).Scan(&s.Seq); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO work_steps (plan_id, seq, name, machine_type, sam, operators)
			VALUES (?, ?, ?, ?, ?, ?)
		`, s.PlanID, s.Seq, s.Name, s.MachineType, s.SAM, s.Operators)
		if err != nil {
			return translate(err, "step")
		}
		s.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return WorkStep{}, err
	}
	return s, nil
}

// UpdateStep rewrites a step and returns it as stored. A zero Seq keeps the
// current position.
func (r *Repo) UpdateStep(ctx context.Context, s WorkStep) (WorkStep, error) {
	if err := s.Normalise(); err != nil {
		return WorkStep{}, err
	}
	if s.Seq < 0 {
		return WorkStep{}, invalidf("seq must not be negative")
	}
	if _, err := r.db.ExecContext(ctx, `
		UPDATE work_steps
		SET seq = CASE WHEN ? > 0 THEN ? ELSE seq END,
			name = ?, machine_type = ?, sam = ?, operators = ?
		WHERE id = ? AND plan_id = ?
	`, s.Seq, s.Seq, s.Name, s.MachineType, s.SAM, s.Operators, s.ID, s.PlanID); err != nil {
		return WorkStep{}, err
	}
	return r.getStep(ctx, s.PlanID, s.ID)
}

func (r *Repo) getStep(ctx context.Context, planID, stepID int64) (WorkStep, error) {
	var s WorkStep
	err := r.db.QueryRowContext(ctx, `
		SELECT id, plan_id, seq, name, machine_type, sam, operators
		FROM work_steps WHERE id = ? AND plan_id = ?
	`, stepID, planID).Scan(&s.ID, &s.PlanID, &s.Seq, &s.Name, &s.MachineType, &s.SAM, &s.Operators)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkStep{}, fmt.Errorf("%w: step %d", ErrNotFound, stepID)
	}
	return s, err
}

func (r *Repo) DeleteStep(ctx context.Context, planID, stepID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM work_steps WHERE id = ? AND plan_id = ?`, stepID, planID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: step %d", ErrNotFound, stepID)
	}
	return nil
}

// ReplaceSteps swaps a plan's steps for steps, renumbering them from 1.
func (r *Repo) ReplaceSteps(ctx context.Context, planID int64, steps []WorkStep) ([]WorkStep, error) {
	out := make([]WorkStep, 0, len(steps))
	for i, s := range steps {
		s.PlanID = planID
		s.Seq = i + 1
		if err := s.Normalise(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM work_steps WHERE plan_id = ?`, planID); err != nil {
			return err
		}
		for i := range out {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO work_steps (plan_id, seq, name, machine_type, sam, operators)
				VALUES (?, ?, ?, ?, ?, ?)
			`, planID, out[i].Seq, out[i].Name, out[i].MachineType, out[i].SAM, out[i].Operators)
			if err != nil {
				return translate(err, "step")
			}
			if out[i].ID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
