package access

import (
	"context"
	"fmt"

	"changeover-planner/internal/db"
	"changeover-planner/internal/planning"
)

// ListWorkshops returns the workshops visible in scope.
func (r *Repo) ListWorkshops(ctx context.Context, scope planning.Scope) ([]Workshop, error) {
	q := `SELECT id, code, name FROM workshops`
	var args []any
	if !scope.All {
		if len(scope.WorkshopIDs) == 0 {
			return []Workshop{}, nil
		}
		q += ` WHERE id IN (` + db.Placeholders(len(scope.WorkshopIDs)) + `)`
		args = db.Int64Args(scope.WorkshopIDs)
	}
	q += ` ORDER BY code`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Workshop{}
	for rows.Next() {
		var w Workshop
		if err := rows.Scan(&w.ID, &w.Code, &w.Name); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// WorkshopNames maps every workshop id to its display name.
func (r *Repo) WorkshopNames(ctx context.Context) (map[int64]string, error) {
	all, err := r.ListWorkshops(ctx, planning.Scope{All: true})
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(all))
	for _, w := range all {
		names[w.ID] = w.Name
	}
	return names, nil
}

func (r *Repo) CreateWorkshop(ctx context.Context, in WorkshopInput) (Workshop, error) {
	if err := in.Normalise(); err != nil {
		return Workshop{}, err
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO workshops (code, name) VALUES (?, ?)`, in.Code, in.Name)
	if err != nil {
		return Workshop{}, translate(err, "workshop "+in.Code)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Workshop{}, err
	}
	return Workshop{ID: id, Code: in.Code, Name: in.Name}, nil
}

func (r *Repo) UpdateWorkshop(ctx context.Context, id int64, in WorkshopInput) (Workshop, error) {
	if err := in.Normalise(); err != nil {
		return Workshop{}, err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE workshops SET code = ?, name = ? WHERE id = ?`, in.Code, in.Name, id)
	if err != nil {
		return Workshop{}, translate(err, "workshop "+in.Code)
	}
	if err := r.updated(ctx, res, "workshops", id); err != nil {
		return Workshop{}, err
	}
	return Workshop{ID: id, Code: in.Code, Name: in.Name}, nil
}

// DeleteWorkshop fails with ErrInUse while plans still belong to it.
func (r *Repo) DeleteWorkshop(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM workshops WHERE id = ?`, id)
	if err != nil {
		return translate(err, fmt.Sprintf("workshop %d has plans", id))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: workshop %d", ErrNotFound, id)
	}
	return nil
}
