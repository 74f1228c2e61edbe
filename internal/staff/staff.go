// Package staff searches the HR employee directory.
package staff

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

var ErrUnavailable = errors.New("hr database not configured")

type Employee struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Line     string `json:"line"`
	Position string `json:"position"`
}

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Directory struct {
	db *sql.DB
}

func NewDirectory(db *sql.DB) *Directory { return &Directory{db: db} }

func (d *Directory) Configured() bool { return d != nil && d.db != nil }

func (d *Directory) Ping(ctx context.Context) error {
	if !d.Configured() {
		return ErrUnavailable
	}
	return d.db.PingContext(ctx)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Search matches q against code and name among active employees.
func (d *Directory) Search(ctx context.Context, q, line string, limit int) ([]Employee, error) {
	if !d.Configured() {
		return nil, ErrUnavailable
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	query := `SELECT code, full_name, COALESCE(line, ''), COALESCE(position, '')
		FROM employees
		WHERE active = 1`
	var args []any
	if q = strings.TrimSpace(q); q != "" {
		pattern := "%" + escapeLike(q) + "%"
		query += ` AND (code LIKE ? OR full_name LIKE ?)`
		args = append(args, pattern, pattern)
	}
	if line = strings.TrimSpace(line); line != "" {
		query += ` AND line = ?`
		args = append(args, line)
	}
	query += ` ORDER BY full_name LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Employee{}
	for rows.Next() {
		var e Employee
		if err := rows.Scan(&e.Code, &e.Name, &e.Line, &e.Position); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EmployeeExists reports whether code belongs to an active employee.
func (d *Directory) EmployeeExists(ctx context.Context, code string) (bool, error) {
	if !d.Configured() {
		return false, ErrUnavailable
	}
	var exists bool
	err := d.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM employees WHERE code = ? AND active = 1)
	`, strings.TrimSpace(code)).Scan(&exists)
	return exists, err
}
