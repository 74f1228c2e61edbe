// Package equipment reads the machine register from the equipment database
// and compares it with the machines a plan's work steps need.
package equipment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"changeover-planner/internal/planning"
)

var ErrUnavailable = errors.New("equipment database not configured")

// StatusActive marks a machine that can be assigned to a line.
const StatusActive = "active"

type Machine struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	MachineType string `json:"machine_type"`
	Line        string `json:"line"`
	Status      string `json:"status"`
}

// CheckRow compares need and supply for one machine type.
type CheckRow struct {
	MachineType string `json:"machine_type"`
	Required    int    `json:"required"`
	Available   int    `json:"available"`
	Shortage    int    `json:"shortage"`
}

type Repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Configured() bool { return r != nil && r.db != nil }

func (r *Repo) Ping(ctx context.Context) error {
	if !r.Configured() {
		return ErrUnavailable
	}
	return r.db.PingContext(ctx)
}

// ListMachines filters by line and machine type; empty filters match all.
func (r *Repo) ListMachines(ctx context.Context, line, machineType string) ([]Machine, error) {
	if !r.Configured() {
		return nil, ErrUnavailable
	}
	var conds []string
	var args []any
	if line = strings.TrimSpace(line); line != "" {
		conds = append(conds, "line = ?")
		args = append(args, line)
	}
	if machineType = strings.TrimSpace(machineType); machineType != "" {
		conds = append(conds, "machine_type = ?")
		args = append(args, machineType)
	}
	q := `SELECT code, name, machine_type, COALESCE(line, ''), status FROM machines`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY line, machine_type, code`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	machines := []Machine{}
	for rows.Next() {
		var m Machine
		if err := rows.Scan(&m.Code, &m.Name, &m.MachineType, &m.Line, &m.Status); err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// activeByType counts active machines on a line per machine type.
func (r *Repo) activeByType(ctx context.Context, line string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT machine_type, COUNT(*)
		FROM machines
		WHERE line = ? AND status = ?
		GROUP BY machine_type
	`, line, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var mt string
		var n int
		if err := rows.Scan(&mt, &n); err != nil {
			return nil, err
		}
		out[mt] = n
	}
	return out, rows.Err()
}

// MachineCheck compares what the steps require with what the line has.
func (r *Repo) MachineCheck(ctx context.Context, line string, steps []planning.WorkStep) ([]CheckRow, error) {
	if !r.Configured() {
		return nil, ErrUnavailable
	}
	available, err := r.activeByType(ctx, line)
	if err != nil {
		return nil, fmt.Errorf("count machines: %w", err)
	}
	return Compare(Required(steps), available), nil
}

// Required sums operators per machine type, counting at least one per step.
// Steps without a machine type are manual and need no machine.
func Required(steps []planning.WorkStep) map[string]int {
	req := map[string]int{}
	for _, s := range steps {
		mt := strings.TrimSpace(s.MachineType)
		if mt == "" {
			continue
		}
		n := s.Operators
		if n < 1 {
			n = 1
		}
		req[mt] += n
	}
	return req
}

// Compare returns one row per required machine type, ordered by type.
func Compare(required, available map[string]int) []CheckRow {
	rows := make([]CheckRow, 0, len(required))
	for mt, need := range required {
		have := available[mt]
		short := need - have
		if short < 0 {
			short = 0
		}
		rows = append(rows, CheckRow{MachineType: mt, Required: need, Available: have, Shortage: short})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].MachineType < rows[j].MachineType })
	return rows
}
