// Package erp reads lines, styles and standard operations from the ERP's
// SQL Server database. Every query runs behind a circuit breaker.
package erp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"changeover-planner/internal/planning"
)

// ErrUnavailable is returned when the ERP cannot be queried.
var ErrUnavailable = errors.New("erp unavailable")

type Line struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type Style struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Customer string `json:"customer"`
}

type Operation struct {
	Seq         int     `json:"seq"`
	Name        string  `json:"name"`
	MachineType string  `json:"machine_type"`
	SAM         float64 `json:"sam"`
	Operators   int     `json:"operators"`
}

type Config struct {
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	QueryTimeout    time.Duration
}

type Client struct {
	db      *sql.DB
	breaker *Breaker
	timeout time.Duration
	log     *zap.Logger
}

// New returns a client. A nil db yields a client whose calls all fail with
// ErrUnavailable.
func New(db *sql.DB, cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	return &Client{
		db:      db,
		breaker: NewBreaker(cfg.BreakerFailures, cfg.BreakerTimeout, log.Named("erp")),
		timeout: cfg.QueryTimeout,
		log:     log,
	}
}

func (c *Client) Configured() bool { return c != nil && c.db != nil }

func (c *Client) Breaker() *Breaker { return c.breaker }

// query runs fn with the per-query timeout, under the breaker. Calls whose
// caller context ends are not counted against the ERP.
func (c *Client) query(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !c.Configured() {
		return fmt.Errorf("%w: not configured", ErrUnavailable)
	}
	err := c.breaker.ExecuteContext(ctx, func() error {
		qctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(qctx)
	})
	if err == nil {
		return nil
	}
	c.log.Warn("erp query failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func (c *Client) ListLines(ctx context.Context) ([]Line, error) {
	lines := []Line{}
	err := c.query(ctx, "lines", func(ctx context.Context) error {
		rows, err := c.db.QueryContext(ctx, `
			SELECT LineCode, LineName
			FROM dbo.ProductionLines
			WHERE IsActive = 1
			ORDER BY LineCode`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var l Line
			if err := rows.Scan(&l.Code, &l.Name); err != nil {
				return err
			}
			l.Code = strings.TrimSpace(l.Code)
			l.Name = strings.TrimSpace(l.Name)
			lines = append(lines, l)
		}
		return rows.Err()
	})
	return lines, err
}

const (
	defaultStyleLimit = 20
	maxStyleLimit     = 100
)

// SearchStyles matches q against style code and name.
func (c *Client) SearchStyles(ctx context.Context, q string, limit int) ([]Style, error) {
	if limit <= 0 {
		limit = defaultStyleLimit
	}
	if limit > maxStyleLimit {
		limit = maxStyleLimit
	}
	pattern := "%" + escapeLike(strings.TrimSpace(q)) + "%"

	styles := []Style{}
	err := c.query(ctx, "styles", func(ctx context.Context) error {
		rows, err := c.db.QueryContext(ctx, `
			SELECT TOP (@p1) StyleCode, StyleName, COALESCE(CustomerName, '')
			FROM dbo.Styles
			WHERE StyleCode LIKE @p2 ESCAPE '\' OR StyleName LIKE @p2 ESCAPE '\'
			ORDER BY StyleCode`, limit, pattern)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s Style
			if err := rows.Scan(&s.Code, &s.Name, &s.Customer); err != nil {
				return err
			}
			s.Code = strings.TrimSpace(s.Code)
			styles = append(styles, s)
		}
		return rows.Err()
	})
	return styles, err
}

// StyleOperations returns the standard operations of a style in sequence.
func (c *Client) StyleOperations(ctx context.Context, style string) ([]Operation, error) {
	ops := []Operation{}
	err := c.query(ctx, "operations", func(ctx context.Context) error {
		rows, err := c.db.QueryContext(ctx, `
			SELECT Seq, OperationName, COALESCE(MachineType, ''), SAM, Operators
			FROM dbo.StyleOperations
			WHERE StyleCode = @p1
			ORDER BY Seq`, strings.TrimSpace(style))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var op Operation
			if err := rows.Scan(&op.Seq, &op.Name, &op.MachineType, &op.SAM, &op.Operators); err != nil {
				return err
			}
			op.Name = strings.TrimSpace(op.Name)
			op.MachineType = strings.TrimSpace(op.MachineType)
			ops = append(ops, op)
		}
		return rows.Err()
	})
	return ops, err
}

// StyleSteps adapts StyleOperations to plan work steps.
func (c *Client) StyleSteps(ctx context.Context, style string) ([]planning.WorkStep, error) {
	ops, err := c.StyleOperations(ctx, style)
	if err != nil {
		return nil, err
	}
	steps := make([]planning.WorkStep, len(ops))
	for i, op := range ops {
		steps[i] = planning.WorkStep{
			Seq:         op.Seq,
			Name:        op.Name,
			MachineType: op.MachineType,
			SAM:         op.SAM,
			Operators:   op.Operators,
		}
	}
	return steps, nil
}

// Ping is used by the health check; it bypasses the breaker.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Configured() {
		return fmt.Errorf("%w: not configured", ErrUnavailable)
	}
	return c.db.PingContext(ctx)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`, `[`, `\[`)
	return r.Replace(s)
}
