// Package db opens the planner's SQL pools and applies schema migrations to
// the main database.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/microsoft/go-mssqldb"
	"golang.org/x/sync/errgroup"
)

// PoolConfig carries the shared pool limits.
type PoolConfig struct {
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

func (p PoolConfig) apply(db *sql.DB) {
	maxOpen, maxIdle, life := p.MaxOpen, p.MaxIdle, p.ConnMaxLifetime
	if maxOpen <= 0 {
		maxOpen = 10
	}
	if maxIdle <= 0 {
		maxIdle = maxOpen
	}
	if life <= 0 {
		life = 30 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(life)
}

// normaliseMySQLDSN forces the driver options the repositories rely on:
// DATE/DATETIME scanned into time.Time in UTC.
func normaliseMySQLDSN(dsn string, multiStatements bool) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.MultiStatements = multiStatements
	return cfg.FormatDSN(), nil
}

// OpenMySQL opens a MySQL pool and validates connectivity immediately.
func OpenMySQL(ctx context.Context, dsn string, pc PoolConfig) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("mysql dsn is empty")
	}
	norm, err := normaliseMySQLDSN(dsn, false)
	if err != nil {
		return nil, err
	}
	return open(ctx, "mysql", norm, pc)
}

// OpenMSSQL opens the ERP pool. dsn is a sqlserver:// URL.
func OpenMSSQL(ctx context.Context, dsn string, pc PoolConfig) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("sqlserver dsn is empty")
	}
	return open(ctx, "sqlserver", dsn, pc)
}

func open(ctx context.Context, driver, dsn string, pc PoolConfig) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	pc.apply(db)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s ping: %w", driver, err)
	}
	return db, nil
}

// DSNs lists the four connection strings. Only Main is mandatory.
type DSNs struct {
	Main      string
	Equipment string
	HR        string
	ERP       string
}

// Pools holds every open connection pool. Optional pools are nil when not
// configured.
type Pools struct {
	Main      *sql.DB
	Equipment *sql.DB
	HR        *sql.DB
	ERP       *sql.DB
}

// OpenAll opens the configured pools concurrently. If any pool fails, the
// ones already opened are closed before returning.
func OpenAll(ctx context.Context, dsns DSNs, pc PoolConfig) (*Pools, error) {
	p := &Pools{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		db, err := OpenMySQL(gctx, dsns.Main, pc)
		if err != nil {
			return fmt.Errorf("main: %w", err)
		}
		p.Main = db
		return nil
	})
	if dsns.Equipment != "" {
		g.Go(func() error {
			db, err := OpenMySQL(gctx, dsns.Equipment, pc)
			if err != nil {
				return fmt.Errorf("equipment: %w", err)
			}
			p.Equipment = db
			return nil
		})
	}
	if dsns.HR != "" {
		g.Go(func() error {
			db, err := OpenMySQL(gctx, dsns.HR, pc)
			if err != nil {
				return fmt.Errorf("hr: %w", err)
			}
			p.HR = db
			return nil
		})
	}
	if dsns.ERP != "" {
		g.Go(func() error {
			db, err := OpenMSSQL(gctx, dsns.ERP, pc)
			if err != nil {
				return fmt.Errorf("erp: %w", err)
			}
			p.ERP = db
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Close closes every open pool and joins their errors.
func (p *Pools) Close() error {
	var errs []error
	for _, db := range []*sql.DB{p.Main, p.Equipment, p.HR, p.ERP} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
