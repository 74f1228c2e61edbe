package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"changeover-planner/internal/access"
	"changeover-planner/internal/config"
	"changeover-planner/internal/db"
	"changeover-planner/internal/equipment"
	"changeover-planner/internal/erp"
	"changeover-planner/internal/logging"
	"changeover-planner/internal/planning"
	"changeover-planner/internal/server"
	"changeover-planner/internal/staff"
	"changeover-planner/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

// loadConfig loads and validates the configuration and builds the logger.
func loadConfig(path string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cfg, nil, err
	}
	for _, w := range cfg.Warnings() {
		log.Warn("config_warning", zap.String("detail", w))
	}
	return cfg, log, nil
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	log.Info("running_migrations")
	ver, err := db.RunMigrations(cfg.DB.Main.DSN)
	if err != nil {
		return err
	}
	log.Info("migrations_complete", zap.Uint("version", ver))

	pools, err := db.OpenAll(ctx, db.DSNs{
		Main:      cfg.DB.Main.DSN,
		Equipment: cfg.DB.Equipment.DSN,
		HR:        cfg.DB.HR.DSN,
		ERP:       cfg.DB.ERP.DSN,
	}, db.PoolConfig{
		MaxOpen:         cfg.DB.MaxOpen,
		MaxIdle:         cfg.DB.MaxIdle,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open databases: %w", err)
	}
	defer func() { _ = pools.Close() }()

	accessRepo := access.NewRepo(pools.Main)
	created, err := accessRepo.Bootstrap(ctx, cfg.Auth.BootstrapUser, cfg.Auth.BootstrapPassword)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if created {
		log.Info("bootstrap_admin_created", zap.String("username", cfg.Auth.BootstrapUser))
	}

	metrics := server.NewMetrics()
	store, err := openStore(ctx, cfg, metrics, log)
	if err != nil {
		return err
	}

	erpClient := erp.New(pools.ERP, erp.Config{
		BreakerFailures: uint32(cfg.ERP.BreakerFailures),
		BreakerTimeout:  cfg.ERP.BreakerTimeout,
		QueryTimeout:    cfg.ERP.QueryTimeout,
	}, log)
	erpClient.Breaker().OnStateChange(metrics.BreakerChanged)
	machines := equipment.NewRepo(pools.Equipment)
	directory := staff.NewDirectory(pools.HR)

	deps := planning.Deps{Store: store, Log: log.Named("planning")}
	if erpClient.Configured() {
		deps.Steps = erpClient
	}
	if directory.Configured() {
		deps.Employees = directory
	}
	plans := planning.NewService(planning.NewRepo(pools.Main), deps)

	srv := server.New(server.Deps{
		Config:    cfg,
		Log:       log,
		Metrics:   metrics,
		MainDB:    pools.Main,
		Plans:     plans,
		Access:    accessRepo,
		Equipment: machines,
		Staff:     directory,
		ERP:       erpClient,
		Store:     store,
		Version:   version,
	})

	go server.RunCleanupJob(ctx, server.CleanupConfig{
		Enabled:  cfg.Cleanup.Enabled,
		Interval: cfg.Cleanup.Interval,
		MaxAge:   cfg.Cleanup.MaxAge,
	}, plans, log)

	mailer := server.NewEmailService(server.EmailConfig{
		SMTPHost:     cfg.Notify.SMTPHost,
		SMTPPort:     cfg.Notify.SMTPPort,
		SMTPUser:     cfg.Notify.SMTPUser,
		SMTPPassword: cfg.Notify.SMTPPassword,
		FromEmail:    cfg.Notify.From,
		Enabled:      cfg.Notify.Enabled,
	}, log)
	go server.RunDeadlineNotifier(ctx, server.NotifierConfig{Interval: cfg.Notify.Interval}, plans, mailer, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting", zap.String("addr", cfg.Server.Addr), zap.String("version", version),
			zap.String("env", cfg.Server.Env), zap.String("storage", cfg.Storage.Backend))
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown_complete")
	return nil
}

// openStore builds the configured document store and checks it answers.
func openStore(ctx context.Context, cfg config.Config, m *server.Metrics, log *zap.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Storage.Backend {
	case "s3":
		store, err = storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:  cfg.Storage.S3.Endpoint,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			Bucket:    cfg.Storage.S3.Bucket,
		})
	default:
		store, err = storage.NewDriveStore(ctx, storage.DriveConfig{
			ClientID:     cfg.Storage.Drive.ClientID,
			ClientSecret: cfg.Storage.Drive.ClientSecret,
			RefreshToken: cfg.Storage.Drive.RefreshToken,
			RootFolderID: cfg.Storage.Drive.RootFolderID,
			OnRetry:      m.StoreRetried,
		}, log.Named("drive"))
	}
	if err != nil {
		return nil, fmt.Errorf("document store: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		// Uploads fail until the store recovers; health reports it.
		log.Warn("store_unreachable", zap.String("backend", cfg.Storage.Backend), zap.Error(err))
	}
	return store, nil
}
