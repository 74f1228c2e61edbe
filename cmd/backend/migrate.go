package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"changeover-planner/internal/db"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ver, err := db.RunMigrations(cfg.DB.Main.DSN)
			if err != nil {
				return err
			}
			log.Info("migrations_complete", zap.Uint("version", ver))
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", ver)
			return nil
		},
	}
}

func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print warnings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			_ = log.Sync()
			out := cmd.OutOrStdout()
			for _, w := range cfg.Warnings() {
				fmt.Fprintln(out, "warning:", w)
			}
			fmt.Fprintln(out, "configuration ok")
			return nil
		},
	}
}
