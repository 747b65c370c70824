package main

import (
	"fmt"

	"payment-callback-gateway/internal/adapter/storage/postgres"
	"payment-callback-gateway/internal/app"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database schema",
		Long: `Apply the embedded PostgreSQL migrations.

Examples:
  pcgctl migrate             # up to the latest version
  pcgctl migrate --steps -1  # roll back one version`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := cliLogger(cmd, cfg)
			steps, _ := cmd.Flags().GetInt("steps")

			pool, err := postgres.NewPool(cmd.Context(), cfg.Database, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			return postgres.Migrate(pool, steps, log)
		},
	}
	cmd.Flags().Int("steps", 0, "versions to move: >0 up, <0 down, 0 to latest")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one stale-transaction sweep and exit",
		Long: `Query the gateway for every transaction whose callback is overdue,
the same pass the server runs on reconcile.sweep_interval. Useful from cron
when the in-process sweeper is disabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := cliLogger(cmd, cfg)

			gw, err := app.Build(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer gw.Close()

			queried, err := gw.Sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queried %d transaction(s)\n", queried)
			return nil
		},
	}
}
