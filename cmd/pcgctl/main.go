// Command pcgctl is the operator toolbox for the callback gateway: it signs
// and verifies gateway payloads, issues operator tokens and manages the schema.
package main

import (
	"fmt"
	"os"

	"payment-callback-gateway/config"
	"payment-callback-gateway/pkg/logger"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pcgctl",
		Short:         "Operator tools for the payment callback gateway",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (default ./config.yaml, env PCG_*)")

	root.AddCommand(signCmd())
	root.AddCommand(verifyCmd())
	root.AddCommand(schemesCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(sweepCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// cliLogger writes to stderr so command output stays pipeable.
func cliLogger(cmd *cobra.Command, cfg *config.Config) zerolog.Logger {
	return logger.NewWithWriter(cfg.Log.Level, cmd.ErrOrStderr())
}
