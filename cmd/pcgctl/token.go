package main

import (
	"fmt"
	"time"

	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/internal/service"

	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator API token",
		Long: `Issue a signed JWT for the operator API using the configured jwt.secret.

Examples:
  pcgctl token --subject alice --role admin
  PCG_JWT_SECRET=... pcgctl token --subject ops-bot --expiry 15m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return fmt.Errorf("jwt.secret is not configured")
			}

			subject, _ := cmd.Flags().GetString("subject")
			role, _ := cmd.Flags().GetString("role")
			expiry, _ := cmd.Flags().GetDuration("expiry")
			if expiry <= 0 {
				expiry = cfg.JWT.Expiry
			}

			tokens := service.NewJWTTokenService(cfg.JWT.Secret, expiry, cfg.JWT.Issuer)
			token, expiresAt, err := tokens.Generate(subject, ports.OperatorRole(role))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("subject", "", "operator name recorded in the audit log")
	cmd.Flags().String("role", string(ports.RoleOperator), "operator or admin")
	cmd.Flags().Duration("expiry", 0, "token lifetime (default jwt.expiry)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
