package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"evalgo.org/nodereg/internal/auth"
	"evalgo.org/nodereg/models"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate an API caller token",
	Long: `Generate a JWT for an API caller.

The token is signed with security.jwt_secret and carries the given roles.
Tokens are only checked when security.auth_enabled is true.

Examples:
  # Administrator token
  nodereg token --role admin --subject ops

  # Scheduler integration that reports slurm state
  nodereg token --role agent --subject slurm --ttl 8760h

  # Dashboard that may also see job assignments
  nodereg token --role reader --role job-reader --subject dashboard`,
	Args: cobra.NoArgs,
	RunE: runGenerateToken,
}

var (
	tokenRoles   []string
	tokenSubject string
	tokenTTL     time.Duration
)

func init() {
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "role to grant (admin, reader, job-reader, agent); repeatable")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "token subject, usually the caller's name")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: security.jwt_expiration)")
	_ = tokenCmd.MarkFlagRequired("role")    //nolint:errcheck
	_ = tokenCmd.MarkFlagRequired("subject") //nolint:errcheck
}

func runGenerateToken(cmd *cobra.Command, args []string) error {
	roles := make([]models.Role, 0, len(tokenRoles))
	for _, r := range tokenRoles {
		roles = append(roles, models.Role(r))
	}

	token, err := auth.NewJWTService(cfg).GenerateToken(tokenSubject, roles, tokenTTL)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	if !cfg.Security.AuthEnabled {
		cmd.PrintErrln("Warning: security.auth_enabled is false; the server will not check this token")
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
