package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/gridsync/internal/httpapi"
)

func newTokenCmd() *cobra.Command {
	var (
		secret string
		userID int64
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a development backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(secret) == "" {
				secret = os.Getenv("GRIDSYNC_JWT_SECRET")
			}
			if strings.TrimSpace(secret) == "" {
				return fmt.Errorf("--secret or GRIDSYNC_JWT_SECRET is required")
			}
			token, err := httpapi.IssueToken(secret, userID, role, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 signing secret")
	cmd.Flags().Int64Var(&userID, "user-id", 1, "subject user id")
	cmd.Flags().StringVar(&role, "role", "manager", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
