package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var (
		userID   string
		username string
		roles    []string
		ttl      time.Duration
	)

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development JWT signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := auth.NewJWTManager()
			if err != nil {
				return err
			}
			if userID == "" {
				userID = uuid.NewString()
			}
			if username == "" {
				username = userID
			}
			token, err := manager.GenerateToken(cmd.Context(), userID, username, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	tokenCmd.Flags().StringVar(&userID, "user", "", "User id placed in the token (random when empty)")
	tokenCmd.Flags().StringVar(&username, "username", "", "Username placed in the token")
	tokenCmd.Flags().StringSliceVar(&roles, "roles", []string{"developer"}, "Roles placed in the token")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return tokenCmd
}
