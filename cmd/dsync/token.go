package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/platelet-app/dispatchsync/internal/identity"
)

var tokenCmd = &cobra.Command{
	Use:     "token",
	GroupID: "hub",
	Short:   "Manage hub access tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <actor-id>",
	Short: "Issue a bearer token signed with serve.jwt_secret",
	Long: `Issue a bearer token for a replica. The token names the actor on whose behalf
writes are made, its tenant and roles. Store it in hub.token (or DSYNC_HUB_TOKEN)
on the replica.

Example usage:
  dsync token issue coord-1 --tenant north --roles COORDINATOR --ttl 720h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		roles, _ := cmd.Flags().GetStringSlice("roles")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if cfg.Serve.JWTSecret == "" {
			return errors.New("serve.jwt_secret is not set")
		}
		for i := range roles {
			roles[i] = strings.ToUpper(roles[i])
		}
		token, err := identity.Issue(cfg.Serve.JWTSecret, identity.Actor{ID: args[0], TenantID: tenant, Roles: roles}, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().String("tenant", "", "tenant id")
	tokenIssueCmd.Flags().StringSlice("roles", nil, "roles, e.g. COORDINATOR,RIDER")
	tokenIssueCmd.Flags().Duration("ttl", 30*24*time.Hour, "token lifetime (0 for no expiry)")
	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
}
