package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/qazna-org/access/internal/auth"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
	}
	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	return cmd
}

func newKeyCreateCmd() *cobra.Command {
	var (
		owner  string
		scopes []string
		ttl    time.Duration
		limit  int64
	)
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Issue an API key for a principal",
		Long:    "Issue an API key. The raw key is shown once and cannot be retrieved again.",
		Example: `  accessctl key create --owner 0199... --scope read:reports --scope read:companies --ttl 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				plain, key, err := svc.CreateAPIKey(ctx, actor(), auth.APIKeyRequest{
					OwnerID:     owner,
					Scopes:      scopes,
					TTL:         ttl,
					HourlyLimit: limit,
				})
				if err != nil {
					return fmt.Errorf("create key: %w", err)
				}
				out := cmd.OutOrStdout()
				if jsonOut {
					return printJSON(out, struct {
						*auth.APIKey
						Key string `json:"key"`
					}{key, plain})
				}
				fmt.Fprintln(out, "API key created:")
				fmt.Fprintf(out, "  ID:     %s\n", key.ID)
				fmt.Fprintf(out, "  Key:    %s\n", plain)
				fmt.Fprintf(out, "  Scopes: %v\n", key.Scopes)
				fmt.Fprintf(out, "  Limit:  %d/hour\n", key.HourlyLimit)
				fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owning principal id (required)")
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "Scope to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Lifetime; 0 means no expiry")
	cmd.Flags().Int64Var(&limit, "hourly-limit", 0, "Hourly request ceiling; 0 uses the configured default")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func newKeyListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a principal's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				keys, err := svc.ListAPIKeys(ctx, actor(), owner)
				if err != nil {
					return fmt.Errorf("list keys: %w", err)
				}
				out := cmd.OutOrStdout()
				if jsonOut {
					return printJSON(out, keys)
				}
				if len(keys) == 0 {
					fmt.Fprintln(out, "No API keys found.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPREFIX\tSCOPES\tLIMIT\tEXPIRES\tSTATE")
				for _, k := range keys {
					expires := "never"
					if k.ExpiresAt != nil {
						expires = k.ExpiresAt.Format(time.RFC3339)
					}
					state := "active"
					if k.Revoked {
						state = "revoked"
					}
					fmt.Fprintf(tw, "%s\t%s\t%v\t%d\t%s\t%s\n", k.ID, k.Prefix, k.Scopes, k.HourlyLimit, expires, state)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owning principal id (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				if err := svc.RevokeAPIKey(ctx, actor(), args[0]); err != nil {
					return fmt.Errorf("revoke key: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
				return nil
			})
		},
	}
}
