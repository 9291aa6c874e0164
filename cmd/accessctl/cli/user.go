package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qazna-org/access/internal/auth"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "user",
		Aliases: []string{"principal"},
		Short:   "Manage principals",
	}
	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserRoleCmd())
	cmd.AddCommand(newUserActiveCmd("deactivate", false))
	cmd.AddCommand(newUserActiveCmd("activate", true))
	cmd.AddCommand(newUserRevokeSessionsCmd())
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var email, handle, password, role string
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Register a principal",
		Example: `  accessctl user create --email ana@example.com --handle ana --role analyst --password '...'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				u, err := svc.RegisterUser(ctx, auth.NewUser{
					Email:    email,
					Handle:   handle,
					Password: password,
					Role:     auth.Role(role),
				})
				if err != nil {
					return fmt.Errorf("create user: %w", err)
				}
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), u)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s, role %s)\n", u.ID, u.Handle, u.Role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&handle, "handle", "", "Login handle (required)")
	cmd.Flags().StringVar(&password, "password", "", "Initial password (required)")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleViewer), "Role: administrator, analyst, viewer, service-account")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("handle")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newUserRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "role <user-id> <role>",
		Short: "Change a principal's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				if err := svc.SetRole(ctx, args[0], auth.Role(args[1])); err != nil {
					return fmt.Errorf("set role: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Role of %s set to %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newUserActiveCmd(use string, active bool) *cobra.Command {
	short := "Deactivate a principal and revoke its sessions"
	if active {
		short = "Reactivate a principal"
	}
	return &cobra.Command{
		Use:   use + " <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				if err := svc.SetActive(ctx, args[0], active); err != nil {
					return fmt.Errorf("%s: %w", use, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %sd\n", args[0], use)
				return nil
			})
		},
	}
}

func newUserRevokeSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-sessions <user-id>",
		Short: "Revoke every active session of a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *auth.Service) error {
				n, err := svc.RevokeSessions(ctx, args[0])
				if err != nil {
					return fmt.Errorf("revoke sessions: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %d session(s)\n", n)
				return nil
			})
		},
	}
}
