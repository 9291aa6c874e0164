// Package cli implements accessctl, the operator tool for principals, API
// keys and schema migrations.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/qazna-org/access/internal/app"
	"github.com/qazna-org/access/internal/auth"
	"github.com/qazna-org/access/internal/config"
	"github.com/qazna-org/access/internal/obs"
)

var (
	cfgFile  string
	operator string
	jsonOut  bool

	// openDeps is replaced in tests.
	openDeps = func(ctx context.Context, cfg *config.Config) (*app.Deps, error) {
		if cfg.Database.DSN == "" {
			return nil, errors.New("database.dsn is required (set ACCESS_DATABASE_DSN or --config)")
		}
		return app.Open(ctx, cfg)
	}
)

// Execute runs the root command.
func Execute(version, commit string) error {
	return NewRootCmd(version, commit).Execute()
}

// NewRootCmd builds the command tree.
func NewRootCmd(version, commit string) *cobra.Command {
	root := &cobra.Command{
		Use:           "accessctl",
		Short:         "Administer the access control service",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to access.yaml")
	root.PersistentFlags().StringVar(&operator, "operator", "cli", "operator name recorded in audit events")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output as JSON")

	root.AddCommand(newUserCmd())
	root.AddCommand(newKeyCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	obs.SetLevel(cfg.Log.Level)
	return cfg, nil
}

// withService opens the configured backends, runs fn and closes them.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *auth.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	deps, err := openDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()
	return fn(ctx, deps.Service)
}

func actor() auth.Principal { return auth.OperatorPrincipal(operator) }

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
