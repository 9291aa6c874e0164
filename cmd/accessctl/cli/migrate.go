package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qazna-org/access/internal/app"
	"github.com/qazna-org/access/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:       "migrate <up|down|status>",
		Short:     "Apply or inspect the database schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := app.OpenDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			var opts []migrate.Option
			if dir != "" {
				opts = append(opts, migrate.WithFiles(os.DirFS(dir)))
			}
			mgr := migrate.NewManager(db, opts...)
			out := cmd.OutOrStdout()

			switch args[0] {
			case "up":
				applied, err := mgr.Up(ctx)
				for _, name := range applied {
					fmt.Fprintln(out, "applied", name)
				}
				if err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				if len(applied) == 0 {
					fmt.Fprintln(out, "schema is up to date")
				}
			case "down":
				name, err := mgr.Down(ctx)
				if err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				fmt.Fprintln(out, "rolled back", name)
			case "status":
				history, err := mgr.Status(ctx)
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				for _, name := range history {
					fmt.Fprintln(out, name)
				}
			default:
				return fmt.Errorf("unknown migrate command %q", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Read migrations from this directory instead of the embedded set")
	return cmd
}
