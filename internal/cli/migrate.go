package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Status bool
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Long: `Apply pending embedded migrations to the Postgres row store.

Examples:
  junban migrate
  junban migrate --status
  junban migrate --status --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Status, "status", false, "report applied and pending migrations without applying")
	return cmd
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	m, closeFn, err := opts.OpenMigrator(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	out := cmd.OutOrStdout()

	if opts.Status {
		status, err := m.MigrationStatus(ctx, migrationsFS)
		if err != nil {
			return WrapExitError(ExitCommandError, "migration status", err)
		}
		if opts.Format == "json" {
			return writeJSON(out, status)
		}
		rows := make([][]string, len(status))
		for i, s := range status {
			applied := "pending"
			if s.AppliedAt != nil {
				applied = formatTime(*s.AppliedAt)
			}
			rows[i] = []string{s.Name, applied}
		}
		return table(out, []string{"MIGRATION", "APPLIED"}, rows)
	}

	applied, err := m.RunMigrations(ctx, migrationsFS)
	if err != nil {
		return WrapExitError(ExitCommandError, "run migrations", err)
	}
	if opts.Format == "json" {
		return writeJSON(out, map[string]any{"applied": applied})
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "schema is up to date")
		return nil
	}
	for _, name := range applied {
		fmt.Fprintf(out, "applied %s\n", name)
	}
	return nil
}
