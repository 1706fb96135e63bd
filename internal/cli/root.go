// Package cli implements the junban command line: serve a node, run
// migrations and inspect the cluster's locks, nodes and event log.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags and the dependencies commands share.
type RootOptions struct {
	Format string

	Logger  *slog.Logger
	Version string

	// Serve runs a node until ctx is cancelled. Injected by main so this
	// package does not import the root package.
	Serve func(ctx context.Context) error
	// OpenStore opens the configured row store for inspection.
	OpenStore func(ctx context.Context) (Store, func(), error)
	// OpenMigrator opens the Postgres store for migrate.
	OpenMigrator func(ctx context.Context) (Migrator, func(), error)
	// OpenNotify opens a LISTEN/NOTIFY connection for events watch.
	OpenNotify func(ctx context.Context) (NotifySource, func(), error)

	now func() time.Time
}

// NewRootCommand creates the root command. Nil openers default to ones that
// read configuration from the environment.
func NewRootCommand(opts *RootOptions) *cobra.Command {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OpenStore == nil {
		opts.OpenStore = configuredStore(opts.Logger)
	}
	if opts.OpenMigrator == nil {
		opts.OpenMigrator = configuredMigrator(opts.Logger)
	}
	if opts.OpenNotify == nil {
		opts.OpenNotify = configuredNotify(opts.Logger)
	}
	if opts.now == nil {
		opts.now = func() time.Time { return time.Now().UTC() }
	}

	cmd := &cobra.Command{
		Use:     "junban",
		Short:   "junban - clustered agent scheduler and saga engine",
		Long:    "Runs periodic agents under cluster-wide SQL leases and drives event-sourced sagas.",
		Version: opts.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewLocksCommand(opts))
	cmd.AddCommand(NewNodesCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))

	return cmd
}
