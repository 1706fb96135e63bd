package cli

import (
	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a junban node",
		Long: `Run a junban node until interrupted.

The node heartbeats into the row store, claims agent leases on every tick
and applies saga events. Configuration comes from the environment (and a
.env file if present); see JUNBAN_* variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Serve == nil {
				return &ExitError{Code: ExitCommandError, Message: "serve is not available in this build"}
			}
			if err := opts.Serve(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "serve", err)
			}
			return nil
		},
	}
}
