package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/junban/internal/notify"
	"github.com/ashita-ai/junban/internal/storage"
)

// EventsOptions holds flags for the events subcommands.
type EventsOptions struct {
	*RootOptions
	Type  string
	ID    string
	Limit int
}

// NewEventsCommand creates the events command group.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the event log",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List aggregates, or one aggregate's events",
		Long: `Without --id, list the most recently changed aggregates (optionally of one
--type). With --type and --id, list that aggregate's events in sequence order.

Examples:
  junban events list
  junban events list --type deploy --limit 20
  junban events list --type deploy --id d-42 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEventsList(opts, cmd)
		},
	}
	list.Flags().StringVar(&opts.Type, "type", "", "aggregate type (saga name)")
	list.Flags().StringVar(&opts.ID, "id", "", "aggregate id (saga id); requires --type")
	list.Flags().IntVar(&opts.Limit, "limit", 50, "maximum aggregates to list")

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Follow committed appends from every node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEventsWatch(opts, cmd)
		},
	}

	cmd.AddCommand(list, watch)
	return cmd
}

func runEventsList(opts *EventsOptions, cmd *cobra.Command) error {
	if opts.ID != "" && opts.Type == "" {
		return &ExitError{Code: ExitCommandError, Message: "--id requires --type"}
	}
	ctx := cmd.Context()
	store, closeFn, err := opts.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	out := cmd.OutOrStdout()

	if opts.ID == "" {
		aggs, err := store.ListAggregates(ctx, opts.Type, opts.Limit)
		if err != nil {
			return WrapExitError(ExitCommandError, "list aggregates", err)
		}
		if opts.Format == "json" {
			return writeJSON(out, aggs)
		}
		rows := make([][]string, len(aggs))
		for i, a := range aggs {
			rows[i] = []string{a.AggregateType, a.AggregateID, strconv.FormatInt(a.Version, 10), formatTime(a.LastChangeTimestamp)}
		}
		return table(out, []string{"TYPE", "ID", "VERSION", "LAST CHANGE"}, rows)
	}

	records, err := store.ListEvents(ctx, opts.Type, opts.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "list events", err)
	}
	if opts.Format == "json" {
		return writeJSON(out, records)
	}
	if len(records) == 0 {
		fmt.Fprintf(out, "No events found for %s/%s\n", opts.Type, opts.ID)
		return nil
	}
	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{strconv.FormatInt(r.Sequence, 10), r.EventType, formatTime(r.CreatedAt), r.ServiceVersion, string(r.Payload)}
	}
	return table(out, []string{"SEQ", "EVENT", "CREATED", "VERSION", "PAYLOAD"}, rows)
}

func runEventsWatch(opts *EventsOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	src, closeFn, err := opts.OpenNotify(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	broker := notify.NewBroker(src, storage.ChannelEvents, opts.Logger)
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	errCh := make(chan error, 1)
	go func() { errCh <- broker.Start(ctx) }()

	out := cmd.OutOrStdout()
	for {
		select {
		case err := <-errCh:
			if err != nil {
				return WrapExitError(ExitCommandError, "listen", err)
			}
			return nil
		case n := <-sub:
			if opts.Format == "json" {
				if err := writeJSON(out, n); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintln(out, n.String())
		}
	}
}
