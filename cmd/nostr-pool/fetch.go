package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"nostr-pool/internal/types"
)

func newFetchCmd() *cobra.Command {
	var (
		ff      filterFlags
		via     []string
		timeout time.Duration
		local   bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Query relays once and print matching events newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := ff.filters()
			if err != nil {
				return err
			}
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			var events []types.Event
			switch {
			case local:
				if a.db == nil {
					return errors.New("--local needs a database: pass --db or configure one")
				}
				events, err = a.db.QueryEvents(ctx, filters)
			case len(via) > 0:
				a.pool.Connect()
				events, err = a.pool.FetchEventsFrom(ctx, via, filters, timeout)
			default:
				a.pool.Connect()
				events, err = a.pool.FetchEvents(ctx, filters, timeout)
			}
			if err != nil {
				return err
			}
			for _, evt := range events {
				if err := writeJSON(a.stdout, eventLine{Event: evt}); err != nil {
					return err
				}
			}
			a.log.Debug("fetch done", "events", len(events))
			return nil
		},
	}
	ff.register(cmd.Flags())
	cmd.Flags().StringArrayVar(&via, "via", nil, "Only query these pool relays (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Stop waiting for relays after this long")
	cmd.Flags().BoolVar(&local, "local", false, "Query the local database instead of relays")
	return cmd
}
