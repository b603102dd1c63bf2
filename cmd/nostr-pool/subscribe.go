package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"nostr-pool/internal/nostr"
	"nostr-pool/internal/pool"
)

func newSubscribeCmd() *cobra.Command {
	var (
		ff        filterFlags
		id        string
		via       []string
		onEOSE    bool
		maxEvents int
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Stream matching events as JSON lines until interrupted",
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

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go a.watchConfig(ctx)

			opts := pool.SubscribeOptions{ID: id, Relays: via}
			if onEOSE || maxEvents > 0 || timeout > 0 {
				opts.AutoClose = &pool.AutoClose{ExitOnEOSE: onEOSE, MaxEvents: maxEvents, Timeout: timeout}
			}

			rx := a.pool.Notifications(0)
			defer rx.Close()
			a.pool.Connect()
			subID, err := a.pool.Subscribe(ctx, filters, opts)
			if err != nil {
				return err
			}
			a.log.Info("subscribed", "id", subID, "filters", len(filters))
			return streamEvents(ctx, a, rx, subID)
		},
	}
	ff.register(cmd.Flags())
	cmd.Flags().StringVar(&id, "sub-id", "", "Subscription id (random when empty)")
	cmd.Flags().StringArrayVar(&via, "via", nil, "Only use these pool relays, bypassing gossip (repeatable)")
	cmd.Flags().BoolVar(&onEOSE, "close-on-eose", false, "Exit once every relay sent its stored events")
	cmd.Flags().IntVar(&maxEvents, "max-events", 0, "Exit after this many events")
	cmd.Flags().DurationVar(&timeout, "duration", 0, "Exit after this long")
	return cmd
}

func streamEvents(ctx context.Context, a *app, rx *pool.Receiver, subID string) error {
	for {
		n, err := rx.Recv(ctx)
		if err != nil {
			if errors.Is(err, pool.ErrBusClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch n.Kind {
		case pool.NotificationEvent:
			if n.SubscriptionID != subID {
				continue
			}
			if err := writeJSON(a.stdout, eventLine{Relay: n.RelayURL, Event: *n.Event}); err != nil {
				return err
			}
		case pool.NotificationMessage:
			if n.Message.Label == nostr.LabelNotice {
				a.log.Info("relay notice", "relay", n.RelayURL, "message", n.Message.Message)
			}
		case pool.NotificationRelayStatus:
			a.log.Debug("relay status", "relay", n.RelayURL, "status", n.Status.String(), "error", n.Err)
		case pool.NotificationClosed:
			if n.SubscriptionID == subID {
				a.log.Info("subscription closed", "id", subID, "reason", n.Reason)
				return nil
			}
		case pool.NotificationShutdown:
			return nil
		}
	}
}
