package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nostr-pool/internal/pool"
)

func newRelaysCmd() *cobra.Command {
	var (
		wait       time.Duration
		outputJSON bool
	)
	cmd := &cobra.Command{
		Use:   "relays",
		Short: "Connect to the configured relays and report their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			a.pool.Connect()
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			if err := a.pool.WaitForReady(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			stats := a.pool.Relays()
			if outputJSON {
				return writeJSON(a.stdout, relayRows(stats))
			}
			return writeRelayTable(a, stats)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to wait for relays to become ready")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

type relayRow struct {
	URL        string `json:"url"`
	Status     string `json:"status"`
	Flags      string `json:"flags"`
	Score      int    `json:"score"`
	AvgLatency string `json:"avg_latency,omitempty"`
	Failures   uint64 `json:"failures"`
	Auth       bool   `json:"authenticated"`
	LastError  string `json:"last_error,omitempty"`
}

func relayRows(stats []pool.RelayStats) []relayRow {
	rows := make([]relayRow, 0, len(stats))
	for _, s := range stats {
		row := relayRow{
			URL:      s.URL,
			Status:   s.Status.String(),
			Flags:    s.Flags.String(),
			Score:    s.Score,
			Failures: s.Failures,
			Auth:     s.Authenticated,
		}
		if s.LatencySamples > 0 {
			row.AvgLatency = s.AvgLatency.Round(time.Millisecond).String()
		}
		if s.LastError != nil {
			row.LastError = s.LastError.Error()
		}
		rows = append(rows, row)
	}
	return rows
}

func writeRelayTable(a *app, stats []pool.RelayStats) error {
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "URL\tSTATUS\tFLAGS\tSCORE\tLATENCY\tFAILURES\tLAST ERROR")
	for _, r := range relayRows(stats) {
		latency := r.AvgLatency
		if latency == "" {
			latency = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n", r.URL, r.Status, r.Flags, r.Score, latency, r.Failures, r.LastError)
	}
	return tw.Flush()
}
