package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"nostr-pool/internal/pool"
	"nostr-pool/internal/types"
)

func newPublishCmd() *cobra.Command {
	var (
		kind      int
		content   string
		tags      []string
		eventFile string
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Sign and publish an event, or publish a signed event from a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var signed *types.Event
			if eventFile != "" {
				evt, err := readEvent(cmd.InOrStdin(), eventFile)
				if err != nil {
					return err
				}
				signed = &evt
			}
			evtTags, err := parseTags(tags)
			if err != nil {
				return err
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			a.pool.Connect()

			var out *pool.PublishOutput
			if signed != nil {
				out, err = a.pool.Publish(ctx, *signed)
			} else {
				if a.keys == nil {
					return errors.New("signing needs a secret key: pass --sec or set NOSTR_SECRET_KEY")
				}
				out, err = a.pool.SignAndPublish(ctx, types.Event{Kind: kind, Tags: evtTags, Content: content})
			}
			if out != nil {
				if werr := writeJSON(a.stdout, newPublishResult(out)); werr != nil && err == nil {
					err = werr
				}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&kind, "kind", types.KindTextNote, "Event kind")
	cmd.Flags().StringVar(&content, "content", "", "Event content")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "Tag as name=value[,value...] (repeatable)")
	cmd.Flags().StringVar(&eventFile, "event", "", "Publish this signed event JSON as is (- reads stdin)")
	return cmd
}

func readEvent(stdin io.Reader, path string) (types.Event, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return types.Event{}, fmt.Errorf("read event: %w", err)
	}
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return types.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return evt, nil
}

func parseTags(raw []string) ([][]string, error) {
	out := make([][]string, 0, len(raw))
	for _, t := range raw {
		name, values, ok := strings.Cut(t, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--tag %q: want name=value", t)
		}
		out = append(out, append([]string{name}, strings.Split(values, ",")...))
	}
	return out, nil
}
