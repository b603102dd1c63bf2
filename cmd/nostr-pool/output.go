package main

import (
	"encoding/json"
	"io"
	"sort"

	"nostr-pool/internal/pool"
	"nostr-pool/internal/types"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

type eventLine struct {
	Relay string      `json:"relay,omitempty"`
	Event types.Event `json:"event"`
}

type publishResult struct {
	ID      string            `json:"id"`
	Success []string          `json:"success"`
	Failed  map[string]string `json:"failed,omitempty"`
}

func newPublishResult(out *pool.PublishOutput) publishResult {
	res := publishResult{ID: out.ID, Success: out.Success}
	if res.Success == nil {
		res.Success = []string{}
	}
	if len(out.Failed) > 0 {
		res.Failed = make(map[string]string, len(out.Failed))
		for url, err := range out.Failed {
			res.Failed[url] = err.Error()
		}
	}
	sort.Strings(res.Success)
	return res
}
