package pool

import (
	"encoding/json"
	"fmt"

	"nostr-pool/internal/config"
	"nostr-pool/internal/nostr"
	"nostr-pool/internal/types"
)

// Rejection reasons, also used as metric labels.
const (
	RejectFiltered    = "filtered"
	RejectPOW         = "pow"
	RejectTooManyTags = "too_many_tags"
	RejectTooLarge    = "too_large"
	RejectInvalid     = "invalid"
)

// Admit decides whether an event received from relayURL may be delivered.
// It depends only on its arguments; a nil result admits the event.
// Id and signature are checked when the message is parsed.
func Admit(evt *types.Event, relayURL string, opts config.Options) *AdmissionRejection {
	if !opts.Filtering.Admits(relayURL) {
		return &AdmissionRejection{
			Relay:  relayURL,
			Reason: RejectFiltered,
			Detail: fmt.Sprintf("relay not admitted by %s", opts.Filtering.Mode()),
		}
	}
	if opts.MinPOW > 0 {
		if got := nostr.Difficulty(evt.ID); got < opts.MinPOW {
			return &AdmissionRejection{
				Relay:  relayURL,
				Reason: RejectPOW,
				Detail: fmt.Sprintf("difficulty %d below %d", got, opts.MinPOW),
			}
		}
	}
	if max := opts.Limits.MaxEventTags; max > 0 && len(evt.Tags) > max {
		return &AdmissionRejection{
			Relay:  relayURL,
			Reason: RejectTooManyTags,
			Detail: fmt.Sprintf("%d tags, limit %d", len(evt.Tags), max),
		}
	}
	if max := opts.Limits.MaxEventSize; max > 0 {
		if size := eventSize(evt); size > max {
			return &AdmissionRejection{
				Relay:  relayURL,
				Reason: RejectTooLarge,
				Detail: fmt.Sprintf("%d bytes, limit %d", size, max),
			}
		}
	}
	return nil
}

// eventSize is the length of evt in its JSON wire form.
func eventSize(evt *types.Event) int {
	data, err := json.Marshal(evt)
	if err != nil {
		return 0
	}
	return len(data)
}
