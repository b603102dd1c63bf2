package nostr

import (
	"slices"

	"nostr-pool/internal/types"
)

// ParseRelayList extracts a NIP-65 relay list from a kind 10002 event.
// Invalid URLs are dropped; an r tag without a marker counts as both read and write.
func ParseRelayList(evt *types.Event) *types.RelayList {
	if evt == nil || evt.Kind != types.KindRelayList {
		return nil
	}
	relayList := &types.RelayList{
		Read:      []string{},
		Write:     []string{},
		CreatedAt: evt.CreatedAt,
	}

	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}

		relayURL := NormalizeRelayURL(tag[1])
		if relayURL == "" {
			continue
		}
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}

		switch marker {
		case "read":
			relayList.Read = appendUnique(relayList.Read, relayURL)
		case "write":
			relayList.Write = appendUnique(relayList.Write, relayURL)
		default:
			relayList.Read = appendUnique(relayList.Read, relayURL)
			relayList.Write = appendUnique(relayList.Write, relayURL)
		}
	}
	return relayList
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
