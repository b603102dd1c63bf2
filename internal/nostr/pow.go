package nostr

import (
	"context"
	"encoding/hex"
	"math/bits"
	"strconv"

	"nostr-pool/internal/types"
)

// Difficulty counts the leading zero bits of a hex event id (NIP-13).
// Invalid hex yields 0.
func Difficulty(id string) int {
	raw, err := hex.DecodeString(id)
	if err != nil {
		return 0
	}
	count := 0
	for _, b := range raw {
		if b == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(b)
		break
	}
	return count
}

// Mine appends or rewrites a ["nonce", n, target] tag until the event id
// has at least target leading zero bits. The returned event has its ID set
// and is unsigned. Mining stops with ctx.Err() when ctx is done.
func Mine(ctx context.Context, evt types.Event, target int) (types.Event, error) {
	tags := make([][]string, 0, len(evt.Tags)+1)
	for _, tag := range evt.Tags {
		if len(tag) > 0 && tag[0] == "nonce" {
			continue
		}
		tags = append(tags, tag)
	}
	targetStr := strconv.Itoa(target)
	tags = append(tags, []string{"nonce", "0", targetStr})
	evt.Tags = tags
	nonceTag := tags[len(tags)-1]

	for nonce := uint64(0); ; nonce++ {
		if nonce&0x3ff == 0 {
			if err := ctx.Err(); err != nil {
				return types.Event{}, err
			}
		}
		nonceTag[1] = strconv.FormatUint(nonce, 10)
		evt.ID = ComputeEventID(&evt)
		if Difficulty(evt.ID) >= target {
			evt.Sig = ""
			return evt, nil
		}
	}
}
