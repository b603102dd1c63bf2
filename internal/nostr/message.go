package nostr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"nostr-pool/internal/types"
)

// Relay-to-client message labels (NIP-01, NIP-42, NIP-45).
const (
	LabelEvent  = "EVENT"
	LabelOK     = "OK"
	LabelEOSE   = "EOSE"
	LabelClosed = "CLOSED"
	LabelNotice = "NOTICE"
	LabelAuth   = "AUTH"
	LabelCount  = "COUNT"
)

// Machine-readable prefixes relays put on OK and CLOSED messages.
const (
	PrefixAuthRequired = "auth-required:"
	PrefixRestricted   = "restricted:"
	PrefixRateLimited  = "rate-limited:"
	PrefixDuplicate    = "duplicate:"
	PrefixPOW          = "pow:"
	PrefixBlocked      = "blocked:"
	PrefixInvalid      = "invalid:"
	PrefixError        = "error:"
)

var (
	ErrMalformedMessage = errors.New("malformed relay message")
	ErrInvalidEvent     = errors.New("invalid event")
)

// RelayMessage is a decoded relay-to-client message.
type RelayMessage struct {
	Label          string
	SubscriptionID string      // EVENT, EOSE, CLOSED, COUNT
	Event          types.Event // EVENT
	EventID        string      // OK
	Accepted       bool        // OK
	Message        string      // OK, CLOSED, NOTICE
	Challenge      string      // AUTH
	Count          int64       // COUNT
}

// HasPrefix reports whether the message text starts with a machine-readable prefix.
func (m *RelayMessage) HasPrefix(prefix string) bool {
	return strings.HasPrefix(m.Message, prefix)
}

// ParseRelayMessage decodes one array read off the websocket.
// An EVENT whose id or signature does not verify returns ErrInvalidEvent
// with the label and subscription id still filled in.
func ParseRelayMessage(msg []interface{}) (*RelayMessage, error) {
	if len(msg) < 2 {
		return nil, ErrMalformedMessage
	}
	label, ok := msg[0].(string)
	if !ok {
		return nil, ErrMalformedMessage
	}

	rm := &RelayMessage{Label: label}
	switch label {
	case LabelEvent:
		if len(msg) < 3 {
			return nil, ErrMalformedMessage
		}
		if rm.SubscriptionID, ok = msg[1].(string); !ok {
			return nil, ErrMalformedMessage
		}
		evt, ok := ParseEventFromInterface(msg[2])
		if !ok {
			return rm, ErrInvalidEvent
		}
		rm.Event = evt

	case LabelOK:
		if len(msg) < 3 {
			return nil, ErrMalformedMessage
		}
		if rm.EventID, ok = msg[1].(string); !ok {
			return nil, ErrMalformedMessage
		}
		if rm.Accepted, ok = msg[2].(bool); !ok {
			return nil, ErrMalformedMessage
		}
		if len(msg) >= 4 {
			rm.Message, _ = msg[3].(string)
		}

	case LabelEOSE:
		if rm.SubscriptionID, ok = msg[1].(string); !ok {
			return nil, ErrMalformedMessage
		}

	case LabelClosed:
		if rm.SubscriptionID, ok = msg[1].(string); !ok {
			return nil, ErrMalformedMessage
		}
		if len(msg) >= 3 {
			rm.Message, _ = msg[2].(string)
		}

	case LabelNotice:
		rm.Message, _ = msg[1].(string)

	case LabelAuth:
		if rm.Challenge, ok = msg[1].(string); !ok {
			return nil, ErrMalformedMessage
		}

	case LabelCount:
		if len(msg) < 3 {
			return nil, ErrMalformedMessage
		}
		rm.SubscriptionID, _ = msg[1].(string)
		if obj, ok := msg[2].(map[string]interface{}); ok {
			if c, ok := obj["count"].(float64); ok {
				rm.Count = int64(c)
			}
		}

	default:
		return nil, fmt.Errorf("%w: unknown label %q", ErrMalformedMessage, label)
	}
	return rm, nil
}

// EncodeReq builds ["REQ", subID, filter...].
func EncodeReq(subID string, filters []types.Filter) ([]byte, error) {
	msg := make([]interface{}, 0, len(filters)+2)
	msg = append(msg, "REQ", subID)
	for _, f := range filters {
		msg = append(msg, f)
	}
	return encode(msg)
}

// EncodeClose builds ["CLOSE", subID].
func EncodeClose(subID string) ([]byte, error) {
	return encode([]interface{}{"CLOSE", subID})
}

// EncodeEvent builds ["EVENT", event].
func EncodeEvent(evt types.Event) ([]byte, error) {
	return encode([]interface{}{"EVENT", evt})
}

// EncodeAuth builds ["AUTH", event].
func EncodeAuth(evt types.Event) ([]byte, error) {
	return encode([]interface{}{"AUTH", evt})
}

// encode marshals without HTML escaping so content round-trips byte for byte.
func encode(msg []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(msg); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
