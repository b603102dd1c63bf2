package pool

import (
	"errors"
	"fmt"
)

var (
	ErrPoolClosed          = errors.New("relay pool closed")
	ErrRelayNotFound       = errors.New("relay not found")
	ErrRelayNotReady       = errors.New("relay not ready")
	ErrInvalidRelayURL     = errors.New("invalid relay url")
	ErrNoRelays            = errors.New("no relays available")
	ErrSubscriptionExists  = errors.New("subscription id already in use")
	ErrSubscriptionUnknown = errors.New("subscription not found")
	ErrNoFilters           = errors.New("no filters")
	ErrNoSigner            = errors.New("no signer configured")
	ErrInvalidEvent        = errors.New("event id or signature invalid")
	ErrPublishFailed       = errors.New("no relay accepted the event")
)

// TransportError is a connection-level failure. It is retried with backoff
// and only surfaces through RelayStatus notifications and stats.
type TransportError struct {
	Relay string
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Relay, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthenticationError reports a failed NIP-42 handshake. The connection stays
// up; the relay is skipped for writes that require auth until it succeeds.
type AuthenticationError struct {
	Relay  string
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Relay, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Relay, e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// AdmissionRejection explains why an incoming event was dropped.
// It is counted, never returned to callers.
type AdmissionRejection struct {
	Relay  string
	Reason string // filtered, pow, too_many_tags, too_large
	Detail string
}

func (e *AdmissionRejection) Error() string {
	return fmt.Sprintf("event from %s rejected (%s): %s", e.Relay, e.Reason, e.Detail)
}

// PublishError is one relay's refusal or failure for a published event.
type PublishError struct {
	Relay   string
	Message string // the relay's OK message, if any
	Err     error
}

func (e *PublishError) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("publish to %s: %s: %v", e.Relay, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("publish to %s: %v", e.Relay, e.Err)
	default:
		return fmt.Sprintf("publish to %s: %s", e.Relay, e.Message)
	}
}

func (e *PublishError) Unwrap() error { return e.Err }

// SubscriptionError records a relay refusing a subscription (CLOSED).
// The subscription stays active on relays that accepted it.
type SubscriptionError struct {
	Relay          string
	SubscriptionID string
	Message        string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s refused by %s: %s", e.SubscriptionID, e.Relay, e.Message)
}
