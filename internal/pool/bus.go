package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"nostr-pool/internal/metrics"
	"nostr-pool/internal/nostr"
	"nostr-pool/internal/types"
)

// ErrBusClosed is returned by Recv after the pool shut down.
var ErrBusClosed = errors.New("notification bus closed")

type NotificationKind int

const (
	// NotificationEvent carries an admitted, deduplicated event.
	NotificationEvent NotificationKind = iota
	// NotificationMessage carries a raw relay message (NOTICE, EOSE, CLOSED, OK, AUTH, COUNT).
	NotificationMessage
	// NotificationRelayStatus reports a relay state transition.
	NotificationRelayStatus
	// NotificationClosed is the last notification of a subscription.
	NotificationClosed
	// NotificationShutdown is the last notification a receiver gets.
	NotificationShutdown
)

func (k NotificationKind) String() string {
	switch k {
	case NotificationEvent:
		return "event"
	case NotificationMessage:
		return "message"
	case NotificationRelayStatus:
		return "relay_status"
	case NotificationClosed:
		return "closed"
	default:
		return "shutdown"
	}
}

// Notification is one item on the bus. Which fields are set depends on Kind.
type Notification struct {
	Kind           NotificationKind
	RelayURL       string
	SubscriptionID string
	Event          *types.Event
	Message        *nostr.RelayMessage
	Status         RelayStatus
	// Err is the cause of a Disconnected status or a failed authentication.
	Err error
	// Reason says why a subscription closed: unsubscribed, eose, max_events, timeout, shutdown.
	Reason string
}

// Bus fans notifications out to receivers. Publishing never blocks: a
// receiver that falls behind loses its oldest undelivered notification.
type Bus struct {
	metrics *metrics.Metrics

	mu        sync.Mutex
	receivers map[uint64]*Receiver
	nextID    uint64
	closed    bool
}

func NewBus(m *metrics.Metrics) *Bus {
	return &Bus{metrics: m, receivers: make(map[uint64]*Receiver)}
}

// Subscribe registers a receiver with the given buffer (minimum 1).
// Receivers only see notifications published after they subscribed.
func (b *Bus) Subscribe(buffer int) *Receiver {
	if buffer < 1 {
		buffer = 1
	}
	r := &Receiver{bus: b, ch: make(chan Notification, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		r.closed = true
		close(r.ch)
		return r
	}
	b.nextID++
	r.id = b.nextID
	b.receivers[r.id] = r
	return r
}

func (b *Bus) Publish(n Notification) {
	b.mu.Lock()
	receivers := make([]*Receiver, 0, len(b.receivers))
	for _, r := range b.receivers {
		receivers = append(receivers, r)
	}
	b.mu.Unlock()

	for _, r := range receivers {
		if r.offer(n) {
			b.metrics.NotificationDropped()
		}
	}
}

// Close delivers a Shutdown notification to every receiver and closes them.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	receivers := b.receivers
	b.receivers = make(map[uint64]*Receiver)
	b.mu.Unlock()

	for _, r := range receivers {
		r.offer(Notification{Kind: NotificationShutdown})
		r.shut()
	}
}

func (b *Bus) receiverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.receivers)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.receivers, id)
	b.mu.Unlock()
}

// Receiver is one consumer's view of the bus.
type Receiver struct {
	bus     *Bus
	id      uint64
	ch      chan Notification
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// C returns the notification channel. It is closed after Shutdown or Close.
func (r *Receiver) C() <-chan Notification { return r.ch }

// Dropped counts notifications lost because this receiver fell behind.
func (r *Receiver) Dropped() uint64 { return r.dropped.Load() }

// Recv waits for the next notification.
func (r *Receiver) Recv(ctx context.Context) (Notification, error) {
	select {
	case n, ok := <-r.ch:
		if !ok {
			return Notification{}, ErrBusClosed
		}
		return n, nil
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	}
}

// Close detaches the receiver. Other receivers are unaffected.
func (r *Receiver) Close() {
	r.bus.remove(r.id)
	r.shut()
}

// offer enqueues n, evicting the oldest entry when full. Reports whether
// something was dropped.
func (r *Receiver) offer(n Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.ch <- n:
		return false
	default:
	}
	select {
	case <-r.ch:
	default:
	}
	r.dropped.Add(1)
	select {
	case r.ch <- n:
	default:
		r.dropped.Add(1)
	}
	return true
}

func (r *Receiver) shut() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}
