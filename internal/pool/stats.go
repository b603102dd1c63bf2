package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RelayStats is a snapshot of one relay's connection history.
type RelayStats struct {
	URL    string
	Status RelayStatus
	Flags  RelayFlags

	Attempts    uint64
	Successes   uint64
	Failures    uint64 // consecutive, reset on success
	ConnectedAt time.Time
	LastError   error
	LastErrorAt time.Time

	AvgLatency     time.Duration
	LatencySamples uint64

	EventsReceived uint64
	EventsRejected uint64
	Subscriptions  int
	Authenticated  bool

	// Score ranks relays from 0 to 100 by latency and failures.
	Score int
}

type relayStats struct {
	clock clock.Clock

	mu             sync.RWMutex
	attempts       uint64
	successes      uint64
	failures       uint64
	connectedAt    time.Time
	lastError      error
	lastErrorAt    time.Time
	backoffUntil   time.Time
	avgLatency     time.Duration
	latencySamples uint64
	eventsReceived uint64
	eventsRejected uint64
}

func newRelayStats(clk clock.Clock) *relayStats {
	return &relayStats{clock: clk}
}

func (s *relayStats) recordAttempt() {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
}

func (s *relayStats) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	s.failures = 0
	s.backoffUntil = time.Time{}
	s.connectedAt = s.clock.Now()
}

func (s *relayStats) recordFailure(err error, backoff time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	s.lastError = err
	s.lastErrorAt = s.clock.Now()
	s.backoffUntil = s.lastErrorAt.Add(backoff)
}

func (s *relayStats) consecutiveFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.failures)
}

// recordError keeps err as the last error without counting a connection failure.
func (s *relayStats) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err
	s.lastErrorAt = s.clock.Now()
}

// Exponential moving average (alpha=0.3)
func (s *relayStats) recordLatency(d time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latencySamples == 0 {
		s.avgLatency = d
	} else {
		alpha := 0.3
		s.avgLatency = time.Duration(alpha*float64(d) + (1-alpha)*float64(s.avgLatency))
	}
	s.latencySamples++
	return s.avgLatency
}

func (s *relayStats) recordEvent() {
	s.mu.Lock()
	s.eventsReceived++
	s.mu.Unlock()
}

func (s *relayStats) recordRejected() {
	s.mu.Lock()
	s.eventsRejected++
	s.mu.Unlock()
}

// latency returns the average and whether any sample exists.
func (s *relayStats) latency() (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.avgLatency, s.latencySamples > 0
}

func (s *relayStats) fill(out *RelayStats) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out.Attempts = s.attempts
	out.Successes = s.successes
	out.Failures = s.failures
	out.ConnectedAt = s.connectedAt
	out.LastError = s.lastError
	out.LastErrorAt = s.lastErrorAt
	out.AvgLatency = s.avgLatency
	out.LatencySamples = s.latencySamples
	out.EventsReceived = s.eventsReceived
	out.EventsRejected = s.eventsRejected
	out.Score = s.scoreLocked()
}

func (s *relayStats) score() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scoreLocked()
}

func (s *relayStats) scoreLocked() int {
	score := 50

	if s.latencySamples > 0 {
		avgMs := s.avgLatency.Milliseconds()
		switch {
		case avgMs < 200:
			score = 50
		case avgMs < 500:
			score = 40
		case avgMs < 1000:
			score = 25
		default:
			score = 10
		}

		bonus := s.latencySamples
		if bonus > 10 {
			bonus = 10
		}
		score += int(bonus)
	}

	if s.failures > 0 {
		penalty := int(s.failures) * 10
		if penalty > 30 {
			penalty = 30
		}
		score -= penalty

		if s.clock.Now().Before(s.backoffUntil) {
			score -= 20
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// defaultMaxBackoff caps reconnect delays when no max is configured.
const defaultMaxBackoff = 5 * time.Minute

// backoffDelay doubles base per consecutive failure, capped at max.
// A max <= 0 uses defaultMaxBackoff.
func backoffDelay(base, max time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = defaultMaxBackoff
	}
	d := base
	for i := 1; i < failures && d < max; i++ {
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// sortByScore orders urls best first; unknown relays score 50.
func sortByScore(urls []string, score func(string) int) []string {
	if len(urls) <= 1 {
		return urls
	}
	scores := make(map[string]int, len(urls))
	for _, u := range urls {
		scores[u] = score(u)
	}
	sorted := make([]string, len(urls))
	copy(sorted, urls)
	sort.SliceStable(sorted, func(i, j int) bool {
		return scores[sorted[i]] > scores[sorted[j]]
	})
	return sorted
}
