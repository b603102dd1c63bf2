package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ConnectAttempt("wss://a")
	m.ConnectAttempt("wss://a")
	m.EventRejected("pow")
	m.SubscriptionsActive(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectAttempts.WithLabelValues("wss://a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsRejected.WithLabelValues("pow")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.subscriptionsActive))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "nostr_pool_relay_connect_attempts_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectAttempt("x")
		m.EventDuplicate()
		m.PublishResult(true)
		m.ForgetRelay("x")
	})
}

func TestForgetRelay(t *testing.T) {
	m := New()
	m.RelayStatus("wss://gone", 4)
	m.ForgetRelay("wss://gone")
	assert.Equal(t, 0, testutil.CollectAndCount(m.relayStatus))
}
