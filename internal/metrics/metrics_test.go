// ABOUTME: Tests for relay metrics recording and exposition
// ABOUTME: Reads counters back with prometheus testutil and scrapes the handler

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.RecordMessage("visitor")
	m.RecordMessage("visitor")
	m.RecordMessage("agent")
	m.RecordAutomation(OutcomeFallback)
	m.RecordDuplicate()
	m.ConnectionOpened("agent")
	m.ConnectionOpened("agent")
	m.ConnectionClosed("agent")
	m.ObserveResponder(250 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("visitor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("agent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.automationTotal.WithLabelValues(OutcomeFallback)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicatesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues("agent")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordMessage("visitor")
	m.RecordAutomation(OutcomeReply)
	m.ObserveResponder(time.Second)
	m.ConnectionOpened("visitor")
	m.ConnectionClosed("visitor")
	m.RecordDroppedDelivery()
	m.RecordHandoff("human")
	m.RecordDuplicate()
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordMessage("automation")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `coven_relay_messages_appended_total{sender="automation"} 1`)
}
