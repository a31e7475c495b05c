package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct{}

func (fakeBus) Published() uint64 { return 7 }
func (fakeBus) Dropped() uint64   { return 2 }
func (fakeBus) Pending() int      { return 1 }

func TestMetrics_ObserverCounts(t *testing.T) {
	m := New()

	m.DecisionMade("agent", "complexity_high", 2*time.Millisecond)
	m.DecisionMade("agent", "complexity_high", time.Millisecond)
	m.DecisionMade("chat", "simple_query", time.Millisecond)
	m.ModeChanged("auto", "agent")
	m.ActiveConversations(3)
	m.MemoryAdded("tool_usage")
	m.MemoriesExpired(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("agent", "complexity_high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("chat", "simple_query")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModeChanges.WithLabelValues("auto", "agent")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Conversations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MemoriesAdded.WithLabelValues("tool_usage")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ExpiredMemories))
	assert.Equal(t, 1, testutil.CollectAndCount(m.DecisionLatency))
}

func TestMetrics_HandlerExposesInstruments(t *testing.T) {
	m := New()
	WatchBus(m.Registry(), fakeBus{})
	m.ModeChanged("chat", "agent")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `hybridmode_mode_changes_total{from="chat",to="agent"} 1`), text)
	assert.True(t, strings.Contains(text, "hybridmode_events_dropped 2"), text)
	assert.True(t, strings.Contains(text, "go_goroutines"))
}
