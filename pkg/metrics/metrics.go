package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hybridmode"

// Metrics holds the engine's Prometheus instruments. It satisfies both the
// hybrid and memory observer interfaces.
type Metrics struct {
	Decisions       *prometheus.CounterVec
	DecisionLatency prometheus.Histogram
	ModeChanges     *prometheus.CounterVec
	MemoriesAdded   *prometheus.CounterVec
	ExpiredMemories prometheus.Counter
	Conversations   prometheus.Gauge

	registry *prometheus.Registry
}

// New registers the instruments on a fresh registry that also carries the
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := NewWithRegisterer(reg)
	m.registry = reg
	return m
}

// NewWithRegisterer registers the instruments on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Mode decisions by recommended mode and reason",
		}, []string{"mode", "reason"}),

		DecisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Time spent producing a mode decision",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		ModeChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_changes_total",
			Help:      "Applied mode changes by source and target mode",
		}, []string{"from", "to"}),

		MemoriesAdded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_added_total",
			Help:      "Agent memories recorded by memory type",
		}, []string{"type"}),

		ExpiredMemories: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_expired_total",
			Help:      "Agent memories purged after expiry",
		}),

		Conversations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations_active",
			Help:      "Conversations with live mode state",
		}),
	}
}

func (m *Metrics) DecisionMade(mode, reason string, latency time.Duration) {
	m.Decisions.WithLabelValues(mode, reason).Inc()
	m.DecisionLatency.Observe(latency.Seconds())
}

func (m *Metrics) ModeChanged(from, to string) {
	m.ModeChanges.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ActiveConversations(n int) {
	m.Conversations.Set(float64(n))
}

func (m *Metrics) MemoryAdded(memoryType string) {
	m.MemoriesAdded.WithLabelValues(memoryType).Inc()
}

func (m *Metrics) MemoriesExpired(count int) {
	m.ExpiredMemories.Add(float64(count))
}

// BusStats is the subset of the event bus exposed as gauges.
type BusStats interface {
	Published() uint64
	Dropped() uint64
	Pending() int
}

// WatchBus exports bus counters as gauge funcs on reg.
func WatchBus(reg prometheus.Registerer, b BusStats) {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "events_published",
		Help:      "Engine events accepted by the bus",
	}, func() float64 { return float64(b.Published()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "events_dropped",
		Help:      "Engine events dropped because the bus was full",
	}, func() float64 { return float64(b.Dropped()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "events_pending",
		Help:      "Engine events waiting to be consumed",
	}, func() float64 { return float64(b.Pending()) })
}

// Registry returns the registry created by New, or nil.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry created by New, falling back to the default
// gatherer.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
