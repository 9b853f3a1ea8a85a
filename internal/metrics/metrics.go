package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Relay drop reasons. A dropped signaling message is expected churn, not an
// error surfaced to the sender; the counters exist for operational visibility.
const (
	DropReasonTargetNotLive  = "target_not_live"
	DropReasonNotPaired      = "not_paired"
	DropReasonSendBufferFull = "send_buffer_full"
)

// Counter mirror keys, readable via Get/Snapshot without scraping.
const (
	MatchesTotal             = "matches_total"
	RetriesTotal             = "negotiation_retries_total"
	NegotiationFailuresTotal = "negotiation_failures_total"
	RelayDropPrefix          = "relay_drops_total:"
)

// Metrics owns an explicit Prometheus registry plus a concurrency-safe mirror
// of every counter so the /statusz JSON endpoint and tests can read values
// directly. No package-level instruments; everything is dependency-injected.
type Metrics struct {
	reg *prometheus.Registry

	onlineParticipants prometheus.Gauge
	queueLength        prometheus.Gauge
	activePairings     prometheus.Gauge

	matchesTotal             prometheus.Counter
	relayDropsTotal          *prometheus.CounterVec
	retriesTotal             prometheus.Counter
	negotiationFailuresTotal prometheus.Counter

	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		onlineParticipants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cosleep_online_participants",
			Help: "Participants currently connected to the signaling relay.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cosleep_queue_length",
			Help: "Participants currently waiting to be paired.",
		}),
		activePairings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cosleep_active_pairings",
			Help: "Pairings currently live (matched through connected).",
		}),
		matchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cosleep_matches_total",
			Help: "Pairings created by the queue matcher.",
		}),
		relayDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cosleep_relay_drops_total",
			Help: "Signaling messages dropped instead of relayed.",
		}, []string{"reason"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cosleep_negotiation_retries_total",
			Help: "Negotiation attempts retried after a failure.",
		}),
		negotiationFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cosleep_negotiation_failures_total",
			Help: "Pairings that exhausted their retry budget or deadline.",
		}),
		m: make(map[string]uint64),
	}

	reg.MustRegister(
		m.onlineParticipants,
		m.queueLength,
		m.activePairings,
		m.matchesTotal,
		m.relayDropsTotal,
		m.retriesTotal,
		m.negotiationFailuresTotal,
	)

	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) SetOnlineParticipants(n int) {
	if m == nil {
		return
	}
	m.onlineParticipants.Set(float64(n))
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

func (m *Metrics) SetActivePairings(n int) {
	if m == nil {
		return
	}
	m.activePairings.Set(float64(n))
}

func (m *Metrics) IncMatches() {
	if m == nil {
		return
	}
	m.matchesTotal.Inc()
	m.inc(MatchesTotal)
}

func (m *Metrics) IncRelayDrop(reason string) {
	if m == nil {
		return
	}
	m.relayDropsTotal.WithLabelValues(reason).Inc()
	m.inc(RelayDropPrefix + reason)
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
	m.inc(RetriesTotal)
}

func (m *Metrics) IncNegotiationFailure() {
	if m == nil {
		return
	}
	m.negotiationFailuresTotal.Inc()
	m.inc(NegotiationFailuresTotal)
}

func (m *Metrics) inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
