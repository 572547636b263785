package chatsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of one sync core. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	merges        *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	inboxRuns     *prometheus.CounterVec
	inboxDuration prometheus.Histogram
	inboxEntities *prometheus.CounterVec
	liveEvents    *prometheus.CounterVec
	echoFlushes   prometheus.Counter
	echoMessages  prometheus.Counter
	echoQueued    prometheus.Gauge
	sends         *prometheus.CounterVec
	outboxPending prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_merges_total",
			Help: "Merge engine calls by source and result.",
		}, []string{"source", "result"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_invalidations_total",
			Help: "Cache invalidations by reason.",
		}, []string{"reason"}),
		inboxRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_inbox_runs_total",
			Help: "Catch-up runs by outcome.",
		}, []string{"outcome"}),
		inboxDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatsync_inbox_run_seconds",
			Help:    "Duration of catch-up runs.",
			Buckets: prometheus.DefBuckets,
		}),
		inboxEntities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_inbox_entities_total",
			Help: "Entities received by delta queries, by type.",
		}, []string{"type"}),
		liveEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_live_events_total",
			Help: "Push events handled, by kind.",
		}, []string{"kind"}),
		echoFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_echo_flushes_total",
			Help: "Echo queue flushes.",
		}),
		echoMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_echo_messages_total",
			Help: "Messages merged through the echo queue.",
		}),
		echoQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_echo_queued",
			Help: "Echoes waiting for the next flush.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Message sends by outcome.",
		}, []string{"outcome"}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_outbox_pending",
			Help: "Failed sends waiting for retry.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_inbox_last_success_timestamp_seconds",
			Help: "Unix time of the last successful catch-up run.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.merges, m.invalidations, m.inboxRuns, m.inboxDuration, m.inboxEntities,
		m.liveEvents, m.echoFlushes, m.echoMessages, m.echoQueued,
		m.sends, m.outboxPending, m.lastSuccess,
	}
}

func (m *Metrics) observeMerge(source string, r MergeResult) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(source, r.String()).Inc()
}

func (m *Metrics) invalidated(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.invalidations.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) inboxRun(ok bool, d time.Duration, at time.Time) {
	if m == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "success"
		m.lastSuccess.Set(float64(at.Unix()))
	}
	m.inboxRuns.WithLabelValues(outcome).Inc()
	m.inboxDuration.Observe(d.Seconds())
}

func (m *Metrics) inboxReceived(t EntityType, n int) {
	if m == nil {
		return
	}
	m.inboxEntities.WithLabelValues(t.String()).Add(float64(n))
}

func (m *Metrics) liveEvent(k EventKind) {
	if m == nil {
		return
	}
	m.liveEvents.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) echoFlushed(n int) {
	if m == nil {
		return
	}
	m.echoFlushes.Inc()
	m.echoMessages.Add(float64(n))
}

func (m *Metrics) setEchoQueued(n int) {
	if m == nil {
		return
	}
	m.echoQueued.Set(float64(n))
}

func (m *Metrics) sent(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setOutboxPending(n int) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}
