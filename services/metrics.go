package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 线路同步的 Prometheus 指标；nil 时所有记录都是空操作
type Metrics struct {
	cyclesStarted      prometheus.Counter
	cyclesFailed       prometheus.Counter
	cycleOutcomes      *prometheus.CounterVec
	fetchAttempts      prometheus.Counter
	fetchFailures      prometheus.Counter
	snapshotsPolled    prometheus.Counter
	deltasReceived     prometheus.Counter
	decodeFailures     *prometheus.CounterVec
	connectionsCreated prometheus.Counter
	changesPublished   *prometheus.CounterVec
}

// NewMetrics 创建并注册指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cyclesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lines_cycles_started_total", Help: "cycles started by the supervisor",
		}),
		cyclesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lines_cycles_failed_total", Help: "cycles that ended with an error",
		}),
		cycleOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lines_subscription_outcomes_total", Help: "subscription end reasons",
		}, []string{"outcome"}),
		fetchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lines_api_attempts_total", Help: "HTTP attempts against the lines api",
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lines_api_failures_total", Help: "fetches that yielded no data",
		}),
		snapshotsPolled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lines_snapshots_polled_total", Help: "snapshots returned by the lines api",
		}),
		deltasReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lines_deltas_received_total", Help: "broker deliveries received",
		}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lines_decode_failures_total", Help: "records dropped by the decoder",
		}, []string{"source"}),
		connectionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lines_broker_connections_total", Help: "broker connections created",
		}),
		changesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lines_changes_published_total", Help: "line changes published downstream",
		}, []string{"source"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.cyclesStarted, m.cyclesFailed, m.cycleOutcomes,
			m.fetchAttempts, m.fetchFailures, m.snapshotsPolled,
			m.deltasReceived, m.decodeFailures, m.connectionsCreated,
			m.changesPublished,
		)
	}
	return m
}

func (m *Metrics) cycleStarted() {
	if m != nil {
		m.cyclesStarted.Inc()
	}
}

func (m *Metrics) cycleFailed() {
	if m != nil {
		m.cyclesFailed.Inc()
	}
}

func (m *Metrics) cycleOutcome(outcome ConsumeOutcome) {
	if m != nil {
		m.cycleOutcomes.WithLabelValues(outcome.String()).Inc()
	}
}

func (m *Metrics) fetchAttempt() {
	if m != nil {
		m.fetchAttempts.Inc()
	}
}

func (m *Metrics) fetchFailed() {
	if m != nil {
		m.fetchFailures.Inc()
	}
}

func (m *Metrics) polled(n int) {
	if m != nil {
		m.snapshotsPolled.Add(float64(n))
	}
}

func (m *Metrics) deltaReceived() {
	if m != nil {
		m.deltasReceived.Inc()
	}
}

func (m *Metrics) decodeFailed(source string) {
	if m != nil {
		m.decodeFailures.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) connectionCreated() {
	if m != nil {
		m.connectionsCreated.Inc()
	}
}

func (m *Metrics) published(source string) {
	if m != nil {
		m.changesPublished.WithLabelValues(source).Inc()
	}
}
