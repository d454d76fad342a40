package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "testhub"

// Metrics holds the hub's prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions      prometheus.Gauge
	SessionsTotal       prometheus.Counter
	SessionTransitions  *prometheus.CounterVec
	ResultsTotal        *prometheus.CounterVec
	DecodeErrorsTotal   prometheus.Counter
	ConsoleDroppedTotal prometheus.Counter
	ReporterErrorsTotal *prometheus.CounterVec
	RunsTotal           prometheus.Counter
	RunDuration         prometheus.Histogram
	ResultDuration      prometheus.Histogram
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of runner sessions currently known to the hub",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total runner sessions created",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"state"}),
		ResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Test results received by outcome",
		}, []string{"outcome"}),
		DecodeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded",
		}),
		ConsoleDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "console_dropped_total",
			Help:      "Runner console messages dropped by rate limiting",
		}),
		ReporterErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reporter_errors_total",
			Help:      "Reporter failures by reporter",
		}, []string{"reporter"}),
		RunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs that reached finish",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Elapsed time of finished runs",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		ResultDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "result_duration_seconds",
			Help:      "Runner-reported duration of individual tests",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	r.MustRegister(
		m.ActiveSessions, m.SessionsTotal, m.SessionTransitions, m.ResultsTotal,
		m.DecodeErrorsTotal, m.ConsoleDroppedTotal, m.ReporterErrorsTotal,
		m.RunsTotal, m.RunDuration, m.ResultDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
