package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink counts events in Prometheus metrics.
type MetricsSink struct {
	attempts   *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	warnings   prometheus.Counter
	delays     prometheus.Histogram
}

// NewMetricsSink registers the sink's metrics with reg.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	s := &MetricsSink{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymail_attempts_total",
			Help: "Transport attempts by account, outcome and failure reason",
		}, []string{"account", "outcome", "reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymail_deliveries_total",
			Help: "Finished deliveries by outcome",
		}, []string{"outcome"}),
		warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymail_warnings_total",
			Help: "Recipients sent in plaintext, skipped or with ambiguous keys",
		}),
		delays: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaymail_retry_delay_seconds",
			Help:    "Delays waited between attempts",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
	for _, c := range []prometheus.Collector{s.attempts, s.deliveries, s.warnings, s.delays} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MetricsSink) Emit(_ context.Context, e Event) {
	switch e.Type {
	case TypeAttempt:
		s.attempts.WithLabelValues(e.Account, e.Outcome, e.Reason).Inc()
		if e.Delay > 0 {
			s.delays.Observe(e.Delay.Seconds())
		}
	case TypeWarning:
		s.warnings.Inc()
	case TypeResult:
		s.deliveries.WithLabelValues(e.Outcome).Inc()
	}
}
