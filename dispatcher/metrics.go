package dispatcher

import (
	"github.com/goliatone/go-service-command"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder observes dispatch outcomes.
type MetricsRecorder interface {
	RecordResult(res command.CommandResult)
	RecordRun(agg command.CommandResults)
}

type nopMetrics struct{}

func (nopMetrics) RecordResult(command.CommandResult) {}
func (nopMetrics) RecordRun(command.CommandResults)   {}

// PrometheusMetrics records per binding results and per run aggregates.
type PrometheusMetrics struct {
	results  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	runs     *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "results_total",
			Help:      "Dispatched service commands by outcome",
		}, []string{"command", "platform", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handler_duration_seconds",
			Help:      "Handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command", "platform"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "runs_total",
			Help:      "Aggregated command runs by outcome",
		}, []string{"command", "outcome"}),
	}

	for _, c := range []prometheus.Collector{m.results, m.duration, m.runs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) RecordResult(res command.CommandResult) {
	m.results.WithLabelValues(string(res.Command), string(res.Platform), outcomeLabel(res.Success, res.ErrorCode)).Inc()
	m.duration.WithLabelValues(string(res.Command), string(res.Platform)).Observe(res.Duration.Seconds())
}

func (m *PrometheusMetrics) RecordRun(agg command.CommandResults) {
	m.runs.WithLabelValues(string(agg.Command), outcomeLabel(agg.Success, "")).Inc()
}

func outcomeLabel(success bool, code string) string {
	switch {
	case success:
		return "success"
	case code == command.ErrCodeHandlerTimeout:
		return "timeout"
	case code == command.ErrCodeNotImplemented:
		return "not_implemented"
	default:
		return "failure"
	}
}
