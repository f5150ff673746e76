package audit

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink exports audit entries as prometheus metrics.
type MetricsSink struct {
	events       *prometheus.CounterVec
	calculations *prometheus.HistogramVec
	denials      prometheus.Counter
}

// NewMetricsSink creates the collectors and registers them with reg.
func NewMetricsSink(reg prometheus.Registerer, namespace string) (*MetricsSink, error) {
	s := &MetricsSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_events_total",
			Help:      "Audited plugin runtime actions by kind and outcome.",
		}, []string{"kind", "success"}),
		calculations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "calculation_duration_seconds",
			Help:      "Calculator execution time by plugin.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"plugin"}),
		denials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_denials_total",
			Help:      "Plugins rejected by the security gate.",
		}),
	}
	for _, c := range []prometheus.Collector{s.events, s.calculations, s.denials} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Record implements Sink.
func (s *MetricsSink) Record(_ context.Context, e Entry) {
	s.events.WithLabelValues(string(e.Kind), strconv.FormatBool(e.Success)).Inc()
	switch e.Kind {
	case KindCalculation:
		if e.Duration > 0 {
			s.calculations.WithLabelValues(e.PluginID).Observe(e.Duration.Seconds())
		}
	case KindPermission:
		if !e.Success {
			s.denials.Inc()
		}
	}
}
