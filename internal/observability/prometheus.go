package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromObserver exports saga outcomes as Prometheus metrics.
type PromObserver struct {
	results  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPromObserver registers the saga metrics with reg.
func NewPromObserver(reg prometheus.Registerer) *PromObserver {
	factory := promauto.With(reg)
	return &PromObserver{
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockflow",
			Name:      "order_operations_total",
			Help:      "Order saga calls by operation, result code and outcome.",
		}, []string{"operation", "code", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stockflow",
			Name:      "order_operation_duration_seconds",
			Help:      "Order saga call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"operation"}),
	}
}

func (p *PromObserver) Observe(operation, code string, success bool, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	if code == "" {
		code = "none"
	}
	p.results.WithLabelValues(operation, code, outcome).Inc()
	p.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Observer receives saga outcomes.
type Observer interface {
	Observe(operation, code string, success bool, elapsed time.Duration)
}

// Observers fans an outcome out to several observers.
type Observers []Observer

func (o Observers) Observe(operation, code string, success bool, elapsed time.Duration) {
	for _, obs := range o {
		obs.Observe(operation, code, success, elapsed)
	}
}
