// Package metrics exposes Prometheus collectors for the conversion pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector groups the service's metrics. A nil *Collector records nothing.
type Collector struct {
	requestsTotal  *prometheus.CounterVec
	nativeDuration *prometheus.HistogramVec
	uploadSize     prometheus.Histogram
	poolRejected   prometheus.Counter
}

// NewCollector registers the collectors on reg.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversion_requests_total",
				Help:      "Conversion requests by final outcome",
			},
			[]string{"outcome"},
		),
		nativeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "native_call_duration_seconds",
				Help:      "Wall-clock duration of native converter calls",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		uploadSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_size_bytes",
				Help:      "Size of staged uploads",
				Buckets:   prometheus.ExponentialBuckets(1024, 8, 9),
			},
		),
		poolRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_rejections_total",
				Help:      "Native calls rejected because the worker pool was full",
			},
		),
	}
}

// RegisterPoolGauges exposes live pool occupancy read through the given funcs.
func RegisterPoolGauges(namespace string, reg prometheus.Registerer, active, waiting func() float64) {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_active_workers",
		Help:      "Native calls currently running",
	}, active)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_waiting_calls",
		Help:      "Native calls waiting for a worker",
	}, waiting)
}

func (c *Collector) RecordOutcome(outcome string) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveNativeCall(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.nativeDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (c *Collector) ObserveUpload(sizeBytes int64) {
	if c == nil {
		return
	}
	c.uploadSize.Observe(float64(sizeBytes))
}

func (c *Collector) PoolRejected() {
	if c == nil {
		return
	}
	c.poolRejected.Inc()
}
