// Package metrics exposes graphcore's cycle health as Prometheus
// collectors: cycle duration, per-target signal counts, work-queue
// depth, and driver overrun totals. Grounded in the teacher's
// jinterlante1206-AleutianLocal wiring of prometheus/client_golang
// for service-level gauges and counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector graphcore registers. Construct one
// with New and pass it into core.Core. Core increments DriverOverruns;
// WorkQueueDepth is read through New's depthFn at scrape time.
// CycleDuration, TargetsSignaled and InvokeDropped are registered but
// nothing in graphcore records into them.
type Metrics struct {
	CycleDuration   prometheus.Histogram
	TargetsSignaled *prometheus.CounterVec
	WorkQueueDepth  prometheus.GaugeFunc
	DriverOverruns  prometheus.Counter
	InvokeDropped   prometheus.Counter
}

// New creates and registers every collector against reg. depthFn
// should return the current work-queue length; it is polled by the
// Prometheus scrape, not sampled on graphcore's own clock.
func New(reg prometheus.Registerer, depthFn func() float64) *Metrics {
	m := &Metrics{
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "graphcore",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of one driver cycle, start to finish.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		TargetsSignaled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphcore",
			Name:      "targets_signaled_total",
			Help:      "Count of targets signalled, partitioned by driver node id.",
		}, []string{"driver"}),
		DriverOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graphcore",
			Name:      "driver_overrun_total",
			Help:      "Count of cycles where the previous cycle was still running at wake.",
		}),
		InvokeDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graphcore",
			Name:      "invoke_queue_dropped_total",
			Help:      "Count of invoke-queue entries dropped because the ring was full.",
		}),
	}
	m.WorkQueueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "graphcore",
		Name:      "workqueue_depth",
		Help:      "Number of outstanding async backend completions awaited.",
	}, depthFn)

	reg.MustRegister(m.CycleDuration, m.TargetsSignaled, m.DriverOverruns, m.InvokeDropped, m.WorkQueueDepth)
	return m
}
