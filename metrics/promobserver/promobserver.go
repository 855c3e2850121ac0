// Package promobserver implements metrics.Observer with Prometheus
// collectors.
package promobserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/idxguard/metrics"
)

const namespace = "idxguard"

// Observer records operational events as Prometheus metrics.
type Observer struct {
	opLatency   *prometheus.HistogramVec
	ops         *prometheus.CounterVec
	swaps       prometheus.Counter
	inserts     *prometheus.CounterVec
	pendingKeys prometheus.Gauge
}

var _ metrics.Observer = (*Observer)(nil)

// New creates an Observer and registers its collectors with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Observer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &Observer{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of maintenance, refresh and insert operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Operations completed, by kind and outcome",
		}, []string{"op", "status"}),
		swaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_swaps_total",
			Help:      "Refreshes that installed a new snapshot",
		}),
		inserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inserts_total",
			Help:      "Guarded inserts, by whether the key was tracked",
		}, []string{"tracked"}),
		pendingKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_keys",
			Help:      "Keys written since the last snapshot refresh",
		}),
	}

	for _, c := range []prometheus.Collector{o.opLatency, o.ops, o.swaps, o.inserts, o.pendingKeys} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// MustNew is New that panics on registration errors.
func MustNew(reg prometheus.Registerer) *Observer {
	o, err := New(reg)
	if err != nil {
		panic(err)
	}
	return o
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (o *Observer) observe(op string, d time.Duration, err error) {
	s := status(err)
	o.opLatency.WithLabelValues(op, s).Observe(d.Seconds())
	o.ops.WithLabelValues(op, s).Inc()
}

func (o *Observer) OnCommit(d time.Duration, err error) {
	o.observe("commit", d, err)
}

func (o *Observer) OnOptimize(d time.Duration, err error) {
	o.observe("optimize", d, err)
}

func (o *Observer) OnRefresh(d time.Duration, swapped bool, err error) {
	o.observe("refresh", d, err)
	if swapped {
		o.swaps.Inc()
	}
}

func (o *Observer) OnInsert(d time.Duration, tracked bool, err error) {
	o.observe("insert", d, err)
	if err == nil {
		label := "false"
		if tracked {
			label = "true"
		}
		o.inserts.WithLabelValues(label).Inc()
	}
}

func (o *Observer) OnPendingKeys(n int) {
	o.pendingKeys.Set(float64(n))
}
