package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the coordinator/environment's Prometheus series.
// The collectors are registered on the Registerer passed to NewMetrics;
// nothing in this module serves them over HTTP. GetTenantMetrics (§6
// management RPC) counts running instances from persistence rather
// than reading the ActiveInstances gauge.
type Metrics struct {
	RPCLatency       *prometheus.HistogramVec
	ActiveInstances  *prometheus.GaugeVec
	WakeBatchSize    prometheus.Histogram
	CompensationRuns *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RPCLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runtara",
			Subsystem: "coordinator",
			Name:      "rpc_latency_seconds",
			Help:      "Latency of instance-coordinator RPC handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"rpc", "outcome"}),
		ActiveInstances: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runtara",
			Subsystem: "environment",
			Name:      "active_instances",
			Help:      "Instances currently running per tenant.",
		}, []string{"tenant_id"}),
		WakeBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "runtara",
			Subsystem: "wake",
			Name:      "batch_size",
			Help:      "Number of instances resurrected per wake-scheduler tick.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		CompensationRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runtara",
			Subsystem: "compensation",
			Name:      "runs_total",
			Help:      "Compensation engine runs by terminal outcome.",
		}, []string{"outcome"}),
	}
}
