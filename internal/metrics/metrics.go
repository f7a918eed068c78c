// Package metrics exposes objectmesh statistics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for one objectmesh process.
type Metrics struct {
	registry *prometheus.Registry

	// Statistics counters
	BytesStored       prometheus.Counter
	BytesRetrieved    prometheus.Counter
	ReplicationOps    prometheus.Counter
	VerificationOps   prometheus.Counter
	FailedOps         prometheus.Counter
	FailedOpsByKind   *prometheus.CounterVec // labels: op, kind
	UnitsVerifiedFail prometheus.Counter

	// State gauges
	Records     prometheus.Gauge
	Nodes       *prometheus.GaugeVec // labels: status
	NodeUsedPct *prometheus.GaugeVec // labels: node

	// Loops
	LoopDuration *prometheus.HistogramVec // labels: loop
}

// New creates the metrics on a private registry with the Go and process
// collectors registered. nodeID becomes a constant label.
func New(nodeID string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	constLabels := prometheus.Labels{"node": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BytesStored: factory.NewCounter(prometheus.CounterOpts{
			Name:        "objectmesh_bytes_stored_total",
			Help:        "Total payload bytes stored",
			ConstLabels: constLabels,
		}),
		BytesRetrieved: factory.NewCounter(prometheus.CounterOpts{
			Name:        "objectmesh_bytes_retrieved_total",
			Help:        "Total payload bytes retrieved",
			ConstLabels: constLabels,
		}),
		ReplicationOps: factory.NewCounter(prometheus.CounterOpts{
			Name:        "objectmesh_replication_operations_total",
			Help:        "Total successful unit stores to nodes",
			ConstLabels: constLabels,
		}),
		VerificationOps: factory.NewCounter(prometheus.CounterOpts{
			Name:        "objectmesh_verification_operations_total",
			Help:        "Total unit assignments verified intact",
			ConstLabels: constLabels,
		}),
		FailedOps: factory.NewCounter(prometheus.CounterOpts{
			Name:        "objectmesh_failed_operations_total",
			Help:        "Total operations that ended in failure",
			ConstLabels: constLabels,
		}),
		FailedOpsByKind: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "objectmesh_operation_failures_total",
			Help:        "Failed operations by operation and failure kind",
			ConstLabels: constLabels,
		}, []string{"op", "kind"}),
		UnitsVerifiedFail: factory.NewCounter(prometheus.CounterOpts{
			Name:        "objectmesh_verification_failures_total",
			Help:        "Total unit assignments found missing or corrupt",
			ConstLabels: constLabels,
		}),

		Records: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "objectmesh_records",
			Help:        "Number of objects in the location table",
			ConstLabels: constLabels,
		}),
		Nodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "objectmesh_nodes",
			Help:        "Number of registered storage nodes by status",
			ConstLabels: constLabels,
		}, []string{"status"}),
		NodeUsedPct: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "objectmesh_node_used_percent",
			Help:        "Used capacity per storage node (0 when capacity is unknown)",
			ConstLabels: constLabels,
		}, []string{"target_node"}),

		LoopDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "objectmesh_loop_duration_seconds",
			Help:        "Duration of reconciliation passes",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"loop"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
