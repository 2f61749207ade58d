// Package metrics registers the Prometheus instrumentation for the
// dispatcher and seeder, in the same CounterVec/GaugeVec style as
// apps/annotations-sink/metrics.go and apps/csv-ingestion-worker's
// Metrics struct.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Dispatcher groups the counters/gauges one Dispatcher instance
// updates. Each is labeled by task name so a single process hosting a
// registry of dispatchers (spec.md §9) reports them separately.
type Dispatcher struct {
	ItemsServedTotal    *prometheus.CounterVec
	LabelsRecordedTotal *prometheus.CounterVec
	InvalidationsTotal  *prometheus.CounterVec
	StoreRetriesTotal   *prometheus.CounterVec
	HoldingInconsistent *prometheus.CounterVec
	UnannotatedDepth    *prometheus.GaugeVec
	PartialDepth        *prometheus.GaugeVec
	HoldingDepth        *prometheus.GaugeVec
}

// NewDispatcher builds and registers the dispatcher metrics against reg.
func NewDispatcher(reg prometheus.Registerer) *Dispatcher {
	m := &Dispatcher{
		ItemsServedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_items_served_total",
			Help: "Count of items handed out by getItem.",
		}, []string{"task"}),
		LabelsRecordedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_labels_recorded_total",
			Help: "Count of labels recorded, by value.",
		}, []string{"task", "label"}),
		InvalidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_invalidations_total",
			Help: "Count of items invalidated.",
		}, []string{"task"}),
		StoreRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_store_retries_total",
			Help: "Count of transient store failures retried, by operation.",
		}, []string{"task", "op"}),
		HoldingInconsistent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_holding_inconsistency_total",
			Help: "Count of HoldingInconsistency recoveries.",
		}, []string{"task", "op"}),
		UnannotatedDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatcher_unannotated_queue_depth",
			Help: "Current length of the unannotated queue.",
		}, []string{"task"}),
		PartialDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatcher_partial_queue_depth",
			Help: "Current length of the partially-annotated queue.",
		}, []string{"task"}),
		HoldingDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatcher_holding_table_depth",
			Help: "Current number of annotators holding an item.",
		}, []string{"task"}),
	}
	reg.MustRegister(
		m.ItemsServedTotal,
		m.LabelsRecordedTotal,
		m.InvalidationsTotal,
		m.StoreRetriesTotal,
		m.HoldingInconsistent,
		m.UnannotatedDepth,
		m.PartialDepth,
		m.HoldingDepth,
	)
	return m
}

// Seeder groups the counters the Task Seeder updates.
type Seeder struct {
	RecordsIndexedTotal *prometheus.CounterVec
	RecordsFailedTotal  *prometheus.CounterVec
}

// NewSeeder builds and registers the seeder metrics against reg.
func NewSeeder(reg prometheus.Registerer) *Seeder {
	s := &Seeder{
		RecordsIndexedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seeder_records_indexed_total",
			Help: "Count of annotation records bulk-indexed by the seeder.",
		}, []string{"task"}),
		RecordsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seeder_records_failed_total",
			Help: "Count of source documents the seeder failed to index.",
		}, []string{"task"}),
	}
	reg.MustRegister(s.RecordsIndexedTotal, s.RecordsFailedTotal)
	return s
}
