// Package metrics tracks operational counters for children and rebuild
// jobs and exposes them as Prometheus collectors.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the hot-path atomic counters. Updates happen on whatever
// goroutine touches the child or rebuild task; reads happen from the
// Prometheus scrape path via Collect, so every field here must be an
// atomic type.
type Metrics struct {
	// Rebuild counters, one instance per nexus-core process. They are
	// exported without labels, so counts from all jobs are aggregated.
	SegmentsDone        atomic.Uint64
	SegmentsTransferred atomic.Uint64
	TasksActive         atomic.Int64
	RebuildFailures     atomic.Uint64

	// Child lifecycle counters.
	ChildOpens  atomic.Uint64
	ChildCloses atomic.Uint64
	ChildFaults atomic.Uint64
}

// NewMetrics creates a zero-valued Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordSegment records the outcome of one rebuild task's segment
// attempt. transferred is false for segments skipped via a RebuildMap.
func (m *Metrics) RecordSegment(transferred bool) {
	m.SegmentsDone.Add(1)
	if transferred {
		m.SegmentsTransferred.Add(1)
	}
}

func (m *Metrics) RecordTaskStart() { m.TasksActive.Add(1) }
func (m *Metrics) RecordTaskEnd()   { m.TasksActive.Add(-1) }
func (m *Metrics) RecordRebuildFailure() { m.RebuildFailures.Add(1) }

func (m *Metrics) RecordChildOpen()  { m.ChildOpens.Add(1) }
func (m *Metrics) RecordChildClose() { m.ChildCloses.Add(1) }
func (m *Metrics) RecordChildFault() { m.ChildFaults.Add(1) }

var (
	segmentsDoneDesc = prometheus.NewDesc(
		"nexuscore_rebuild_segments_done_total",
		"Segments attempted by rebuild tasks, including clean skips.",
		nil, nil,
	)
	segmentsTransferredDesc = prometheus.NewDesc(
		"nexuscore_rebuild_segments_transferred_total",
		"Segments actually read and written by rebuild tasks.",
		nil, nil,
	)
	tasksActiveDesc = prometheus.NewDesc(
		"nexuscore_rebuild_tasks_active",
		"Rebuild copy tasks currently in flight.",
		nil, nil,
	)
	rebuildFailuresDesc = prometheus.NewDesc(
		"nexuscore_rebuild_failures_total",
		"Rebuild jobs that transitioned to Failed.",
		nil, nil,
	)
	childOpensDesc = prometheus.NewDesc(
		"nexuscore_child_opens_total",
		"Successful NexusChild open() calls.",
		nil, nil,
	)
	childClosesDesc = prometheus.NewDesc(
		"nexuscore_child_closes_total",
		"Completed NexusChild close() calls.",
		nil, nil,
	)
	childFaultsDesc = prometheus.NewDesc(
		"nexuscore_child_faults_total",
		"Transitions of a NexusChild into a Faulted state.",
		nil, nil,
	)
)

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- segmentsDoneDesc
	ch <- segmentsTransferredDesc
	ch <- tasksActiveDesc
	ch <- rebuildFailuresDesc
	ch <- childOpensDesc
	ch <- childClosesDesc
	ch <- childFaultsDesc
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(segmentsDoneDesc, prometheus.CounterValue, float64(m.SegmentsDone.Load()))
	ch <- prometheus.MustNewConstMetric(segmentsTransferredDesc, prometheus.CounterValue, float64(m.SegmentsTransferred.Load()))
	ch <- prometheus.MustNewConstMetric(tasksActiveDesc, prometheus.GaugeValue, float64(m.TasksActive.Load()))
	ch <- prometheus.MustNewConstMetric(rebuildFailuresDesc, prometheus.CounterValue, float64(m.RebuildFailures.Load()))
	ch <- prometheus.MustNewConstMetric(childOpensDesc, prometheus.CounterValue, float64(m.ChildOpens.Load()))
	ch <- prometheus.MustNewConstMetric(childClosesDesc, prometheus.CounterValue, float64(m.ChildCloses.Load()))
	ch <- prometheus.MustNewConstMetric(childFaultsDesc, prometheus.CounterValue, float64(m.ChildFaults.Load()))
}

var _ prometheus.Collector = (*Metrics)(nil)
