// Package metrics provides Prometheus metrics for go-proc-stream.
//
// Cardinality is kept low on purpose: labels are stream names, event types,
// and exit categories, never RunIDs.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Run lifecycle
// =============================================================================

var (
	procStreamInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proc_stream_info",
			Help: "Information about the process (value always 1)",
		},
		[]string{"version"},
	)

	procStreamActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proc_stream_active_runs",
			Help: "Currently registered runs, ended-but-unacknowledged included",
		},
	)

	procStreamRunsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proc_stream_runs_started_total",
			Help: "Total subprocess runs started",
		},
	)

	procStreamRunsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proc_stream_runs_ended_total",
			Help: "Run completions by exit category",
		},
		[]string{"category"}, // "success", "error", "signal"
	)

	procStreamRunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proc_stream_run_duration_seconds",
			Help:    "Run duration from spawn to exit",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 30, 60, 300, 600, 1800, 3600},
		},
	)
)

// =============================================================================
// Output capture and event delivery
// =============================================================================

var (
	procStreamOutputBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proc_stream_output_bytes_total",
			Help: "Captured output bytes by stream",
		},
		[]string{"stream"}, // "stdout" | "stderr"
	)

	procStreamOutputChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proc_stream_output_chunks_total",
			Help: "Captured output chunks by stream",
		},
		[]string{"stream"},
	)

	procStreamTruncatedBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proc_stream_truncated_bytes_total",
			Help: "Output bytes dropped by full chunk buffers",
		},
		[]string{"stream"},
	)

	procStreamEventsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proc_stream_events_delivered_total",
			Help: "Events delivered to the consumer by type",
		},
		[]string{"type"}, // "start" | "output" | "fin"
	)

	procStreamFaultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proc_stream_faults_total",
			Help: "Non-terminal execution faults surfaced to the consumer",
		},
	)
)

// =============================================================================
// Completion estimates
// =============================================================================

var (
	procStreamEstimateRemainingSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proc_stream_estimate_remaining_seconds",
			Help: "Latest expected remaining duration for the active run",
		},
	)

	procStreamEstimateBandSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proc_stream_estimate_band_seconds",
			Help: "Latest estimate uncertainty band (half interquartile range)",
		},
	)

	procStreamEstimateConfidence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proc_stream_estimate_confidence",
			Help: "Latest estimate confidence (0.0 to 1.0)",
		},
	)

	procStreamEstimateSamples = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proc_stream_estimate_samples",
			Help: "Historical samples behind the latest estimate",
		},
	)
)

// =============================================================================
// Collector
// =============================================================================

// Collector manages all Prometheus metrics for go-proc-stream.
type Collector struct {
	startTime time.Time

	// For summary generation
	mu        sync.Mutex
	totalRuns int64
	exitCodes map[int32]int64
	durations []time.Duration
}

// NewCollector creates a collector on the default registry.
func NewCollector(version string) *Collector {
	return NewCollectorWithRegistry(version, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(version string, registry prometheus.Registerer) *Collector {
	c := &Collector{
		startTime: time.Now(),
		exitCodes: make(map[int32]int64),
	}

	registry.MustRegister(
		procStreamInfo,
		procStreamActiveRuns,
		procStreamRunsStartedTotal,
		procStreamRunsEndedTotal,
		procStreamRunDurationSeconds,

		procStreamOutputBytesTotal,
		procStreamOutputChunksTotal,
		procStreamTruncatedBytesTotal,
		procStreamEventsDeliveredTotal,
		procStreamFaultsTotal,

		procStreamEstimateRemainingSeconds,
		procStreamEstimateBandSeconds,
		procStreamEstimateConfidence,
		procStreamEstimateSamples,
	)

	procStreamInfo.WithLabelValues(version).Set(1)

	return c
}

// =============================================================================
// Recording methods
// =============================================================================

// RunStarted records a run start.
func (c *Collector) RunStarted() {
	procStreamRunsStartedTotal.Inc()

	c.mu.Lock()
	c.totalRuns++
	c.mu.Unlock()
}

// RunEnded records a run completion.
func (c *Collector) RunEnded(exitCode int32, uptime time.Duration) {
	category := "error"
	if exitCode == 0 {
		category = "success"
	} else if exitCode > 128 {
		category = "signal"
	}
	procStreamRunsEndedTotal.WithLabelValues(category).Inc()
	procStreamRunDurationSeconds.Observe(uptime.Seconds())

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.durations = append(c.durations, uptime)
	c.mu.Unlock()
}

// OutputChunk records one captured output chunk.
func (c *Collector) OutputChunk(stream string, n int) {
	procStreamOutputBytesTotal.WithLabelValues(stream).Add(float64(n))
	procStreamOutputChunksTotal.WithLabelValues(stream).Inc()
}

// Truncated records bytes dropped by a full chunk buffer.
func (c *Collector) Truncated(stream string, dropped uint64) {
	procStreamTruncatedBytesTotal.WithLabelValues(stream).Add(float64(dropped))
}

// EventDelivered records an event handed to the consumer.
func (c *Collector) EventDelivered(eventType string) {
	procStreamEventsDeliveredTotal.WithLabelValues(eventType).Inc()
}

// Fault records a non-terminal execution fault.
func (c *Collector) Fault() {
	procStreamFaultsTotal.Inc()
}

// SetActiveRuns updates the registered-run gauge.
func (c *Collector) SetActiveRuns(count int) {
	procStreamActiveRuns.Set(float64(count))
}

// RecordEstimate publishes the latest completion estimate.
func (c *Collector) RecordEstimate(remaining, band time.Duration, confidence float64, samples int) {
	procStreamEstimateRemainingSeconds.Set(remaining.Seconds())
	procStreamEstimateBandSeconds.Set(band.Seconds())
	procStreamEstimateConfidence.Set(confidence)
	procStreamEstimateSamples.Set(float64(samples))
}

// =============================================================================
// Summary generation
// =============================================================================

// Summary holds the data for an exit summary.
type Summary struct {
	Duration    time.Duration
	TotalRuns   int64
	ExitCodes   map[int32]int64
	DurationP50 time.Duration
	DurationP95 time.Duration
}

// GenerateSummary creates a summary of everything recorded so far.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:  time.Since(c.startTime),
		TotalRuns: c.totalRuns,
		ExitCodes: make(map[int32]int64),
	}
	for code, count := range c.exitCodes {
		s.ExitCodes[code] = count
	}

	if len(c.durations) > 0 {
		sorted := make([]time.Duration, len(c.durations))
		copy(sorted, c.durations)
		sortDurations(sorted)

		s.DurationP50 = percentile(sorted, 0.50)
		s.DurationP95 = percentile(sorted, 0.95)
	}

	return s
}

// TotalRuns returns the number of runs started.
func (c *Collector) TotalRuns() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalRuns
}

// =============================================================================
// Helper functions
// =============================================================================

// sortDurations sorts a slice of durations in place.
func sortDurations(d []time.Duration) {
	for i := 1; i < len(d); i++ {
		for j := i; j > 0 && d[j] < d[j-1]; j-- {
			d[j], d[j-1] = d[j-1], d[j]
		}
	}
}

// percentile returns the value at the given percentile (0.0-1.0).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
