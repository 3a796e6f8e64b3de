// Package metrics collects and exposes control-plane observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (counters + a minute-bucketed time
//     series), read through Snapshot and JSONHandler; the façade's
//     /metrics route serves the Prometheus registry, not this store.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency
//
// RecordCompile and RecordTransition are called from the reconciler
// goroutines and use atomic increments for global counters.
// RecordCompile also dispatches a lightweight event onto a buffered
// channel (tsChan) for the time-series worker to process asynchronously
// so the reconciler never blocks on a lock.
//
// # Invariants
//
//   - CompilesTotal == CompilesSucceeded + CompilesFailed.
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
//   - tsChan capacity is 8192 events; events dropped when full are
//     counted in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Compiles     int64
	Errors       int64
	TotalLatency int64
	Count        int64
}

// Metrics collects and exposes control-plane runtime metrics.
type Metrics struct {
	// Compilation metrics
	CompilesTotal     atomic.Int64
	CompilesSucceeded atomic.Int64
	CompilesFailed    atomic.Int64

	// Compile latency (milliseconds)
	TotalCompileMs atomic.Int64
	MinCompileMs   atomic.Int64
	MaxCompileMs   atomic.Int64

	// Automaton metrics
	PipelinesProvisioned atomic.Int64
	PipelinesShutdown    atomic.Int64
	PipelinesFailed      atomic.Int64

	// Per-pipeline metrics
	pipelineMetrics sync.Map // pipelineID -> *PipelineMetrics

	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// PipelineMetrics tracks compile outcomes for a single program/pipeline.
type PipelineMetrics struct {
	Compiles  atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
	TotalMs   atomic.Int64
	MinMs     atomic.Int64
	MaxMs     atomic.Int64
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinCompileMs.Store(int64(^uint64(0) >> 1))
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics { return global }

// StartTime returns when the metrics system was initialized.
func StartTime() time.Time { return global.startTime }

// RecordCompile records the outcome of one Compilation Pipeline run.
func (m *Metrics) RecordCompile(programID string, durationMs int64, success bool) {
	m.CompilesTotal.Add(1)
	if success {
		m.CompilesSucceeded.Add(1)
	} else {
		m.CompilesFailed.Add(1)
	}

	m.TotalCompileMs.Add(durationMs)
	updateMin(&m.MinCompileMs, durationMs)
	updateMax(&m.MaxCompileMs, durationMs)

	pm := m.getPipelineMetrics(programID)
	pm.Compiles.Add(1)
	if success {
		pm.Successes.Add(1)
	} else {
		pm.Failures.Add(1)
	}
	pm.TotalMs.Add(durationMs)
	updateMin(&pm.MinMs, durationMs)
	updateMax(&pm.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, !success)
}

// RecordTransition records a Pipeline Lifecycle Automaton state change.
func (m *Metrics) RecordTransition(from, to string) {
	switch to {
	case "running":
		m.PipelinesProvisioned.Add(1)
	case "shutdown":
		m.PipelinesShutdown.Add(1)
	case "failed":
		m.PipelinesFailed.Add(1)
	}
}

func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Compiles++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

func (m *Metrics) getPipelineMetrics(id string) *PipelineMetrics {
	if v, ok := m.pipelineMetrics.Load(id); ok {
		return v.(*PipelineMetrics)
	}
	pm := &PipelineMetrics{}
	pm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.pipelineMetrics.LoadOrStore(id, pm)
	return actual.(*PipelineMetrics)
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.CompilesTotal.Load()
	avg := float64(0)
	if total > 0 {
		avg = float64(m.TotalCompileMs.Load()) / float64(total)
	}

	minMs := m.MinCompileMs.Load()
	if minMs == int64(^uint64(0)>>1) {
		minMs = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"compiles": map[string]interface{}{
			"total":     total,
			"succeeded": m.CompilesSucceeded.Load(),
			"failed":    m.CompilesFailed.Load(),
		},
		"compile_latency_ms": map[string]interface{}{
			"avg": avg,
			"min": minMs,
			"max": m.MaxCompileMs.Load(),
		},
		"pipelines": map[string]interface{}{
			"provisioned": m.PipelinesProvisioned.Load(),
			"shutdown":    m.PipelinesShutdown.Load(),
			"failed":      m.PipelinesFailed.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avg := float64(0)
		if bucket.Count > 0 {
			avg = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"compiles":     bucket.Compiles,
			"errors":       bucket.Errors,
			"avg_duration": avg,
		}
	}
	return result
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
