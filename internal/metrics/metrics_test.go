package metrics

import (
	"sync/atomic"
	"testing"
)

func TestRecordCompileUpdatesCounters(t *testing.T) {
	m := Global()
	beforeTotal := m.CompilesTotal.Load()
	beforeSucceeded := m.CompilesSucceeded.Load()
	beforeFailed := m.CompilesFailed.Load()

	m.RecordCompile("prog-metrics-test", 120, true)
	m.RecordCompile("prog-metrics-test", 80, false)

	if got := m.CompilesTotal.Load(); got != beforeTotal+2 {
		t.Fatalf("CompilesTotal = %d, want %d", got, beforeTotal+2)
	}
	if got := m.CompilesSucceeded.Load(); got != beforeSucceeded+1 {
		t.Fatalf("CompilesSucceeded = %d, want %d", got, beforeSucceeded+1)
	}
	if got := m.CompilesFailed.Load(); got != beforeFailed+1 {
		t.Fatalf("CompilesFailed = %d, want %d", got, beforeFailed+1)
	}
}

func TestRecordTransitionUpdatesPipelineCounters(t *testing.T) {
	m := Global()
	beforeProvisioned := m.PipelinesProvisioned.Load()
	beforeShutdown := m.PipelinesShutdown.Load()
	beforeFailed := m.PipelinesFailed.Load()

	m.RecordTransition("initializing", "running")
	m.RecordTransition("draining", "shutdown")
	m.RecordTransition("provisioning", "failed")

	if got := m.PipelinesProvisioned.Load(); got != beforeProvisioned+1 {
		t.Fatalf("PipelinesProvisioned = %d, want %d", got, beforeProvisioned+1)
	}
	if got := m.PipelinesShutdown.Load(); got != beforeShutdown+1 {
		t.Fatalf("PipelinesShutdown = %d, want %d", got, beforeShutdown+1)
	}
	if got := m.PipelinesFailed.Load(); got != beforeFailed+1 {
		t.Fatalf("PipelinesFailed = %d, want %d", got, beforeFailed+1)
	}
}

func TestSnapshotReflectsRecordedCompiles(t *testing.T) {
	m := Global()
	m.RecordCompile("prog-snapshot-test", 50, true)

	snap := m.Snapshot()
	compiles, ok := snap["compiles"].(map[string]interface{})
	if !ok {
		t.Fatal("snapshot missing compiles section")
	}
	total, ok := compiles["total"].(int64)
	if !ok || total <= 0 {
		t.Fatalf("compiles.total = %v, want > 0", compiles["total"])
	}
}

func TestUpdateMinMax(t *testing.T) {
	var min atomic.Int64
	min.Store(100)
	updateMin(&min, 40)
	if got := min.Load(); got != 40 {
		t.Fatalf("updateMin: got %d, want 40", got)
	}
	updateMin(&min, 90)
	if got := min.Load(); got != 40 {
		t.Fatalf("updateMin should keep smaller value: got %d, want 40", got)
	}

	var max atomic.Int64
	max.Store(10)
	updateMax(&max, 50)
	if got := max.Load(); got != 50 {
		t.Fatalf("updateMax: got %d, want 50", got)
	}
	updateMax(&max, 5)
	if got := max.Load(); got != 50 {
		t.Fatalf("updateMax should keep larger value: got %d, want 50", got)
	}
}
