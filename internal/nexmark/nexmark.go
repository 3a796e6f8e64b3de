// Package nexmark implements the Multi-Source Event Generator: a
// single process-wide, reference-counted Nexmark input adapter shared
// by up to three independent per-table connectors (Person, Auction,
// Bid). It is a worked example of the platform's shared-resource,
// barrier-synchronized, multi-consumer fan-out pattern rather than a
// faithful Nexmark benchmark implementation.
package nexmark

import (
	"fmt"
	"sync"
	"weak"

	"github.com/flowctl/flowctl/internal/metrics"
)

// Table names one of the three Nexmark input tables.
type Table int

const (
	Person Table = iota
	Auction
	Bid
	tableCount
)

func (t Table) String() string {
	switch t {
	case Person:
		return "person"
	case Auction:
		return "auction"
	case Bid:
		return "bid"
	default:
		return "unknown"
	}
}

// Status is a table connector's desired running state, settable
// atomically by its owning consumer.
type Status int32

const (
	StatusPaused Status = iota
	StatusRunning
	StatusTerminated
)

// Options configures the shared generator. They may be supplied by
// whichever of the three connectors opens first; a second, conflicting
// set is an error.
type Options struct {
	Threads             int
	BatchSizePerThread  uint64
	MaxEvents           uint64
	Seed                int64
}

// DefaultOptions mirrors the original benchmark's modest defaults.
func DefaultOptions() Options {
	return Options{Threads: 3, BatchSizePerThread: 100, MaxEvents: 100_000, Seed: 1}
}

// Consumer receives generated records for one table.
type Consumer interface {
	// Buffered reports a completed batch of numRecords ready for the
	// table this consumer was registered for.
	Buffered(numRecords int)
	// Extended reports records appended directly (the Bid fast path).
	Extended(numRecords int)
	// EOI signals no further records will ever be produced.
	EOI()
}

// Parser turns one generator-produced CSV line into a typed record the
// consumer's table expects, returning how many records it yielded.
type Parser interface {
	Parse(csvLine []byte) (int, error)
}

// Generator is the per-table handle returned by Open. Each of up to
// three connectors holds its own Generator over the same shared Inner.
type Generator struct {
	table Table
	inner *Inner
}

var (
	singletonMu sync.Mutex
	singleton   weak.Pointer[Inner]
)

// Open registers table's consumer and parser with the process-wide
// singleton, creating it on first call and reusing it while any other
// Generator keeps it alive. A second Open for the same table, or
// conflicting Options from two different callers, is an error.
func Open(table Table, consumer Consumer, parser Parser, opts *Options) (*Generator, error) {
	singletonMu.Lock()
	inner := singleton.Value()
	if inner == nil {
		inner = newInner()
		singleton = weak.Make(inner)
	}
	singletonMu.Unlock()

	if err := inner.merge(table, consumer, parser, opts); err != nil {
		return nil, err
	}
	inner.refs.Add(1)
	metrics.SetNexmarkGeneratorRefs(int(inner.refs.Load()))
	return &Generator{table: table, inner: inner}, nil
}

// Transition sets this table's desired status and wakes the
// coordinator, mirroring a consumer's own pause/resume/terminate
// command.
func (g *Generator) Transition(status Status) {
	g.inner.setStatus(g.table, status)
}

// Queue drains the buffers the generator threads have produced for
// every open table, not only this one, and reports them to their
// consumers — the Bid connector's
// fast path for pulling completed batches without waiting on events.
func (g *Generator) Queue() {
	g.inner.queueFor(g.table)
}

// Close releases this connector's hold on the shared generator. The
// underlying Inner is garbage collected once every Generator referring
// to it has been dropped, at which point the next Open recreates it
// fresh (mirroring the original's Weak<Inner> singleton).
func (g *Generator) Close() {
	remaining := g.inner.refs.Add(-1)
	metrics.SetNexmarkGeneratorRefs(int(remaining))
}

// RefCount reports how many open connectors currently hold the shared
// singleton alive, for the nexmark_generator_refcount gauge.
func RefCount() int64 {
	singletonMu.Lock()
	inner := singleton.Value()
	singletonMu.Unlock()
	if inner == nil {
		return 0
	}
	return inner.refs.Load()
}

func errConflict(what string) error {
	return fmt.Errorf("nexmark: %s already set by a different connector", what)
}
