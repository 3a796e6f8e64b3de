package nexmark

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Inner is the process-wide generator state shared by every open
// Generator. It is created on first Open and torn down once the last
// Generator referencing it is garbage collected (see the weak.Pointer
// singleton in nexmark.go); a fresh Inner starts the whole dance over.
type Inner struct {
	mu   sync.Mutex
	cond *sync.Cond

	optionsSet bool
	options    Options

	consumers [tableCount]Consumer
	parsers   [tableCount]Parser
	status    [tableCount]atomic.Int32

	pending [tableCount]atomic.Int64
	refs    atomic.Int64
}

func newInner() *Inner {
	inner := &Inner{}
	inner.cond = sync.NewCond(&inner.mu)
	for t := 0; t < int(tableCount); t++ {
		inner.status[t].Store(int32(StatusPaused))
	}
	go inner.coordinate()
	return inner
}

// merge registers table's consumer and parser, and folds in opts the
// first time any caller supplies them. A second registration for the
// same table, or a conflicting Options from a later caller, is an
// error — both are the Go analogue of the original's set-once OnceLock
// and EnumMap slots.
func (inner *Inner) merge(table Table, consumer Consumer, parser Parser, opts *Options) error {
	inner.mu.Lock()
	defer inner.mu.Unlock()

	if inner.consumers[table] != nil {
		return errConflict(table.String() + " connector")
	}
	inner.consumers[table] = consumer
	inner.parsers[table] = parser

	if opts != nil {
		if inner.optionsSet {
			if inner.options != *opts {
				return errConflict("generator options")
			}
		} else {
			inner.options = *opts
			inner.optionsSet = true
		}
	}
	return nil
}

func (inner *Inner) setStatus(table Table, status Status) {
	inner.status[table].Store(int32(status))
	inner.mu.Lock()
	inner.cond.Broadcast()
	inner.mu.Unlock()
}

// overallStatus reflects Terminated > Paused > Running precedence
// across every table that has actually been opened; a table nobody has
// opened yet does not block the others from running.
func (inner *Inner) overallStatus() Status {
	anyOpen := false
	allRunning := true
	for t := 0; t < int(tableCount); t++ {
		if inner.consumers[t] == nil {
			continue
		}
		anyOpen = true
		switch Status(inner.status[t].Load()) {
		case StatusTerminated:
			return StatusTerminated
		case StatusRunning:
		default:
			allRunning = false
		}
	}
	if !anyOpen || !allRunning {
		return StatusPaused
	}
	return StatusRunning
}

// waitToRun blocks until every opened table has been started (or one
// has been terminated), returning an error if the generator was
// terminated before ever running.
func (inner *Inner) waitToRun() error {
	inner.mu.Lock()
	defer inner.mu.Unlock()
	for inner.overallStatus() == StatusPaused {
		inner.cond.Wait()
	}
	if inner.overallStatus() == StatusTerminated {
		return errTerminatedBeforeRun
	}
	return nil
}

// coordinate is the single coordinator goroutine for this Inner: it
// waits for every opened table to request running, spawns the configured number
// of generator goroutines behind a shared barrier, waits for them all
// to finish, then signals end-of-input to every open consumer. It runs
// exactly once per Inner, mirroring the original's one-shot
// worker_thread.
func (inner *Inner) coordinate() {
	if err := inner.waitToRun(); err != nil {
		inner.signalEOI()
		return
	}

	inner.mu.Lock()
	opts := inner.options
	inner.mu.Unlock()

	threads := opts.Threads
	if threads < 1 {
		threads = 1
	}
	batchSize := opts.BatchSizePerThread
	if batchSize == 0 {
		batchSize = 1
	}
	nBatches := ceilDiv(opts.MaxEvents, batchSize*uint64(threads))

	barrier := newCyclicBarrier(threads)
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			inner.generate(idx, opts, batchSize, nBatches, barrier)
		}(i)
	}
	wg.Wait()
	inner.signalEOI()
}

// generate is one generator goroutine's loop. It must call
// barrier.wait() exactly nBatches times no matter how early the
// generator stops producing real work, or the other threads sharing
// the barrier would deadlock waiting for a party that never arrives.
func (inner *Inner) generate(threadIndex int, opts Options, batchSize uint64, nBatches uint64, barrier *cyclicBarrier) {
	writers := [tableCount]*eventWriter{
		Person:  newEventWriter(Person, opts.Seed, threadIndex),
		Auction: newEventWriter(Auction, opts.Seed, threadIndex),
		Bid:     newEventWriter(Bid, opts.Seed, threadIndex),
	}
	// Fixed per-batch split across tables, loosely echoing the
	// original benchmark's person:auction:bid skew toward bids.
	personShare := batchSize / 14
	auctionShare := batchSize / 6
	bidShare := batchSize - personShare - auctionShare

	for b := uint64(0); b < nBatches; b++ {
		if inner.waitUntilRunningOrTerminated() == StatusRunning {
			inner.produceAndParse(writers[Person], personShare)
			inner.produceAndParse(writers[Auction], auctionShare)
			inner.produceAndParse(writers[Bid], bidShare)
		}
		if barrier.wait() {
			inner.drainPending()
		}
	}
}

// waitUntilRunningOrTerminated parks the calling generator goroutine
// while the generator is paused, woken by setStatus's Broadcast, and
// returns the status once it is Running or Terminated. A paused
// generator still owes the barrier its nBatches rendezvous once
// unblocked, so this only gates production, never the barrier call.
func (inner *Inner) waitUntilRunningOrTerminated() Status {
	inner.mu.Lock()
	defer inner.mu.Unlock()
	for inner.overallStatus() == StatusPaused {
		inner.cond.Wait()
	}
	return inner.overallStatus()
}

func (inner *Inner) produceAndParse(w *eventWriter, n uint64) {
	if n == 0 {
		return
	}
	w.generateBatch(n)
	parser := inner.parsers[w.table]
	if parser == nil {
		w.drain()
		return
	}
	count := 0
	for _, line := range w.drain() {
		n, err := parser.Parse(line)
		if err == nil {
			count += n
		}
	}
	inner.pending[w.table].Add(int64(count))
}

// drainPending reports every table's accumulated batch to its
// consumer and resets the counters; called by whichever generator
// goroutine wins a given barrier round, and also exposed via
// Generator.Queue for the Bid fast-path consumer to pull out-of-band.
func (inner *Inner) drainPending() {
	for t := 0; t < int(tableCount); t++ {
		n := inner.pending[t].Swap(0)
		if n == 0 {
			continue
		}
		consumer := inner.consumers[t]
		if consumer == nil {
			continue
		}
		if Table(t) == Bid {
			consumer.Extended(int(n))
		} else {
			consumer.Buffered(int(n))
		}
	}
}

func (inner *Inner) queueFor(table Table) {
	inner.drainPending()
}

func (inner *Inner) signalEOI() {
	for t := 0; t < int(tableCount); t++ {
		if consumer := inner.consumers[t]; consumer != nil {
			consumer.EOI()
		}
	}
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

var errTerminatedBeforeRun = fmt.Errorf("nexmark: terminated before ever running")
