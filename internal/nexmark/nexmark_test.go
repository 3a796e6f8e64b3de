package nexmark

import (
	"sync"
	"testing"
	"time"
	"weak"
)

type countingConsumer struct {
	mu        sync.Mutex
	buffered  int
	extended  int
	eoiCalled bool
}

func (c *countingConsumer) Buffered(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffered += n
}

func (c *countingConsumer) Extended(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extended += n
}

func (c *countingConsumer) EOI() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eoiCalled = true
}

func (c *countingConsumer) snapshot() (buffered, extended int, eoi bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered, c.extended, c.eoiCalled
}

type passthroughParser struct {
	mu    sync.Mutex
	lines int
}

func (p *passthroughParser) Parse(line []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines++
	return 1, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// resetSingleton forces the next Open to create a fresh Inner rather
// than possibly reusing one left over from an earlier test whose
// Generators haven't yet been garbage collected.
func resetSingleton() {
	singletonMu.Lock()
	singleton = weak.Pointer[Inner]{}
	singletonMu.Unlock()
}

func TestOpenRejectsDuplicateTable(t *testing.T) {
	resetSingleton()
	consumer := &countingConsumer{}
	parser := &passthroughParser{}
	opts := Options{Threads: 1, BatchSizePerThread: 10, MaxEvents: 10, Seed: 1}

	g1, err := Open(Bid, consumer, parser, &opts)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	defer g1.Close()

	if _, err := Open(Bid, consumer, parser, &opts); err == nil {
		t.Fatal("expected error opening the same table twice")
	}
}

func TestOpenRejectsConflictingOptions(t *testing.T) {
	resetSingleton()
	consumer := &countingConsumer{}
	parser := &passthroughParser{}
	a := Options{Threads: 1, BatchSizePerThread: 10, MaxEvents: 10, Seed: 1}
	b := Options{Threads: 2, BatchSizePerThread: 10, MaxEvents: 10, Seed: 1}

	g1, err := Open(Person, consumer, parser, &a)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	defer g1.Close()

	if _, err := Open(Auction, consumer, parser, &b); err == nil {
		t.Fatal("expected error from conflicting options")
	}
}

func TestGeneratorProducesAndSignalsEOI(t *testing.T) {
	resetSingleton()
	consumer := &countingConsumer{}
	parser := &passthroughParser{}
	opts := Options{Threads: 2, BatchSizePerThread: 20, MaxEvents: 40, Seed: 7}

	g, err := Open(Bid, consumer, parser, &opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer g.Close()

	g.Transition(StatusRunning)

	waitFor(t, func() bool {
		_, _, eoi := consumer.snapshot()
		return eoi
	})

	_, extended, _ := consumer.snapshot()
	if extended == 0 {
		t.Fatal("expected some bid records to have been reported")
	}
}

func TestGeneratorParksProductionWhilePaused(t *testing.T) {
	resetSingleton()
	consumer := &countingConsumer{}
	parser := &passthroughParser{}
	opts := Options{Threads: 1, BatchSizePerThread: 5, MaxEvents: 200000, Seed: 3}

	g, err := Open(Bid, consumer, parser, &opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer g.Close()

	g.Transition(StatusRunning)
	waitFor(t, func() bool {
		_, e, _ := consumer.snapshot()
		return e > 0
	})

	g.Transition(StatusPaused)
	time.Sleep(20 * time.Millisecond)
	_, pausedExtended, _ := consumer.snapshot()
	time.Sleep(40 * time.Millisecond)
	_, stillExtended, _ := consumer.snapshot()
	if stillExtended != pausedExtended {
		t.Fatalf("expected production to park while paused: %d -> %d", pausedExtended, stillExtended)
	}

	g.Transition(StatusRunning)
	waitFor(t, func() bool {
		_, extended, _ := consumer.snapshot()
		return extended > stillExtended
	})
}

func TestCyclicBarrierReleasesAllParties(t *testing.T) {
	const parties = 4
	b := newCyclicBarrier(parties)

	var leaders sync.Map
	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if b.wait() {
				leaders.Store(idx, true)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	leaders.Range(func(_, _ any) bool { count++; return true })
	if count != 1 {
		t.Fatalf("expected exactly one leader, got %d", count)
	}
}

func TestCeilDiv(t *testing.T) {
	cases := []struct{ a, b, want uint64 }{
		{10, 3, 4},
		{9, 3, 3},
		{0, 3, 0},
		{1, 1, 1},
	}
	for _, c := range cases {
		if got := ceilDiv(c.a, c.b); got != c.want {
			t.Errorf("ceilDiv(%d, %d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
