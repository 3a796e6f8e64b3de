package nexmark

import (
	"fmt"
	"math/rand"
)

// eventWriter accumulates one generator thread's CSV batch for a
// single table before it is handed to that table's Parser.
type eventWriter struct {
	table Table
	rng   *rand.Rand
	seq   uint64
	lines [][]byte
}

func newEventWriter(table Table, seed int64, threadIndex int) *eventWriter {
	return &eventWriter{
		table: table,
		rng:   rand.New(rand.NewSource(seed + int64(threadIndex)*1_000_003)),
	}
}

// generateBatch appends n freshly generated CSV rows for this writer's
// table, keeping a monotonic per-writer sequence number so output is
// deterministic for a fixed seed and thread count.
func (w *eventWriter) generateBatch(n uint64) {
	for i := uint64(0); i < n; i++ {
		w.seq++
		switch w.table {
		case Person:
			w.lines = append(w.lines, w.person())
		case Auction:
			w.lines = append(w.lines, w.auction())
		case Bid:
			w.lines = append(w.lines, w.bid())
		}
	}
}

func (w *eventWriter) person() []byte {
	id := w.seq
	return []byte(fmt.Sprintf("%d,person%d,person%d@example.com,%04d-%04d-%04d-%04d,city%d,state%d,%d",
		id, id, id,
		w.rng.Intn(9999), w.rng.Intn(9999), w.rng.Intn(9999), w.rng.Intn(9999),
		w.rng.Intn(100), w.rng.Intn(50), id*1000))
}

func (w *eventWriter) auction() []byte {
	id := w.seq
	seller := w.rng.Int63n(int64(id) + 1)
	initialBid := 100 + w.rng.Intn(900)
	return []byte(fmt.Sprintf("%d,item%d,description for item %d,%d,%d,%d,%d,%d,%d",
		id, id, id, initialBid, initialBid*10, id*1000, (id+1000)*1000, seller, w.rng.Intn(20)))
}

func (w *eventWriter) bid() []byte {
	auction := w.rng.Int63n(int64(w.seq) + 1)
	bidder := w.rng.Int63n(int64(w.seq) + 1)
	price := 100 + w.rng.Intn(9000)
	return []byte(fmt.Sprintf("%d,%d,%d,%s,%d",
		auction, bidder, price, []string{"channel0", "channel1", "channel2"}[w.rng.Intn(3)], w.seq*1000))
}

func (w *eventWriter) drain() [][]byte {
	lines := w.lines
	w.lines = nil
	return lines
}
