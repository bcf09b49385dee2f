package pipeline

import (
	"sort"
	"sync"
	"time"
)

// Stats are per-pipeline counters. They only increase; a process restart is
// the only reset.
type Stats struct {
	StaleGenerationDrops uint64
	QueueFullDrops       uint64
	ProfileRestarts      uint64
	BrokenPipeEvents     uint64
}

const latencyWindowSize = 128

// latencyWindow keeps a rolling window of write latencies for p95 reporting.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func (w *latencyWindow) record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.samples == nil {
		w.samples = make([]time.Duration, latencyWindowSize)
	}
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// P95 returns the 95th percentile of the window, or zero when empty.
func (w *latencyWindow) P95() time.Duration {
	w.mu.Lock()
	count := w.next
	if w.full {
		count = len(w.samples)
	}
	if count == 0 {
		w.mu.Unlock()
		return 0
	}
	snapshot := make([]time.Duration, count)
	copy(snapshot, w.samples[:count])
	w.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i] < snapshot[j] })
	idx := (len(snapshot)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return snapshot[idx]
}
