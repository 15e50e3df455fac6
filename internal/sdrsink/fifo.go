package sdrsink

import (
	"sync"

	"github.com/opendigitalradio/dabmod-core/internal/dabtime"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

// framesMaxSize is the bounded FIFO depth between Push and the TX worker
// (§4.3 "FRAMES_MAX_SIZE=8").
const framesMaxSize = 8

type fifoEntry struct {
	buf sample.Buffer
	ts  dabtime.Timestamp
}

// boundedFIFO is a depth-bounded producer/consumer queue whose consumer
// can wait for a variable minimum depth rather than always popping one
// item at a time (§4.3's prebuffering regime: pop_prebuffering is
// framesMaxSize right after an underrun or at startup, 1 in steady
// state). No channel primitive exposes a "wait until length >= N"
// operation, so this follows the same mutex+condition-variable pattern
// as the feedback capture interlock (§9 Design Notes).
type boundedFIFO struct {
	mu     sync.Mutex
	notEmptyOrFull *sync.Cond
	items  []fifoEntry
	cap    int
	closed bool
}

func newBoundedFIFO(capacity int) *boundedFIFO {
	f := &boundedFIFO{cap: capacity}
	f.notEmptyOrFull = sync.NewCond(&f.mu)
	return f
}

// Push blocks while the queue is full, then appends e. It returns false
// if the queue was closed instead.
func (f *boundedFIFO) Push(e fifoEntry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.items) >= f.cap && !f.closed {
		f.notEmptyOrFull.Wait()
	}
	if f.closed {
		return false
	}
	f.items = append(f.items, e)
	f.notEmptyOrFull.Broadcast()
	return true
}

// WaitAndPop blocks until at least minDepth items are queued (or the
// queue is closed), then pops and returns the oldest one.
func (f *boundedFIFO) WaitAndPop(minDepth int) (fifoEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.items) < minDepth && !f.closed {
		f.notEmptyOrFull.Wait()
	}
	if len(f.items) == 0 {
		return fifoEntry{}, false
	}
	e := f.items[0]
	f.items = f.items[1:]
	f.notEmptyOrFull.Broadcast()
	return e, true
}

// Close unblocks every waiter permanently.
func (f *boundedFIFO) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.notEmptyOrFull.Broadcast()
}

// Len returns the current queue depth.
func (f *boundedFIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
