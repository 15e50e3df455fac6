// Package feedback implements §4.4 of the spec: a TCP service that hands
// a client paired TX/RX I/Q bursts captured around the same instant, for
// digital pre-distorter coefficient estimation.
//
// The interlock between the TCP handler (requesting a capture), SdrSink
// (offering the next transmitted frame), and the RX capture goroutine
// (recording the matching receive burst) is modeled as an explicit
// four-state machine guarded by a mutex and a condition variable (§9
// Design Notes), the same pattern used for SdrSink's bounded FIFO.
package feedback

import (
	"sync"

	"github.com/opendigitalradio/dabmod-core/internal/dabtime"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

// BurstState is one of the four capture states a BurstRequest cycles
// through per request.
type BurstState int

const (
	// StateIdle: no capture outstanding, SetTxFrame is a no-op.
	StateIdle BurstState = iota
	// StateSaveTx: a client is waiting; the next SdrSink offer will be
	// taken as the TX half of the pair.
	StateSaveTx
	// StateSaveRx: TX half captured; the RX capture goroutine is
	// recording the matching receive burst.
	StateSaveRx
	// StateAcquired: both halves captured, ready for the client.
	StateAcquired
)

func (s BurstState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSaveTx:
		return "save_tx"
	case StateSaveRx:
		return "save_rx"
	case StateAcquired:
		return "acquired"
	default:
		return "unknown"
	}
}

// Result is a completed TX/RX capture pair, with NumSamples clamped to
// the smallest of what the client requested and what was actually
// captured on each side (§4.4 wire protocol: num_samples_effective).
type Result struct {
	NumSamples int
	TxSamples  sample.Buffer
	RxSamples  sample.Buffer
	TxTS       dabtime.Timestamp
	RxTS       dabtime.Timestamp
}

// BurstRequest coordinates one capture at a time between a TCP client,
// SdrSink's per-buffer offer, and the RX capture goroutine.
type BurstRequest struct {
	mu   sync.Mutex
	cond *sync.Cond

	state      BurstState
	numSamples int

	txSamples sample.Buffer
	rxSamples sample.Buffer
	txTS      dabtime.Timestamp
	rxTS      dabtime.Timestamp

	closed bool
}

func newBurstRequest() *BurstRequest {
	b := &BurstRequest{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// RequestCapture arms the state machine for a new capture of up to n
// samples, called by the TCP handler on receiving a client request.
func (b *BurstRequest) RequestCapture(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.numSamples = n
	b.txSamples = nil
	b.rxSamples = nil
	b.state = StateSaveTx
	b.cond.Broadcast()
}

// SetTxFrame offers a buffer SdrSink just handed to the driver as the TX
// half of a pending capture. It is a no-op unless a capture is currently
// waiting for its TX half.
//
// A transmission frame always begins with the DAB null symbol, which
// carries no power, so the tail n samples are taken instead of the head
// and the timestamp is advanced to match (§4.4, porting the "take them
// at the end and adapt the timestamp accordingly" rationale).
func (b *BurstRequest) SetTxFrame(buf sample.Buffer, ts dabtime.Timestamp, sampleRateHz float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateSaveTx {
		return
	}
	n := b.numSamples
	if n > len(buf) {
		n = len(buf)
	}
	startIx := len(buf) - n
	adjusted := ts.Advance(startIx, sampleRateHz)

	b.txSamples = buf[startIx:].Clone()
	b.txTS = adjusted
	b.rxTS = adjusted
	b.state = StateSaveRx
	b.cond.Broadcast()
}

// AwaitSaveRx blocks until a TX half has been captured and an RX capture
// is wanted, returning the sample count and timestamp to capture at. ok
// is false if the BurstRequest was closed while waiting.
func (b *BurstRequest) AwaitSaveRx() (n int, ts dabtime.Timestamp, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.state != StateSaveRx && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return 0, dabtime.Invalid(), false
	}
	return b.numSamples, b.rxTS, true
}

// CompleteRx records the RX capture goroutine's result and transitions
// to Acquired. rx may be nil if the capture failed or timed out.
func (b *BurstRequest) CompleteRx(rx sample.Buffer, ts dabtime.Timestamp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateSaveRx {
		return
	}
	b.rxSamples = rx
	b.rxTS = ts
	b.state = StateAcquired
	b.cond.Broadcast()
}

// AwaitAcquired blocks until both halves are captured, then resets to
// Idle and returns the clamped pair. ok is false if closed while waiting.
func (b *BurstRequest) AwaitAcquired() (Result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.state != StateAcquired && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return Result{}, false
	}
	n := b.numSamples
	if len(b.txSamples) < n {
		n = len(b.txSamples)
	}
	if len(b.rxSamples) < n {
		n = len(b.rxSamples)
	}
	res := Result{
		NumSamples: n,
		TxSamples:  b.txSamples,
		RxSamples:  b.rxSamples,
		TxTS:       b.txTS,
		RxTS:       b.rxTS,
	}
	b.state = StateIdle
	b.cond.Broadcast()
	return res, true
}

// Close unblocks every waiter permanently, used when the TCP server is
// shutting down.
func (b *BurstRequest) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}
