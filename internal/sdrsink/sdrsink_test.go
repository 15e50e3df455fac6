package sdrsink

import (
	"context"
	"testing"
	"time"

	"github.com/opendigitalradio/dabmod-core/internal/dabtime"
	"github.com/opendigitalradio/dabmod-core/internal/radiofrontend"
	"github.com/opendigitalradio/dabmod-core/internal/remotecontrol"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

func TestDelayLineHoldsBackTailSamples(t *testing.T) {
	d := newDelayLine(2)

	in1 := sample.Buffer{1, 2, 3, 4}
	out1 := d.Process(in1)
	if len(out1) != 4 {
		t.Fatalf("len(out1) = %d, want 4", len(out1))
	}
	// History starts zeroed, so the first two outputs are zero and the
	// last two are the first two input samples; 3 and 4 are held back.
	if out1[0] != 0 || out1[1] != 0 {
		t.Fatalf("out1[0:2] = %v, want zeros", out1[:2])
	}
	if out1[2] != 1 || out1[3] != 2 {
		t.Fatalf("out1[2:4] = %v, want [1 2]", out1[2:4])
	}

	in2 := sample.Buffer{5, 6, 7, 8}
	out2 := d.Process(in2)
	if out2[0] != 3 || out2[1] != 4 {
		t.Fatalf("out2[0:2] = %v, want [3 4] (held back from in1)", out2[:2])
	}
}

func TestDelayLineResizeGrowAndShrink(t *testing.T) {
	d := newDelayLine(2)
	d.Process(sample.Buffer{1, 2, 3, 4})

	d.Resize(4)
	if d.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", d.Len())
	}

	d.Resize(1)
	if d.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", d.Len())
	}
}

func TestBoundedFIFOPrebufferingDepth(t *testing.T) {
	f := newBoundedFIFO(framesMaxSize)

	done := make(chan fifoEntry, 1)
	go func() {
		e, ok := f.WaitAndPop(3)
		if !ok {
			close(done)
			return
		}
		done <- e
	}()

	f.Push(fifoEntry{ts: dabtime.Timestamp{Sec: 1}})
	f.Push(fifoEntry{ts: dabtime.Timestamp{Sec: 2}})

	select {
	case <-done:
		t.Fatalf("WaitAndPop(3) returned before 3 items were queued")
	case <-time.After(50 * time.Millisecond):
	}

	f.Push(fifoEntry{ts: dabtime.Timestamp{Sec: 3}})

	select {
	case e := <-done:
		if e.ts.Sec != 1 {
			t.Fatalf("popped ts.Sec = %d, want 1 (oldest)", e.ts.Sec)
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitAndPop(3) did not return after 3rd push")
	}
}

func TestBoundedFIFOCloseUnblocksWaiters(t *testing.T) {
	f := newBoundedFIFO(framesMaxSize)
	done := make(chan bool, 1)
	go func() {
		_, ok := f.WaitAndPop(5)
		done <- ok
	}()
	f.Close()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("WaitAndPop returned ok=true after Close with no items")
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitAndPop did not unblock after Close")
	}
}

func newTestSink(t *testing.T, dev radiofrontend.Device) *SdrSink {
	t.Helper()
	reg := remotecontrol.NewRegistry()
	cfg := Config{
		SampleRate:            1_000_000,
		Mode:                  dabtime.ModeI,
		TimestampAbortFutureS: 10,
		MaxGPSHoldoverS:       0, // disable watchdog goroutine for the test
	}
	s, err := New(context.Background(), cfg, dev, reg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestSdrSinkTransmitsAndCountsFrames(t *testing.T) {
	dev := radiofrontend.NewMock()
	s := newTestSink(t, dev)

	// The worker's startup prebuffering depth is framesMaxSize: nothing
	// is popped until at least that many frames are queued.
	for i := 0; i < framesMaxSize; i++ {
		now, err := dev.Now(context.Background())
		if err != nil {
			t.Fatalf("Now: %v", err)
		}
		if err := s.Push(now, make(sample.Buffer, 16)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.frames.Load() < uint64(framesMaxSize) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.frames.Load() != uint64(framesMaxSize) {
		t.Fatalf("frames = %d, want %d", s.frames.Load(), framesMaxSize)
	}
}

func TestSdrSinkFatalOnTimestampTooFarFuture(t *testing.T) {
	dev := radiofrontend.NewMock()
	s := newTestSink(t, dev)

	for i := 0; i < framesMaxSize-1; i++ {
		now, err := dev.Now(context.Background())
		if err != nil {
			t.Fatalf("Now: %v", err)
		}
		if err := s.Push(now, make(sample.Buffer, 16)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	now, err := dev.Now(context.Background())
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	future := dabtime.Timestamp{Sec: now.Sec + 3600, Valid: true}
	if err := s.Push(future, make(sample.Buffer, 16)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("sink did not go fatal on a far-future timestamp")
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %v, want Stopped", s.State())
	}
}

func TestSdrSinkPushRejectsLengthChange(t *testing.T) {
	dev := radiofrontend.NewMock()
	s := newTestSink(t, dev)

	now, _ := dev.Now(context.Background())
	if err := s.Push(now, make(sample.Buffer, 16)); err != nil {
		t.Fatalf("first Push: %v", err)
	}
	if err := s.Push(now, make(sample.Buffer, 32)); err == nil {
		t.Fatalf("expected an error on buffer length change")
	}
}

func TestAdjustStaticDelayWraps(t *testing.T) {
	dev := radiofrontend.NewMock()
	s := newTestSink(t, dev)

	durMs, _ := dabtime.FrameDurationMs(dabtime.ModeI)
	frameDurationUs := int64(durMs) * 1000

	s.adjustStaticDelay(frameDurationUs * 3 / 4)

	s.rcMu.Lock()
	got := s.staticDelayUs
	s.rcMu.Unlock()

	if got > frameDurationUs/2 || got < -frameDurationUs/2 {
		t.Fatalf("staticDelayUs = %d, want within +/- %d after wraparound", got, frameDurationUs/2)
	}
}

// TestTransmitTimestampedEndOfBurstGating exercises OutputUHD.cpp's
// tx_frame end_of_burst formula: end_of_burst is set only when the
// timestamp's own refresh bit is set or a discontinuity was detected,
// not unconditionally on the final fragment.
func TestTransmitTimestampedEndOfBurstGating(t *testing.T) {
	dev := radiofrontend.NewMock()
	s := newTestSink(t, dev)
	ctx := context.Background()
	buf := make(sample.Buffer, 16)

	s.transmitTimestamped(ctx, buf, dabtime.Timestamp{Sec: 1, Valid: true}, false)
	calls := dev.BurstCalls()
	if len(calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(calls))
	}
	if calls[0].EndOfBurst {
		t.Fatalf("EndOfBurst = true on last fragment with no refresh/discontinuity, want false")
	}

	s.transmitTimestamped(ctx, buf, dabtime.Timestamp{Sec: 2, Valid: true, Refresh: true}, false)
	calls = dev.BurstCalls()
	if !calls[len(calls)-1].EndOfBurst {
		t.Fatalf("EndOfBurst = false with ts.Refresh set, want true")
	}

	s.transmitTimestamped(ctx, buf, dabtime.Timestamp{Sec: 3, Valid: true}, true)
	calls = dev.BurstCalls()
	if !calls[len(calls)-1].EndOfBurst {
		t.Fatalf("EndOfBurst = false with discontinuity=true, want true")
	}
}

// TestHealthMonitorTracksCountersAcrossTicks confirms the monitor's
// bookkeeping advances lastUnderflow/lastLate to the current snapshot
// on every tick, whether or not the counters moved — matching
// OutputUHD.cpp's num_underflows_previous/num_late_packets_previous
// update at the end of every status check.
func TestHealthMonitorTracksCountersAcrossTicks(t *testing.T) {
	dev := radiofrontend.NewMock()
	s := newTestSink(t, dev)
	m := newHealthMonitor(s)

	m.tick()
	if m.lastUnderflow != 0 || m.lastLate != 0 {
		t.Fatalf("after first tick with no activity: lastUnderflow=%d lastLate=%d, want 0,0", m.lastUnderflow, m.lastLate)
	}

	dev.InjectEvent(radiofrontend.AsyncEvent{Kind: radiofrontend.EventUnderflow})
	deadline := time.Now().Add(time.Second)
	for {
		underflow, _, _ := s.eventCounts.Snapshot()
		if underflow > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	m.tick()
	if m.lastUnderflow != 1 {
		t.Fatalf("lastUnderflow = %d after one injected underflow, want 1", m.lastUnderflow)
	}

	m.tick()
	if m.lastUnderflow != 1 {
		t.Fatalf("lastUnderflow = %d after a quiet tick, want unchanged 1", m.lastUnderflow)
	}
}

func TestRemoteControlStaticDelayRoundTrip(t *testing.T) {
	dev := radiofrontend.NewMock()
	reg := remotecontrol.NewRegistry()
	cfg := Config{SampleRate: 1_000_000, Mode: dabtime.ModeI, TimestampAbortFutureS: 10}
	s, err := New(context.Background(), cfg, dev, reg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)

	if err := reg.Set(componentName, "staticdelay", "100"); err != nil {
		t.Fatalf("Set staticdelay: %v", err)
	}
	v, err := reg.Get(componentName, "staticdelay")
	if err != nil {
		t.Fatalf("Get staticdelay: %v", err)
	}
	if v != "100" {
		t.Fatalf("staticdelay = %s, want 100", v)
	}

	if err := reg.Set(componentName, "underruns", "5"); err == nil {
		t.Fatalf("expected write to read-only parameter underruns to fail")
	}
}
