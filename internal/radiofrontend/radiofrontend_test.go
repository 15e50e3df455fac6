package radiofrontend

import (
	"context"
	"testing"
	"time"

	"github.com/opendigitalradio/dabmod-core/internal/logging"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

func TestAssertWithinPPM(t *testing.T) {
	if err := assertWithinPPM(2_048_000, 2_048_000.001, RateAssertionPPM); err != nil {
		t.Fatalf("expected readback within tolerance, got %v", err)
	}
	if err := assertWithinPPM(2_048_000, 2_048_010, RateAssertionPPM); err == nil {
		t.Fatalf("expected readback outside tolerance to fail")
	}
}

func TestWaitForGPSLockSucceedsWhenAlreadyLocked(t *testing.T) {
	dev := NewMock()
	dev.SetGPSLock(true, true)
	if err := WaitForGPSLock(context.Background(), dev, time.Second); err != nil {
		t.Fatalf("WaitForGPSLock: %v", err)
	}
}

func TestWaitForGPSLockSkipsAbsentSensor(t *testing.T) {
	dev := NewMock()
	dev.SetGPSLock(false, false)
	if err := WaitForGPSLock(context.Background(), dev, time.Second); err != nil {
		t.Fatalf("WaitForGPSLock with no sensor should not block: %v", err)
	}
}

func TestWaitForGPSLockFatalOnExpiry(t *testing.T) {
	dev := NewMock()
	dev.SetGPSLock(true, false)
	err := WaitForGPSLock(context.Background(), dev, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected fatal error when lock is never acquired")
	}
}

func TestMockDeviceRecordsSentBuffers(t *testing.T) {
	dev := NewMock()
	buf := sample.Buffer{1 + 0i, 0 + 1i}
	if _, err := dev.SendFreeRunning(context.Background(), buf); err != nil {
		t.Fatalf("SendFreeRunning: %v", err)
	}
	sent := dev.Sent()
	if len(sent) != 1 || len(sent[0]) != 2 {
		t.Fatalf("unexpected sent buffers: %v", sent)
	}
}

func TestRunEventPrinterClassifiesEvents(t *testing.T) {
	events := make(chan AsyncEvent, 4)
	counts := &EventCounts{}
	events <- AsyncEvent{Kind: EventBurstAck}
	events <- AsyncEvent{Kind: EventUnderflow}
	events <- AsyncEvent{Kind: EventSeqError}
	close(events)

	RunEventPrinter(events, counts, logging.Default())

	underflow, _, seqError := counts.Snapshot()
	if underflow != 1 {
		t.Fatalf("underflow = %d, want 1", underflow)
	}
	if seqError != 1 {
		t.Fatalf("seqError = %d, want 1", seqError)
	}
}

func TestIdentifyDevicesPrefersConfigOverrides(t *testing.T) {
	phy, tx, rx := identifyDevices([]string{"ad9361-phy", "cf-ad9361-dds-core-lpc-tx", "cf-ad9361-lpc-rx"}, Config{})
	if phy == "" || tx == "" || rx == "" {
		t.Fatalf("identifyDevices left a name empty: phy=%q tx=%q rx=%q", phy, tx, rx)
	}

	phy2, _, _ := identifyDevices([]string{"ad9361-phy"}, Config{PhyDevice: "custom-phy"})
	if phy2 != "custom-phy" {
		t.Fatalf("config override ignored: got %q", phy2)
	}
}
