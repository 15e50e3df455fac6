package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opendigitalradio/dabmod-core/internal/dabtime"
	"github.com/opendigitalradio/dabmod-core/internal/gaincontrol"
	"github.com/opendigitalradio/dabmod-core/internal/ioclient"
	"github.com/opendigitalradio/dabmod-core/internal/radiofrontend"
	"github.com/opendigitalradio/dabmod-core/internal/remotecontrol"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
	"github.com/opendigitalradio/dabmod-core/internal/sdrsink"
	"github.com/opendigitalradio/dabmod-core/internal/telemetry"
)

// identityCoefsFile writes a tag-1 (odd polynomial) coefficient file
// whose AM/PM curves are both identity, so MemlessPoly passes samples
// through unchanged.
func identityCoefsFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "coefs.txt")
	if err := os.WriteFile(path, []byte("1 5 1 0 0 0 0 0 0 0 0 0\n"), 0o644); err != nil {
		t.Fatalf("write coef file: %v", err)
	}
	return path
}

func newTestPipeline(t *testing.T) (*Pipeline, radiofrontend.Device) {
	t.Helper()
	dev := radiofrontend.NewMock()
	reg := remotecontrol.NewRegistry()
	hub := telemetry.NewHub(10)

	cfg := Config{
		GainControl: gaincontrol.Config{Mode: gaincontrol.ModeFix, DigitalGain: 1, Normalise: 1},
		CoefsFile:   identityCoefsFile(t),
		DPDThreads:  1,
		SdrSink: sdrsink.Config{
			SampleRate:            1_000_000,
			Mode:                  dabtime.ModeI,
			TimestampAbortFutureS: 10,
		},
		FrameLength: 16,
	}
	p, err := New(context.Background(), cfg, dev, reg, hub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Stop)
	return p, dev
}

func TestPipelineProcessPushesThroughToSink(t *testing.T) {
	p, dev := newTestPipeline(t)

	now, err := dev.Now(context.Background())
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	now.Valid = true

	buf := make(sample.Buffer, 16)
	for i := range buf {
		buf[i] = complex(0.1, 0.1)
	}
	if err := p.Process(now, buf); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func TestPipelineRunConsumesFramesFromReader(t *testing.T) {
	p, _ := newTestPipeline(t)

	frame := make(sample.Buffer, 16)
	for i := range frame {
		frame[i] = complex(0.2, -0.2)
	}
	raw := ioclient.EncodeIQ(frame)

	// Three frames, then EOF.
	src := bytes.NewReader(append(append(append([]byte{}, raw...), raw...), raw...))

	mockDev := radiofrontend.NewMock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Run(ctx, src, mockDev); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
