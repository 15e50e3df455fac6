// Package pipeline wires the three processing stages — GainControl,
// MemlessPoly, SdrSink — into the single forward data path described in
// §2 of the spec: "upstream producer -> GainControl -> MemlessPoly ->
// SdrSink -> hardware". It mirrors the teacher's internal/app.Tracker:
// a Config struct, a constructor that builds the stage objects, and an
// New/Run pair driven by a context.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/opendigitalradio/dabmod-core/internal/dabtime"
	"github.com/opendigitalradio/dabmod-core/internal/dpd"
	"github.com/opendigitalradio/dabmod-core/internal/gaincontrol"
	"github.com/opendigitalradio/dabmod-core/internal/ioclient"
	"github.com/opendigitalradio/dabmod-core/internal/logging"
	"github.com/opendigitalradio/dabmod-core/internal/radiofrontend"
	"github.com/opendigitalradio/dabmod-core/internal/remotecontrol"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
	"github.com/opendigitalradio/dabmod-core/internal/sdrsink"
	"github.com/opendigitalradio/dabmod-core/internal/telemetry"
)

// Config carries the per-stage construction parameters the pipeline
// scaffold needs to bring every stage up in dependency order (§2:
// "GainControl, MemlessPoly, FeedbackServer, SdrSink").
type Config struct {
	GainControl gaincontrol.Config
	CoefsFile   string
	DPDThreads  int
	SdrSink     sdrsink.Config
	FrameLength int
}

// Pipeline owns the three constructed stages and the telemetry hub that
// samples their counters.
type Pipeline struct {
	gain *gaincontrol.GainControl
	dpd  *dpd.MemlessPoly
	sink *sdrsink.SdrSink

	hub    *telemetry.Hub
	logger logging.Logger

	frameLength int
}

// New constructs every stage, registering each one's remote-control
// surface into reg, and brings SdrSink up (the only stage whose
// construction talks to hardware).
func New(ctx context.Context, cfg Config, dev radiofrontend.Device, reg *remotecontrol.Registry, hub *telemetry.Hub, logger logging.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.Named("pipeline")

	gain := gaincontrol.New(cfg.GainControl, reg, logger)

	mp, err := dpd.New(cfg.CoefsFile, cfg.DPDThreads, reg, logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline: construct MemlessPoly: %w", err)
	}

	sink, err := sdrsink.New(ctx, cfg.SdrSink, dev, reg, logger)
	if err != nil {
		mp.Close()
		return nil, fmt.Errorf("pipeline: construct SdrSink: %w", err)
	}

	return &Pipeline{
		gain:        gain,
		dpd:         mp,
		sink:        sink,
		hub:         hub,
		logger:      logger,
		frameLength: cfg.FrameLength,
	}, nil
}

// Process drives one buffer through GainControl -> MemlessPoly ->
// SdrSink, then reports counters to the telemetry hub.
func (p *Pipeline) Process(ts dabtime.Timestamp, in sample.Buffer) error {
	scaled := make(sample.Buffer, len(in))
	p.gain.Process(in, scaled)
	predistorted := p.dpd.Process(scaled)
	if err := p.sink.Push(ts, predistorted); err != nil {
		return fmt.Errorf("pipeline: push to SdrSink: %w", err)
	}
	if p.hub != nil {
		p.hub.Report(telemetry.Sample{
			Timestamp:   time.Now(),
			Underruns:   p.sink.Underruns(),
			LatePackets: p.sink.LatePackets(),
			Frames:      p.sink.Frames(),
			GPSLocked:   p.sink.GPSLocked(),
		})
	}
	return nil
}

// Run reads fixed-length complex-baseband frames from src (the
// "upstream producer" the spec assumes but puts out of scope, §1
// Non-goals: "implementing the transport-stream parser") and feeds
// them through Process until src is exhausted or ctx is canceled.
// Timestamps are synthesized by advancing from the SDR's current
// hardware time, since an external ETI/OFDM source is not modeled.
func (p *Pipeline) Run(ctx context.Context, src io.Reader, dev radiofrontend.Device) error {
	cur, err := dev.Now(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: read initial device time: %w", err)
	}
	cur.Valid = true

	raw := make([]byte, p.frameLength*4)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := io.ReadFull(src, raw); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("pipeline: read frame: %w", err)
		}
		frame, err := ioclient.DecodeIQ(raw)
		if err != nil {
			return fmt.Errorf("pipeline: decode frame: %w", err)
		}
		if err := p.Process(cur, frame); err != nil {
			return err
		}
		cur = cur.Advance(len(frame), p.sink.SampleRate())
	}
}

// Stop drains SdrSink and releases the MemlessPoly worker pool.
func (p *Pipeline) Stop() {
	p.sink.Stop()
	p.dpd.Close()
}
