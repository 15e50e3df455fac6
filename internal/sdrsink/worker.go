package sdrsink

import (
	"context"
	"time"

	"github.com/opendigitalradio/dabmod-core/internal/dabtime"
	"github.com/opendigitalradio/dabmod-core/internal/logging"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

// runWorker is the TX loop: pop a frame (with the prebuffering depth
// the last underrun established), hand it to the driver, and adjust
// the prebuffering depth for the next pop (§4.3: "pop_prebuffering
// reset to FRAMES_MAX_SIZE after any underrun, else 1").
func (s *SdrSink) runWorker(ctx context.Context) {
	for {
		depth := int(s.popPrebuffering.Load())
		if depth < 1 {
			depth = 1
		}
		entry, ok := s.fifo.WaitAndPop(depth)
		if !ok {
			return
		}

		underflow, _, _ := s.eventCounts.Snapshot()
		if underflow > s.lastUnderflow.Load() {
			s.lastUnderflow.Store(underflow)
			s.popPrebuffering.Store(framesMaxSize)
		} else {
			s.popPrebuffering.Store(1)
		}

		s.handleFrame(ctx, entry)

		if ctx.Err() != nil {
			return
		}
	}
}

// handleFrame applies the timestamp discontinuity/in-past/too-far-
// future checks, transmits the frame, and offers it to the feedback
// server (§4.3 handle_frame, tx_frame).
func (s *SdrSink) handleFrame(ctx context.Context, entry fifoEntry) {
	s.checkRefclk(ctx)

	buf, ts := entry.buf, entry.ts

	s.rcMu.Lock()
	muting := s.muting
	s.rcMu.Unlock()

	if !ts.Valid {
		if s.cfg.MuteNoTimestamps || muting {
			time.Sleep(time.Duration(float64(len(buf))/s.cfg.SampleRate*float64(time.Second)))
			s.logger.Warn("dropping untimestamped frame (muting)")
			return
		}
		s.transmitFreeRunning(ctx, buf)
		s.frames.Add(1)
		s.offerFeedback(buf, ts)
		return
	}

	now, err := s.dev.Now(ctx)
	if err != nil {
		s.logger.Warn("read device time failed", logging.Field{Key: "error", Value: err})
	} else {
		aheadS := ts.Sub(now)
		if aheadS > s.cfg.TimestampAbortFutureS {
			s.fatal(errTimestampTooFarFuture)
			return
		}
		if aheadS < -20 {
			s.latePackets.Add(1)
			s.logger.Warn("dropping frame more than 20s in the past",
				logging.Field{Key: "behind_s", Value: -aheadS})
			return
		}
		if aheadS < 0 {
			s.latePackets.Add(1)
		}
	}

	discontinuity := s.checkDiscontinuity(ts, len(buf))

	s.transmitTimestamped(ctx, buf, ts, discontinuity)
	s.frames.Add(1)
	s.offerFeedback(buf, ts)

	s.lastTXMu.Lock()
	s.lastTX = ts.Advance(len(buf), s.cfg.SampleRate)
	s.lastTXMu.Unlock()
}

// checkDiscontinuity reports whether the received timestamp disagrees
// with the one predicted from the last transmitted frame (§8 testable
// property: "predicted and received (sec, pps) agree exactly"),
// logging a warning when it does. The result feeds transmitTimestamped's
// end-of-burst decision (OutputUHD.cpp tx_frame's ts_update argument).
func (s *SdrSink) checkDiscontinuity(ts dabtime.Timestamp, numSamples int) bool {
	s.lastTXMu.Lock()
	last := s.lastTX
	s.lastTXMu.Unlock()
	if last.Sec == 0 && last.PPS == 0 {
		return false
	}
	predicted := last
	if !predicted.Equal(ts) {
		s.logger.Warn("timestamp discontinuity",
			logging.Field{Key: "predicted_sec", Value: predicted.Sec},
			logging.Field{Key: "predicted_pps", Value: predicted.PPS},
			logging.Field{Key: "got_sec", Value: ts.Sec},
			logging.Field{Key: "got_pps", Value: ts.PPS})
		return true
	}
	return false
}

// transmitTimestamped fragments buf into driver-sized bursts, attaching
// ts and its per-fragment advance (§4.3 tx_frame fragmentation).
// end_of_burst follows OutputUHD.cpp's tx_frame exactly: set only when
// the timestamp's own refresh bit is set or a discontinuity was just
// detected, and then only on the final fragment of buf — never on the
// last fragment unconditionally.
func (s *SdrSink) transmitTimestamped(ctx context.Context, buf sample.Buffer, ts dabtime.Timestamp, discontinuity bool) {
	maxSamps := s.dev.MaxNumSamps()
	if maxSamps <= 0 {
		maxSamps = len(buf)
	}
	sent := 0
	cur := ts
	for sent < len(buf) {
		n := len(buf) - sent
		if n > maxSamps {
			n = maxSamps
		}
		remaining := len(buf) - sent
		endOfBurst := (ts.Refresh || discontinuity) && remaining <= maxSamps
		frag := buf[sent : sent+n]
		if _, err := s.dev.SendBurst(ctx, frag, cur, true, endOfBurst); err != nil {
			s.logger.Warn("send burst failed", logging.Field{Key: "error", Value: err})
			return
		}
		sent += n
		cur = cur.Advance(n, s.cfg.SampleRate)
	}
}

// transmitFreeRunning fragments buf with no timestamp attached.
func (s *SdrSink) transmitFreeRunning(ctx context.Context, buf sample.Buffer) {
	maxSamps := s.dev.MaxNumSamps()
	if maxSamps <= 0 {
		maxSamps = len(buf)
	}
	sent := 0
	for sent < len(buf) {
		n := len(buf) - sent
		if n > maxSamps {
			n = maxSamps
		}
		frag := buf[sent : sent+n]
		if _, err := s.dev.SendFreeRunning(ctx, frag); err != nil {
			s.logger.Warn("send free-running burst failed", logging.Field{Key: "error", Value: err})
			return
		}
		sent += n
	}
}

// offerFeedback hands the just-transmitted buffer to the feedback
// server. A crashed/restarting server simply drops the offer: feedback
// faults never affect the TX path (§7).
func (s *SdrSink) offerFeedback(buf sample.Buffer, ts dabtime.Timestamp) {
	s.rcMu.Lock()
	srv := s.feedback
	s.rcMu.Unlock()
	if srv == nil {
		return
	}
	srv.SetTxFrame(buf, ts)
}
