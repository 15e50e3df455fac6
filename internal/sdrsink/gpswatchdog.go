package sdrsink

import (
	"context"
	"time"

	"github.com/opendigitalradio/dabmod-core/internal/logging"
)

// runGPSWatchdog polls GPS lock after bring-up and enforces the
// holdover limit: lock may be lost for up to MaxGPSHoldoverS seconds
// before the condition becomes fatal (§4.3 GPS watchdog).
//
// This simplifies the original's two-phase launch/harvest background
// thread (which overlaps a blocking hardware query with the poll
// interval) since radiofrontend.Device.PollGPSLocked is already a
// single synchronous call here; a ticker polling it directly is
// equivalent and avoids reproducing the overlap machinery for no
// benefit.
func (s *SdrSink) runGPSWatchdog(ctx context.Context) {
	if s.cfg.GPSFixCheckIntervalS <= 0 {
		return
	}
	interval := time.Duration(s.cfg.GPSFixCheckIntervalS * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var consecutiveFailures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			locked, ok, err := s.dev.PollGPSLocked(ctx)
			if err != nil {
				s.logger.Warn("GPS poll failed", logging.Field{Key: "error", Value: err})
				continue
			}
			if !ok {
				// No GPS sensor present: nothing to watch.
				return
			}
			s.gpsLocked.Store(locked)
			if locked {
				consecutiveFailures = 0
				continue
			}
			consecutiveFailures++
			holdover := s.cfg.GPSFixCheckIntervalS * float64(consecutiveFailures)
			if holdover > s.cfg.MaxGPSHoldoverS {
				s.fatal(errGPSHoldoverExpired)
				return
			}
			s.logger.Warn("GPS lock lost, within holdover",
				logging.Field{Key: "holdover_s", Value: holdover},
				logging.Field{Key: "max_holdover_s", Value: s.cfg.MaxGPSHoldoverS})
		}
	}
}

// checkRefclk polls the reference clock lock sensor and applies the
// configured loss behaviour. A sensor-absent device disables the check
// permanently via refclkSensorAbsent, matching the health monitor's "disable
// itself silently" rule (§4.3).
func (s *SdrSink) checkRefclk(ctx context.Context) {
	if s.refclkSensorAbsent.Load() {
		return
	}
	locked, ok, err := s.dev.PollRefclkLocked(ctx)
	if err != nil {
		s.logger.Warn("refclk poll failed", logging.Field{Key: "error", Value: err})
		return
	}
	if !ok {
		s.refclkSensorAbsent.Store(true)
		return
	}
	if locked {
		return
	}
	if s.cfg.RefclkLossBehaviour == RefclkLossCrash {
		s.fatal(errRefclkLost)
		return
	}
	s.logger.Warn("reference clock unlocked")
}
