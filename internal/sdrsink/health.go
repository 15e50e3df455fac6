package sdrsink

import (
	"context"
	"time"

	"github.com/opendigitalradio/dabmod-core/internal/logging"
)

// healthPrintInterval matches OutputUHD.cpp's hardcoded one-second gate
// on the underrun/late-packet status line.
const healthPrintInterval = 1 * time.Second

// HealthMonitor ticks once a second and logs a summary line whenever
// the underrun or late-packet counters have grown since the last tick,
// reproducing OutputUHD.cpp's workerthread status block ("%d underruns
// and %d late packets since last status") rather than logging every
// tick unconditionally.
type HealthMonitor struct {
	sink *SdrSink

	lastUnderflow uint64
	lastLate      uint64
}

func newHealthMonitor(sink *SdrSink) *HealthMonitor {
	return &HealthMonitor{sink: sink}
}

// runHealthMonitor drives the once-per-second summary log until ctx is
// canceled.
func (s *SdrSink) runHealthMonitor(ctx context.Context) {
	m := newHealthMonitor(s)
	ticker := time.NewTicker(healthPrintInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *HealthMonitor) tick() {
	s := m.sink
	underflow, _, _ := s.eventCounts.Snapshot()
	late := s.latePackets.Load()

	if underflow > m.lastUnderflow || late > m.lastLate {
		usrpTime := ""
		if now, err := s.dev.Now(context.Background()); err == nil {
			usrpTime = formatFloat(now.Seconds())
		}
		s.logger.Info("sdrsink status",
			logging.Field{Key: "usrp_time", Value: usrpTime},
			logging.Field{Key: "underruns_since_last_status", Value: underflow - m.lastUnderflow},
			logging.Field{Key: "late_packets_since_last_status", Value: late - m.lastLate})
	}

	m.lastUnderflow = underflow
	m.lastLate = late
}
