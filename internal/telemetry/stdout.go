package telemetry

import (
	"github.com/opendigitalradio/dabmod-core/internal/logging"
)

// Reporter captures a health sample.
type Reporter interface {
	Report(s Sample)
}

// StdoutReporter logs every health sample it is given through the
// structured logger.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(s Sample) {
	r.logger.Info("pipeline health",
		logging.Field{Key: "underruns", Value: s.Underruns},
		logging.Field{Key: "late_packets", Value: s.LatePackets},
		logging.Field{Key: "frames", Value: s.Frames},
		logging.Field{Key: "gps_locked", Value: s.GPSLocked},
		logging.Field{Key: "dpd_reloads", Value: s.DPDReloads},
	)
}

// MultiReporter fans out a health sample to multiple destinations.
type MultiReporter []Reporter

func (m MultiReporter) Report(s Sample) {
	for _, r := range m {
		if r != nil {
			r.Report(s)
		}
	}
}
