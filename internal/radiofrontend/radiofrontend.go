// Package radiofrontend binds SdrSink to the opaque vendor SDR driver
// (§4.3: "exact binding is out of scope"). The Device interface is the
// seam: the default implementation drives an IIOD-speaking transmitter
// over internal/ioclient, adapted from the teacher's AD9361/Pluto
// backend bring-up sequence, generalized to the UHD-style attribute set
// the spec names (clock/time source, tx/rx rate, tune, gain, antenna,
// GPS/refclk sensors).
package radiofrontend

import (
	"context"
	"fmt"

	"github.com/opendigitalradio/dabmod-core/internal/dabtime"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

// Config carries the bring-up parameters enumerated in §4.3.
type Config struct {
	URI              string // not read by NewIOClientDevice, which takes the address as its own argument
	SampleRate       float64
	Frequency        float64
	LOOffset         float64
	TxGain, RxGain   float64
	MasterClockRate  float64
	RefclkSrc        string // internal, external, gpsdo, gpsdo-ettus
	PPSSrc           string // none, external, gpsdo
	RequireGPSLock   bool
	InitialGPSFixWait float64 // seconds, fatal on expiry
	MaxNumSamps      int

	// PhyDevice, TxDevice, RxDevice name the IIO devices to bind to.
	// Left empty, ioclientDevice auto-detects them from the server's
	// device list by substring match (phy/tx/rx), mirroring the
	// teacher's AD9361 device identification.
	PhyDevice, TxDevice, RxDevice string
}

// RateAssertionPPM is the tolerance the bring-up sequence asserts
// readback rates against (§4.3: "asserted against driver readback
// within 1 ppm").
const RateAssertionPPM = 1.0

// AsyncEventKind classifies a driver-reported async TX event (§4.3
// health monitoring).
type AsyncEventKind int

const (
	EventBurstAck AsyncEventKind = iota
	EventUnderflow
	EventTimeError
	EventSeqError
	EventUnderflowInPacket
	EventSeqErrorInBurst
)

func (k AsyncEventKind) String() string {
	switch k {
	case EventBurstAck:
		return "burst_ack"
	case EventUnderflow:
		return "underflow"
	case EventTimeError:
		return "time_error"
	case EventSeqError:
		return "seq_error"
	case EventUnderflowInPacket:
		return "underflow_in_packet"
	case EventSeqErrorInBurst:
		return "seq_error_in_burst"
	default:
		return "unknown"
	}
}

// AsyncEvent is one entry from the driver's async-event stream.
type AsyncEvent struct {
	Kind AsyncEventKind
	At   dabtime.Timestamp
}

// Device is the opaque vendor SDR driver seam. Implementations need not
// be IIOD-backed; a test double (MockDevice) and the IIOD-backed
// ioclientDevice both satisfy it.
type Device interface {
	// Configure runs the bring-up sequence's clock/time/rate/tune/gain
	// steps (§4.3 steps 1-4).
	Configure(ctx context.Context, cfg Config) error

	// PollGPSLocked reports whether the GPS sensor currently reports a
	// time lock. ok is false if no GPS sensor is present at all, in
	// which case the caller must not treat the poll as a failed lock
	// attempt.
	PollGPSLocked(ctx context.Context) (locked, ok bool, err error)

	// PollRefclkLocked reports reference-clock lock status. ok is
	// false if no refclk-lock sensor is present, in which case the
	// monitor must disable itself silently (§4.3 health monitoring).
	PollRefclkLocked(ctx context.Context) (locked, ok bool, err error)

	// SetTimeUnknownPPS arms the device to latch its internal time to
	// seconds on the next PPS edge (bring-up step 6).
	SetTimeUnknownPPS(ctx context.Context, seconds uint32) error

	// SetTimeNow sets the device time immediately to wall clock,
	// the PPS-unavailable fallback in bring-up step 6.
	SetTimeNow(ctx context.Context) error

	// Now reads the device's current hardware time, used by the TX
	// state machine to check an attached timestamp against the SDR
	// clock (§4.3: "ahead of/behind SDR time").
	Now(ctx context.Context) (dabtime.Timestamp, error)

	// SendBurst transmits one fragment with an optional hardware
	// timestamp and an end-of-burst marker, returning the number of
	// samples the driver accepted.
	SendBurst(ctx context.Context, data sample.Buffer, ts dabtime.Timestamp, hasTime bool, endOfBurst bool) (int, error)

	// SendFreeRunning transmits one fragment with no timestamp
	// attached (bring-up §4.3: "without timestamp ... transmit
	// free-running").
	SendFreeRunning(ctx context.Context, data sample.Buffer) (int, error)

	// RecvSamples captures n samples on the feedback RX path, used by
	// FeedbackServer.
	RecvSamples(ctx context.Context, n int) (sample.Buffer, dabtime.Timestamp, error)

	// Events returns the channel the async-event printer drains.
	Events() <-chan AsyncEvent

	// SetTxGain and SetRxGain implement the txgain/rxgain rc
	// parameters.
	SetTxGain(ctx context.Context, gainDB float64) error
	SetRxGain(ctx context.Context, gainDB float64) error

	// SetFrequency retunes both TX and RX to the same centre
	// frequency, implementing the freq rc parameter.
	SetFrequency(ctx context.Context, hz, loOffset float64) error

	MaxNumSamps() int

	Close() error
}

// assertWithinPPM reports whether readback is within ppm of want,
// matching bring-up step 2's rate-readback assertion.
func assertWithinPPM(want, readback, ppm float64) error {
	if want == 0 {
		return nil
	}
	tolerance := want * ppm / 1_000_000
	diff := readback - want
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		return fmt.Errorf("radiofrontend: rate readback %.3f differs from requested %.3f by more than %g ppm", readback, want, ppm)
	}
	return nil
}
