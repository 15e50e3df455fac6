// Package dabtime carries the timing primitives shared by the delay line,
// the SdrSink transmit state machine, and the feedback capture protocol:
// the DAB transmission-frame duration table and the hardware Timestamp
// type (§3 of the spec).
package dabtime

import "fmt"

// TicksPerSecond is the sub-second tick rate used throughout the timing
// contract: pps is expressed in units of 1/TicksPerSecond seconds.
const TicksPerSecond = 16_384_000

// Mode identifies one of the four DAB transmission-frame profiles.
type Mode int

const (
	ModeI   Mode = 1
	ModeII  Mode = 2
	ModeIII Mode = 3
	ModeIV  Mode = 4
)

// FrameDurationMs returns the transmission-frame duration, in
// milliseconds, for the given DAB mode. An unknown mode is fatal to the
// caller (§7 class 5) — FrameDurationMs reports it via the bool return
// rather than panicking so callers can decide how to escalate.
func FrameDurationMs(m Mode) (int, bool) {
	switch m {
	case ModeI:
		return 96, true
	case ModeII:
		return 24, true
	case ModeIII:
		return 24, true
	case ModeIV:
		return 48, true
	default:
		return 0, false
	}
}

// FrameLengthSamples returns the number of samples in one transmission
// frame at the given sample rate.
func FrameLengthSamples(m Mode, sampleRateHz float64) (int, error) {
	durMs, ok := FrameDurationMs(m)
	if !ok {
		return 0, fmt.Errorf("unknown DAB mode %d", m)
	}
	return int(float64(durMs) * sampleRateHz / 1000.0), nil
}

// Timestamp is a hardware time reference: an integer second plus a
// sub-second tick count, a validity bit, a refresh (end-of-burst) bit,
// and a frame counter. fct == -1 marks an invalid frame to be dropped.
type Timestamp struct {
	Sec     uint32
	PPS     uint32 // in [0, TicksPerSecond)
	Valid   bool
	Refresh bool
	FCT     int32
}

// Invalid is the zero-value-equivalent timestamp carrying no usable time.
func Invalid() Timestamp {
	return Timestamp{FCT: -1}
}

// Dropped reports whether this timestamp marks a frame to be dropped
// rather than modulated.
func (t Timestamp) Dropped() bool {
	return t.FCT == -1
}

// Seconds returns the timestamp expressed as a floating point second
// count, suitable for comparison against a driver's time_spec.
func (t Timestamp) Seconds() float64 {
	return float64(t.Sec) + float64(t.PPS)/float64(TicksPerSecond)
}

// Sub returns t - o in seconds. A negative result means t is before o.
func (t Timestamp) Sub(o Timestamp) float64 {
	return t.Seconds() - o.Seconds()
}

// Advance returns a timestamp numSamples after t at the given sample
// rate, preserving Valid/Refresh/FCT. This implements the
// Δticks = N × TicksPerSecond / sampleRate prediction rule (§4.3).
func (t Timestamp) Advance(numSamples int, sampleRateHz float64) Timestamp {
	deltaTicks := uint64(float64(numSamples) * float64(TicksPerSecond) / sampleRateHz)
	sec := t.Sec
	pps := uint64(t.PPS) + deltaTicks
	for pps >= TicksPerSecond {
		pps -= TicksPerSecond
		sec++
	}
	out := t
	out.Sec = sec
	out.PPS = uint32(pps)
	return out
}

// Equal reports whether two timestamps carry the same (sec, pps), used by
// the discontinuity check in the TX state machine (§8 testable property:
// "predicted and received (sec, pps) agree exactly").
func (t Timestamp) Equal(o Timestamp) bool {
	return t.Sec == o.Sec && t.PPS == o.PPS
}
