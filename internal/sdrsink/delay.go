package sdrsink

import (
	"sync"

	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

// delayLine implements the static transmitter delay (§4.3: "a static
// delay line ... sized to static_delay_us * sample_rate * sizeof(complex)
// / 1e6 bytes"). Operating in samples rather than bytes, it holds a
// history prefix that is prepended to each incoming buffer, with the
// trailing D samples of the combined stream held back as the new
// history.
type delayLine struct {
	mu      sync.Mutex
	history sample.Buffer
}

// delaySamples converts a static_delay_us microsecond delay into a
// sample count at the given sample rate.
func delaySamples(staticDelayUs int64, sampleRateHz float64) int {
	if staticDelayUs <= 0 {
		return 0
	}
	n := int(float64(staticDelayUs) * sampleRateHz / 1_000_000.0)
	if n < 0 {
		return 0
	}
	return n
}

func newDelayLine(n int) *delayLine {
	return &delayLine{history: make(sample.Buffer, n)}
}

// Process returns in delayed by the line's current depth: it prepends
// the held-back history to in and retains the new tail as history,
// emitting a buffer the same length as in.
func (d *delayLine) Process(in sample.Buffer) sample.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.history)
	if n == 0 {
		return in
	}

	combined := make(sample.Buffer, n+len(in))
	copy(combined, d.history)
	copy(combined[n:], in)

	out := combined[:len(in)]
	d.history = combined[len(in):].Clone()
	return out
}

// Resize changes the delay depth, used by the staticdelay remote-control
// write. The resize transition isn't specified by the original bring-up
// sequence (that only sizes the line once, at construction); a grow
// zero-fills the new history so the next Process call doesn't emit
// stale samples, and a shrink drops the oldest samples.
func (d *delayLine) Resize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 0 {
		n = 0
	}
	switch {
	case n == len(d.history):
		return
	case n < len(d.history):
		d.history = d.history[len(d.history)-n:].Clone()
	default:
		grown := make(sample.Buffer, n)
		copy(grown[n-len(d.history):], d.history)
		d.history = grown
	}
}

// Len returns the current delay depth in samples.
func (d *delayLine) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}
