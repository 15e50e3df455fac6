// Package sample defines the complex-baseband buffer type shared by every
// stage of the pipeline (GainControl, MemlessPoly, SdrSink) and the
// fixed-length invariant that binds them together (§3 of the spec).
package sample

import "fmt"

// Buffer is an ordered sequence of complex single-precision I/Q samples.
type Buffer []complex64

// Clone returns a copy of b, safe to mutate independently of the original.
func (b Buffer) Clone() Buffer {
	out := make(Buffer, len(b))
	copy(out, b)
	return out
}

// LengthGuard enforces that every buffer observed after the first has the
// same length. The spec treats a mid-stream length change as fatal
// (§3 Invariants); any change is reported rather than silently absorbed.
type LengthGuard struct {
	want int
	set  bool
}

// Observe checks n against the length recorded by the first call. It
// returns an error once a later call disagrees with the first.
func (g *LengthGuard) Observe(n int) error {
	if !g.set {
		g.want = n
		g.set = true
		return nil
	}
	if n != g.want {
		return fmt.Errorf("sample buffer length changed from %d to %d samples", g.want, n)
	}
	return nil
}

// Len returns the length recorded by the first Observe call, or 0 if none
// has happened yet.
func (g *LengthGuard) Len() int {
	return g.want
}
