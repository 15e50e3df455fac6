package dabtime

import "testing"

func TestFrameDurationMs(t *testing.T) {
	cases := map[Mode]int{ModeI: 96, ModeII: 24, ModeIII: 24, ModeIV: 48}
	for mode, want := range cases {
		got, ok := FrameDurationMs(mode)
		if !ok || got != want {
			t.Fatalf("mode %d: got (%d,%v), want %d", mode, got, ok, want)
		}
	}
	if _, ok := FrameDurationMs(Mode(9)); ok {
		t.Fatalf("expected unknown mode to report !ok")
	}
}

func TestFrameLengthSamples(t *testing.T) {
	n, err := FrameLengthSamples(ModeI, 2_048_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := 96 * 2_048_000 / 1000
	if n != want {
		t.Fatalf("got %d, want %d", n, want)
	}
}

func TestAdvancePredictsExactRollover(t *testing.T) {
	ts := Timestamp{Sec: 10, PPS: TicksPerSecond - 5, Valid: true}
	next := ts.Advance(0, 2_048_000)
	if !next.Equal(ts) {
		t.Fatalf("advancing by zero samples changed timestamp")
	}

	// Advance exactly enough ticks to roll the second over.
	ts2 := Timestamp{Sec: 0, PPS: 0, Valid: true}
	n := 2_048_000 // one second's worth of samples at this rate
	got := ts2.Advance(n, 2_048_000)
	want := Timestamp{Sec: 1, PPS: 0, Valid: true}
	if !got.Equal(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDropped(t *testing.T) {
	if !Invalid().Dropped() {
		t.Fatalf("Invalid() should be Dropped()")
	}
	ts := Timestamp{FCT: 42}
	if ts.Dropped() {
		t.Fatalf("fct=42 should not be Dropped()")
	}
}
