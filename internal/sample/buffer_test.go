package sample

import "testing"

func TestLengthGuardObserve(t *testing.T) {
	var g LengthGuard
	if err := g.Observe(2048); err != nil {
		t.Fatalf("first observe: %v", err)
	}
	if err := g.Observe(2048); err != nil {
		t.Fatalf("second observe of same length: %v", err)
	}
	if err := g.Observe(1024); err == nil {
		t.Fatalf("expected error on length change")
	}
	if g.Len() != 2048 {
		t.Fatalf("Len() = %d, want 2048", g.Len())
	}
}

func TestBufferClone(t *testing.T) {
	b := Buffer{1 + 0i, 0 + 1i}
	c := b.Clone()
	c[0] = 9 + 9i
	if b[0] == c[0] {
		t.Fatalf("clone shares storage with original")
	}
}
