package gaincontrol

import (
	"math"
	"testing"

	"github.com/opendigitalradio/dabmod-core/internal/remotecontrol"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

func almostEqual(a, b complex64, eps float64) bool {
	dr := float64(real(a) - real(b))
	di := float64(imag(a) - imag(b))
	return math.Hypot(dr, di) < eps
}

func TestFixIdentity(t *testing.T) {
	g := New(Config{Mode: ModeFix, DigitalGain: 1, Normalise: 1}, nil, nil)
	in := make(sample.Buffer, 2048)
	for i := range in {
		in[i] = 1 + 0i
	}
	out := make(sample.Buffer, len(in))
	g.Process(in, out)
	for i, v := range out {
		if v != (1 + 0i) {
			t.Fatalf("sample %d = %v, want 1+0i (bit-exact)", i, v)
		}
	}
}

func TestMaxNormalisation(t *testing.T) {
	g := New(Config{Mode: ModeMax, DigitalGain: 1, Normalise: 1}, nil, nil)
	in := sample.Buffer{2 + 0i, 0 + 0i, 0 + 1i, -3 + 0i}
	out := make(sample.Buffer, len(in))
	g.Process(in, out)
	want := sample.Buffer{
		complex64(complex(2.0/3.0, 0)),
		0,
		complex64(complex(0, 1.0/3.0)),
		complex64(complex(-1, 0)),
	}
	for i := range want {
		if !almostEqual(out[i], want[i], 1e-6) {
			t.Fatalf("sample %d = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestVarZeroInputNoNaN(t *testing.T) {
	g := New(Config{Mode: ModeVar, VarVariance: 4, Normalise: 2, DigitalGain: 1}, nil, nil)
	in := make(sample.Buffer, 1024)
	out := make(sample.Buffer, len(in))
	g.Process(in, out)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("sample %d = %v, want 0", i, v)
		}
		if math.IsNaN(float64(real(v))) || math.IsNaN(float64(imag(v))) {
			t.Fatalf("sample %d is NaN", i)
		}
	}
}

func TestLengthPreserved(t *testing.T) {
	for _, mode := range []Mode{ModeFix, ModeMax, ModeVar} {
		g := New(Config{Mode: mode, DigitalGain: 1, Normalise: 1, VarVariance: 1}, nil, nil)
		in := make(sample.Buffer, 777)
		out := make(sample.Buffer, len(in))
		g.Process(in, out)
		if len(out) != len(in) {
			t.Fatalf("mode %v: output length %d != input length %d", mode, len(out), len(in))
		}
	}
}

func TestRemoteControlSetGet(t *testing.T) {
	reg := remotecontrol.NewRegistry()
	New(Config{Mode: ModeFix, DigitalGain: 1, Normalise: 1, VarVariance: 1}, reg, nil)

	if err := reg.Set("gaincontrol", "mode", "MAX"); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	got, err := reg.Get("gaincontrol", "mode")
	if err != nil || got != "max" {
		t.Fatalf("get mode = (%q, %v), want (max, nil)", got, err)
	}

	if err := reg.Set("gaincontrol", "mode", "bogus"); err == nil {
		t.Fatalf("expected error for invalid mode")
	}

	if err := reg.Set("gaincontrol", "normalise", "5"); err == nil {
		t.Fatalf("normalise should be read-only")
	}

	if err := reg.Set("gaincontrol", "var_variance", "-1"); err == nil {
		t.Fatalf("expected error for non-positive var_variance")
	}
}
