package dpd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opendigitalradio/dabmod-core/internal/remotecontrol"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

func writeCoefFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "coefs.txt")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write coef file: %v", err)
	}
	return path
}

func identityOddPolyFile(t *testing.T) string {
	// Tag 1, 5 coefs, AM = [1,0,0,0,0] (identity amplitude), PM = all
	// zero (identity phase): out == in.
	return writeCoefFile(t, "1 5 1 0 0 0 0 0 0 0 0 0\n")
}

func unknownFormatFile(t *testing.T) string {
	return writeCoefFile(t, "99\n")
}

func TestProcessPipelineDelay(t *testing.T) {
	path := identityOddPolyFile(t)
	m, err := New(path, 2, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	mkBuf := func(v complex64, n int) sample.Buffer {
		b := make(sample.Buffer, n)
		for i := range b {
			b[i] = v
		}
		return b
	}

	n := 16
	x1 := mkBuf(1+0i, n)
	x2 := mkBuf(2+0i, n)
	x3 := mkBuf(3+0i, n)

	y1 := m.Process(x1)
	y2 := m.Process(x2)
	y3 := m.Process(x3)

	for i := 0; i < n; i++ {
		if y1[i] != 0 {
			t.Fatalf("y1[%d] = %v, want 0 (filler)", i, y1[i])
		}
		if y2[i] != 0 {
			t.Fatalf("y2[%d] = %v, want 0 (filler)", i, y2[i])
		}
		if y3[i] != x1[i] {
			t.Fatalf("y3[%d] = %v, want %v (identity correction of x1)", i, y3[i], x1[i])
		}
	}
}

func TestUnknownFormatDisablesDPDWithoutError(t *testing.T) {
	path := unknownFormatFile(t)
	m, err := New(path, 0, nil, nil)
	if err != nil {
		t.Fatalf("New should not fail on an unknown format tag: %v", err)
	}
	defer m.Close()

	n := 8
	in := make(sample.Buffer, n)
	for i := range in {
		in[i] = complex(float32(i), -float32(i))
	}

	m.Process(in)
	m.Process(make(sample.Buffer, n))
	out := m.Process(make(sample.Buffer, n))

	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d = %v, want pass-through %v", i, out[i], in[i])
		}
	}
}

func TestRemoteControlNcoefsAndReload(t *testing.T) {
	path := identityOddPolyFile(t)
	reg := remotecontrol.NewRegistry()
	m, err := New(path, 1, reg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	got, err := reg.Get("memlesspoly", "ncoefs")
	if err != nil || got != "5" {
		t.Fatalf("ncoefs = (%q, %v), want (5, nil)", got, err)
	}

	if err := reg.Set("memlesspoly", "ncoefs", "7"); err == nil {
		t.Fatalf("ncoefs should be read-only")
	}

	lutPath := writeCoefFile(t, "2 1000000\n"+repeatToken("1", lutEntries))
	if err := reg.Set("memlesspoly", "coeffile", lutPath); err != nil {
		t.Fatalf("set coeffile: %v", err)
	}
	got, err = reg.Get("memlesspoly", "ncoefs")
	if err != nil || got != "32" {
		t.Fatalf("after LUT reload, ncoefs = (%q, %v), want (32, nil)", got, err)
	}
}

func repeatToken(tok string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += tok + " "
	}
	return out
}
