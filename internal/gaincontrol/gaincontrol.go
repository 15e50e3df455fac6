// Package gaincontrol implements §4.1 of the spec: per-buffer amplitude
// normalization ahead of the digital pre-distorter, with three
// selectable regimes (FIX/MAX/VAR) and a narrow remote-control surface.
package gaincontrol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/opendigitalradio/dabmod-core/internal/logging"
	"github.com/opendigitalradio/dabmod-core/internal/remotecontrol"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

// Mode selects how the per-buffer divisor D is computed (§4.1 table).
type Mode int

const (
	// ModeFix: D is the constant Normalise.
	ModeFix Mode = iota
	// ModeMax: D is the maximum |x_i| among non-zero samples.
	ModeMax
	// ModeVar: D = sqrt(VarVariance * mean(|x_i|^2)).
	ModeVar
)

func (m Mode) String() string {
	switch m {
	case ModeFix:
		return "fix"
	case ModeMax:
		return "max"
	case ModeVar:
		return "var"
	default:
		return "unknown"
	}
}

// ParseMode parses the rc string form of Mode, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fix":
		return ModeFix, nil
	case "max":
		return ModeMax, nil
	case "var":
		return ModeVar, nil
	default:
		return 0, fmt.Errorf("invalid gain mode %q, want one of fix/max/var", s)
	}
}

// Config carries the construction-time parameters (§4.1).
type Config struct {
	Mode        Mode
	DigitalGain float32
	Normalise   float32 // fixed at construction, not remote-controllable
	VarVariance float32
}

// GainControl scales an input buffer by digital_gain/D each call. The
// three rc-mutable fields (Mode, VarVariance, DigitalGain) are read under
// a single short-held lock per buffer, matching §4.1's concurrency note.
type GainControl struct {
	mu          sync.Mutex
	mode        Mode
	digitalGain float32
	varVariance float32
	normalise   float32

	logger logging.Logger
}

const componentName = "gaincontrol"

// New constructs a GainControl stage and registers its remote-control
// parameters into reg.
func New(cfg Config, reg *remotecontrol.Registry, logger logging.Logger) *GainControl {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Normalise == 0 {
		cfg.Normalise = 1
	}
	if cfg.VarVariance == 0 {
		cfg.VarVariance = 1
	}
	g := &GainControl{
		mode:        cfg.Mode,
		digitalGain: cfg.DigitalGain,
		varVariance: cfg.VarVariance,
		normalise:   cfg.Normalise,
		logger:      logger.Named(componentName),
	}
	if reg != nil {
		g.register(reg)
	}
	return g
}

func (g *GainControl) register(reg *remotecontrol.Registry) {
	reg.Register(componentName,
		remotecontrol.Parameter{
			Name: "mode",
			Get:  func() string { g.mu.Lock(); defer g.mu.Unlock(); return g.mode.String() },
			Set: func(v string) error {
				mode, err := ParseMode(v)
				if err != nil {
					return &remotecontrol.ParameterError{Component: componentName, Parameter: "mode", Reason: err.Error()}
				}
				g.mu.Lock()
				g.mode = mode
				g.mu.Unlock()
				return nil
			},
		},
		remotecontrol.Parameter{
			Name: "digital_gain",
			Get:  func() string { g.mu.Lock(); defer g.mu.Unlock(); return formatFloat(g.digitalGain) },
			Set:  g.setFloatField(&g.digitalGain, "digital_gain"),
		},
		remotecontrol.Parameter{
			Name: "normalise",
			Get:  func() string { g.mu.Lock(); defer g.mu.Unlock(); return formatFloat(g.normalise) },
		},
		remotecontrol.Parameter{
			Name: "var_variance",
			Get:  func() string { g.mu.Lock(); defer g.mu.Unlock(); return formatFloat(g.varVariance) },
			Set: func(v string) error {
				f, err := strconv.ParseFloat(v, 32)
				if err != nil {
					return &remotecontrol.ParameterError{Component: componentName, Parameter: "var_variance", Reason: "not a number"}
				}
				if f <= 0 {
					return &remotecontrol.ParameterError{Component: componentName, Parameter: "var_variance", Reason: "must be > 0"}
				}
				g.mu.Lock()
				g.varVariance = float32(f)
				g.mu.Unlock()
				return nil
			},
		},
	)
}

func (g *GainControl) setFloatField(field *float32, name string) remotecontrol.Setter {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return &remotecontrol.ParameterError{Component: componentName, Parameter: name, Reason: "not a number"}
		}
		g.mu.Lock()
		*field = float32(f)
		g.mu.Unlock()
		return nil
	}
}

func formatFloat(f float32) string {
	return strconv.FormatFloat(float64(f), 'g', -1, 32)
}

// Process scales in-place into out (which must be pre-sized to len(in))
// by digital_gain/D. Output length always equals input length.
func (g *GainControl) Process(in sample.Buffer, out sample.Buffer) {
	g.mu.Lock()
	mode := g.mode
	digitalGain := g.digitalGain
	varVariance := g.varVariance
	normalise := g.normalise
	g.mu.Unlock()

	var d float32
	switch mode {
	case ModeFix:
		d = computeFix(normalise)
	case ModeMax:
		d = computeMax(in, normalise)
	case ModeVar:
		d = computeVar(in, varVariance, normalise)
	default:
		d = normalise
	}

	scale := digitalGain / d
	for i, x := range in {
		out[i] = x * complex(scale, 0)
	}
}

func computeFix(normalise float32) float32 {
	return normalise
}

func computeMax(in sample.Buffer, normalise float32) float32 {
	var maxAbs float32
	for _, x := range in {
		m := cabs(x)
		if m > maxAbs {
			maxAbs = m
		}
	}
	if maxAbs == 0 {
		return normalise
	}
	return maxAbs
}

func computeVar(in sample.Buffer, varVariance, normalise float32) float32 {
	if len(in) == 0 {
		return normalise
	}
	var sumSq float32
	for _, x := range in {
		m := cabs(x)
		sumSq += m * m
	}
	meanSq := sumSq / float32(len(in))
	d := float32(math.Sqrt(float64(varVariance * meanSq)))
	if d == 0 {
		return normalise
	}
	return d
}

func cabs(x complex64) float32 {
	r, i := real(x), imag(x)
	return float32(math.Hypot(float64(r), float64(i)))
}
