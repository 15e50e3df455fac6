// Package sdrsink implements §4.3 of the spec: the final pipeline
// stage that hands timestamped I/Q bursts to the SDR, maintains the
// static transmit delay, runs the bring-up sequence, and watches GPS
// and reference-clock health. It owns an optional feedback.Server used
// by the digital pre-distorter to pull matched TX/RX capture pairs.
package sdrsink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opendigitalradio/dabmod-core/internal/dabtime"
	"github.com/opendigitalradio/dabmod-core/internal/feedback"
	"github.com/opendigitalradio/dabmod-core/internal/logging"
	"github.com/opendigitalradio/dabmod-core/internal/radiofrontend"
	"github.com/opendigitalradio/dabmod-core/internal/remotecontrol"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

const componentName = "sdrsink"

// RefclkLossBehaviour selects how a lost reference-clock lock is
// handled after bring-up (§4.3 health monitoring).
type RefclkLossBehaviour int

const (
	RefclkLossWarn RefclkLossBehaviour = iota
	RefclkLossCrash
)

// TXState is one of the four states of the transmit state machine
// (§4.3: "Idle -> Running -> Draining -> Stopped").
type TXState int32

const (
	StateIdle TXState = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s TXState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config carries SdrSink's construction-time parameters (§4.3
// configuration table).
type Config struct {
	SampleRate      float64
	Frequency       float64
	LOOffset        float64
	TxGain, RxGain  float64
	MasterClockRate float64
	RefclkSrc       string
	PPSSrc          string
	EnableSync      bool

	MuteNoTimestamps bool
	StaticDelayUs    int64

	RequireGPSLock       bool
	InitialGPSFixWait    float64
	MaxGPSHoldoverS      float64
	GPSFixCheckIntervalS float64

	RefclkLossBehaviour RefclkLossBehaviour

	Mode dabtime.Mode

	// TimestampAbortFutureS is the TIMESTAMP_ABORT_FUTURE threshold: a
	// frame timestamped further ahead of the SDR clock than this is a
	// fatal error rather than a drop (§4.3, default 10s per the
	// original source).
	TimestampAbortFutureS float64

	// DPDFeedbackPort is the feedback.Server TCP port; 0 disables it.
	DPDFeedbackPort int
}

var (
	errGPSHoldoverExpired = errors.New("sdrsink: GPS holdover time exceeded")
	errRefclkLost         = errors.New("sdrsink: reference clock lost lock")
	errTimestampTooFarFuture = errors.New("sdrsink: frame timestamped too far in the future")
	errBufferLengthChanged   = errors.New("sdrsink: buffer length changed mid-stream")
)

// SdrSink is the final pipeline stage described above.
type SdrSink struct {
	cfg    Config
	dev    radiofrontend.Device
	logger logging.Logger

	state atomic.Int32 // TXState

	rcMu          sync.Mutex
	txGainDB      float64
	rxGainDB      float64
	freqHz        float64
	loOffsetHz    float64
	muting        bool
	staticDelayUs int64

	delay *delayLine
	fifo  *boundedFIFO

	lengthGuard sample.LengthGuard

	eventCounts *radiofrontend.EventCounts
	latePackets atomic.Uint64
	frames      atomic.Uint64

	feedback *feedback.Server
	reg      *remotecontrol.Registry

	gpsLocked          atomic.Bool
	refclkSensorAbsent atomic.Bool

	lastUnderflow atomic.Uint64
	popPrebuffering atomic.Int32

	lastTX   dabtime.Timestamp
	lastTXMu sync.Mutex

	fatalOnce sync.Once
	fatalErr  error
	cancel    context.CancelFunc
	done      chan struct{}
}

// New brings a SdrSink up: configures the device, waits for the initial
// GPS fix if required, sets the device clock, and sizes the static
// delay line (§4.3 bring-up steps 1-7).
func New(ctx context.Context, cfg Config, dev radiofrontend.Device, reg *remotecontrol.Registry, logger logging.Logger) (*SdrSink, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.Named(componentName)

	rfCfg := radiofrontend.Config{
		SampleRate:      cfg.SampleRate,
		Frequency:       cfg.Frequency,
		LOOffset:        cfg.LOOffset,
		TxGain:          cfg.TxGain,
		RxGain:          cfg.RxGain,
		MasterClockRate: cfg.MasterClockRate,
		RefclkSrc:       cfg.RefclkSrc,
		PPSSrc:          cfg.PPSSrc,
		RequireGPSLock:  cfg.RequireGPSLock,
		InitialGPSFixWait: cfg.InitialGPSFixWait,
	}
	if err := dev.Configure(ctx, rfCfg); err != nil {
		return nil, fmt.Errorf("sdrsink: bring-up configure: %w", err)
	}

	if cfg.RequireGPSLock {
		wait := time.Duration(cfg.InitialGPSFixWait * float64(time.Second))
		if err := radiofrontend.WaitForGPSLock(ctx, dev, wait); err != nil {
			return nil, fmt.Errorf("sdrsink: bring-up: %w", err)
		}
	}

	if err := setDeviceTime(ctx, dev, cfg.PPSSrc); err != nil {
		return nil, fmt.Errorf("sdrsink: bring-up set time: %w", err)
	}

	delaySamp := delaySamples(cfg.StaticDelayUs, cfg.SampleRate)

	s := &SdrSink{
		cfg:           cfg,
		dev:           dev,
		logger:        logger,
		txGainDB:      cfg.TxGain,
		rxGainDB:      cfg.RxGain,
		freqHz:        cfg.Frequency,
		loOffsetHz:    cfg.LOOffset,
		muting:        false,
		staticDelayUs: cfg.StaticDelayUs,
		delay:         newDelayLine(delaySamp),
		fifo:          newBoundedFIFO(framesMaxSize),
		eventCounts:   &radiofrontend.EventCounts{},
		reg:           reg,
		done:          make(chan struct{}),
	}
	s.gpsLocked.Store(true)
	s.popPrebuffering.Store(framesMaxSize)
	s.state.Store(int32(StateIdle))

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.feedback = feedback.New(cfg.DPDFeedbackPort, cfg.SampleRate, dev, logger)

	if reg != nil {
		s.register(reg)
	}

	go radiofrontend.RunEventPrinter(dev.Events(), s.eventCounts, logger)
	go s.runWorker(runCtx)
	go s.runFeedbackServer(runCtx)
	go s.runHealthMonitor(runCtx)
	if cfg.MaxGPSHoldoverS > 0 {
		go s.runGPSWatchdog(runCtx)
	}

	return s, nil
}

// setDeviceTime replicates the original's PPS-edge-wait bring-up step:
// with a PPS source configured, arm the device to latch its time on
// the next full second plus a settling margin; otherwise set the time
// immediately from the host clock.
func setDeviceTime(ctx context.Context, dev radiofrontend.Device, ppsSrc string) error {
	if ppsSrc == "" || ppsSrc == "none" {
		return dev.SetTimeNow(ctx)
	}
	now := time.Now()
	nextSecond := uint32(now.Unix()) + 1
	wait := time.Until(time.Unix(int64(nextSecond), 0)) + 200*time.Millisecond
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}
	return dev.SetTimeUnknownPPS(ctx, nextSecond+1)
}

// runFeedbackServer runs the feedback server, reconstructing a fresh
// one after any crash without touching the TX path (§7 "Feedback
// server faults are isolated").
func (s *SdrSink) runFeedbackServer(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.runFeedbackServerOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Error("feedback server crashed, reconstructing", logging.Field{Key: "error", Value: err})
		}
		s.rcMu.Lock()
		fresh := feedback.New(s.cfg.DPDFeedbackPort, s.cfg.SampleRate, s.dev, s.logger)
		s.feedback = fresh
		s.rcMu.Unlock()
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (s *SdrSink) runFeedbackServerOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.rcMu.Lock()
	srv := s.feedback
	s.rcMu.Unlock()
	return srv.Run(ctx)
}

// Push is the per-buffer entrypoint from the upstream DPD stage: it
// enforces the fixed-length invariant, applies the static delay line,
// drops frames already marked invalid, and enqueues the result for the
// TX worker, blocking if the FIFO is full.
func (s *SdrSink) Push(ts dabtime.Timestamp, buf sample.Buffer) error {
	if err := s.lengthGuard.Observe(len(buf)); err != nil {
		wrapped := fmt.Errorf("%w: %w", errBufferLengthChanged, err)
		s.fatal(wrapped)
		return wrapped
	}
	s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning))

	delayed := s.delay.Process(buf)
	if ts.Dropped() {
		s.logger.Warn("dropping frame with invalid FCT")
		return nil
	}
	if !s.fifo.Push(fifoEntry{buf: delayed.Clone(), ts: ts}) {
		return fmt.Errorf("sdrsink: pipeline stopped")
	}
	return nil
}

// State returns the current TX state machine state.
func (s *SdrSink) State() TXState {
	return TXState(s.state.Load())
}

// Frames returns the count of frames handed to the driver so far.
func (s *SdrSink) Frames() uint64 { return s.frames.Load() }

// LatePackets returns the count of frames dropped or flagged for
// carrying a timestamp behind the SDR clock.
func (s *SdrSink) LatePackets() uint64 { return s.latePackets.Load() }

// Underruns returns the driver-reported underflow count.
func (s *SdrSink) Underruns() uint64 {
	underflow, _, _ := s.eventCounts.Snapshot()
	return underflow
}

// GPSLocked reports the watchdog's most recently observed GPS lock
// state.
func (s *SdrSink) GPSLocked() bool { return s.gpsLocked.Load() }

// SampleRate returns the configured sample rate, used by callers that
// need to advance timestamps between Push calls.
func (s *SdrSink) SampleRate() float64 { return s.cfg.SampleRate }

// FatalError marks a taxonomy class 5 condition (§7): one that leaves
// the TX chain in a state the sink cannot recover from on its own. Err
// returns the cause wrapped in a FatalError after such a stop; Push
// reports the stop with an ordinary error.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Err returns the error that caused a fatal stop, if any, wrapped in
// a *FatalError.
func (s *SdrSink) Err() error {
	if s.fatalErr == nil {
		return nil
	}
	return &FatalError{Err: s.fatalErr}
}

// Done is closed once the sink has fully stopped after a fatal error
// or Stop.
func (s *SdrSink) Done() <-chan struct{} {
	return s.done
}

func (s *SdrSink) fatal(err error) {
	s.fatalOnce.Do(func() {
		s.fatalErr = err
		s.state.Store(int32(StateStopped))
		s.logger.Fatal("sdrsink stopping", logging.Field{Key: "error", Value: err})
		s.fifo.Close()
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
	})
}

// Stop shuts the TX worker down without draining: the state moves to
// Draining, the FIFO is closed and the worker's context cancelled, and
// the state is set to Stopped at once; frames still queued in the FIFO
// are not waited for.
func (s *SdrSink) Stop() {
	s.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
	s.fifo.Close()
	if s.cancel != nil {
		s.cancel()
	}
	s.fatalOnce.Do(func() {
		s.state.Store(int32(StateStopped))
		close(s.done)
	})
}

func (s *SdrSink) register(reg *remotecontrol.Registry) {
	reg.Register(componentName,
		remotecontrol.Parameter{
			Name: "txgain",
			Get:  func() string { s.rcMu.Lock(); defer s.rcMu.Unlock(); return formatFloat(s.txGainDB) },
			Set:  s.setGainField(&s.txGainDB, "txgain", s.dev.SetTxGain),
		},
		remotecontrol.Parameter{
			Name: "rxgain",
			Get:  func() string { s.rcMu.Lock(); defer s.rcMu.Unlock(); return formatFloat(s.rxGainDB) },
			Set:  s.setGainField(&s.rxGainDB, "rxgain", s.dev.SetRxGain),
		},
		remotecontrol.Parameter{
			Name: "freq",
			Get:  func() string { s.rcMu.Lock(); defer s.rcMu.Unlock(); return formatFloat(s.freqHz) },
			Set: func(v string) error {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return &remotecontrol.ParameterError{Component: componentName, Parameter: "freq", Reason: "not a number"}
				}
				s.rcMu.Lock()
				loOffset := s.loOffsetHz
				s.rcMu.Unlock()
				if err := s.dev.SetFrequency(context.Background(), f, loOffset); err != nil {
					return &remotecontrol.ParameterError{Component: componentName, Parameter: "freq", Reason: err.Error()}
				}
				s.rcMu.Lock()
				s.freqHz = f
				s.rcMu.Unlock()
				return nil
			},
		},
		remotecontrol.Parameter{
			Name: "muting",
			Get:  func() string { s.rcMu.Lock(); defer s.rcMu.Unlock(); return strconv.FormatBool(s.muting) },
			Set: func(v string) error {
				b, err := strconv.ParseBool(v)
				if err != nil {
					return &remotecontrol.ParameterError{Component: componentName, Parameter: "muting", Reason: "not a bool"}
				}
				s.rcMu.Lock()
				s.muting = b
				s.rcMu.Unlock()
				return nil
			},
		},
		remotecontrol.Parameter{
			Name: "staticdelay",
			Get:  func() string { s.rcMu.Lock(); defer s.rcMu.Unlock(); return strconv.FormatInt(s.staticDelayUs, 10) },
			Set: func(v string) error {
				adjust, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return &remotecontrol.ParameterError{Component: componentName, Parameter: "staticdelay", Reason: "not an integer"}
				}
				s.adjustStaticDelay(adjust)
				return nil
			},
		},
		remotecontrol.Parameter{
			Name: "underruns",
			Get: func() string {
				underflow, _, _ := s.eventCounts.Snapshot()
				return strconv.FormatUint(underflow, 10)
			},
		},
		remotecontrol.Parameter{
			Name: "latepackets",
			Get:  func() string { return strconv.FormatUint(s.latePackets.Load(), 10) },
		},
		remotecontrol.Parameter{
			Name: "frames",
			Get:  func() string { return strconv.FormatUint(s.frames.Load(), 10) },
		},
	)
}

func (s *SdrSink) setGainField(field *float64, name string, apply func(context.Context, float64) error) remotecontrol.Setter {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &remotecontrol.ParameterError{Component: componentName, Parameter: name, Reason: "not a number"}
		}
		if err := apply(context.Background(), f); err != nil {
			return &remotecontrol.ParameterError{Component: componentName, Parameter: name, Reason: err.Error()}
		}
		s.rcMu.Lock()
		*field = f
		s.rcMu.Unlock()
		return nil
	}
}

// adjustStaticDelay applies a relative staticdelay write (§4.3:
// "writable with wraparound/clamp at +-frame_duration_us"), porting
// OutputUHD::set_parameter's modulo-wrap logic, then resizes the delay
// line to match.
func (s *SdrSink) adjustStaticDelay(adjust int64) {
	frameDurationUs := int64(0)
	if durMs, ok := dabtime.FrameDurationMs(s.cfg.Mode); ok {
		frameDurationUs = int64(durMs) * 1000
	}

	s.rcMu.Lock()
	newDelay := s.staticDelayUs + adjust
	if frameDurationUs > 0 {
		newDelay %= frameDurationUs
		if newDelay > frameDurationUs/2 {
			newDelay -= frameDurationUs
		} else if newDelay < -frameDurationUs/2 {
			newDelay += frameDurationUs
		}
	}
	s.staticDelayUs = newDelay
	s.rcMu.Unlock()

	s.delay.Resize(delaySamples(newDelay, s.cfg.SampleRate))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
