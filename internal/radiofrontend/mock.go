package radiofrontend

import (
	"context"
	"sync"
	"time"

	"github.com/opendigitalradio/dabmod-core/internal/dabtime"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

// MockDevice is a Device test double: it records every attribute
// write/tune/gain call, serves buffers queued with QueueLoopback (or
// zeros) on its feedback RX path, and lets a test force GPS/refclk lock
// state.
type MockDevice struct {
	mu sync.Mutex

	cfg Config

	gpsLocked, gpsSensorPresent       bool
	refclkLocked, refclkSensorPresent bool

	txGainDB, rxGainDB float64
	freqHz, loOffsetHz float64

	sent       []sample.Buffer
	burstCalls []BurstCall
	loopback   []sample.Buffer

	events chan AsyncEvent
}

// BurstCall records one SendBurst invocation's timestamp/end-of-burst
// arguments, letting a test assert on the end_of_burst invariant
// (OutputUHD.cpp tx_frame) without inspecting private sdrsink state.
type BurstCall struct {
	Data       sample.Buffer
	TS         dabtime.Timestamp
	HasTime    bool
	EndOfBurst bool
}

// NewMock returns a MockDevice with both sensors present and locked,
// matching the common "healthy" test fixture state.
func NewMock() *MockDevice {
	return &MockDevice{
		gpsLocked:          true,
		gpsSensorPresent:   true,
		refclkLocked:       true,
		refclkSensorPresent: true,
		events:             make(chan AsyncEvent, 64),
	}
}

func (m *MockDevice) Configure(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.txGainDB = cfg.TxGain
	m.rxGainDB = cfg.RxGain
	m.freqHz = cfg.Frequency
	m.loOffsetHz = cfg.LOOffset
	return nil
}

// SetGPSLock lets a test simulate the GPS sensor's state.
func (m *MockDevice) SetGPSLock(present, locked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gpsSensorPresent = present
	m.gpsLocked = locked
}

// SetRefclkLock lets a test simulate the refclk sensor's state.
func (m *MockDevice) SetRefclkLock(present, locked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refclkSensorPresent = present
	m.refclkLocked = locked
}

// Sent returns every buffer handed to SendBurst/SendFreeRunning so far.
func (m *MockDevice) Sent() []sample.Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sample.Buffer(nil), m.sent...)
}

// BurstCalls returns every SendBurst invocation recorded so far, in order.
func (m *MockDevice) BurstCalls() []BurstCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BurstCall(nil), m.burstCalls...)
}

// InjectEvent lets a test push a synthetic async event for the health
// monitor to classify.
func (m *MockDevice) InjectEvent(ev AsyncEvent) { m.events <- ev }

// QueueLoopback arranges for the next RecvSamples calls to return buf.
func (m *MockDevice) QueueLoopback(buf sample.Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loopback = append(m.loopback, buf)
}

func (m *MockDevice) PollGPSLocked(ctx context.Context) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gpsLocked, m.gpsSensorPresent, nil
}

func (m *MockDevice) PollRefclkLocked(ctx context.Context) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refclkLocked, m.refclkSensorPresent, nil
}

func (m *MockDevice) SetTimeUnknownPPS(ctx context.Context, seconds uint32) error { return nil }
func (m *MockDevice) SetTimeNow(ctx context.Context) error                       { return nil }

// Now returns the host wall clock decomposed into a dabtime.Timestamp,
// sufficient for tests that don't care about hardware clock drift.
func (m *MockDevice) Now(ctx context.Context) (dabtime.Timestamp, error) {
	now := time.Now()
	return dabtime.Timestamp{
		Sec:   uint32(now.Unix()),
		PPS:   uint32(uint64(now.Nanosecond()) * dabtime.TicksPerSecond / 1_000_000_000),
		Valid: true,
	}, nil
}

func (m *MockDevice) SendBurst(ctx context.Context, data sample.Buffer, ts dabtime.Timestamp, hasTime bool, endOfBurst bool) (int, error) {
	m.mu.Lock()
	m.sent = append(m.sent, data.Clone())
	m.burstCalls = append(m.burstCalls, BurstCall{Data: data.Clone(), TS: ts, HasTime: hasTime, EndOfBurst: endOfBurst})
	m.mu.Unlock()
	return len(data), nil
}

func (m *MockDevice) SendFreeRunning(ctx context.Context, data sample.Buffer) (int, error) {
	m.mu.Lock()
	m.sent = append(m.sent, data.Clone())
	m.mu.Unlock()
	return len(data), nil
}

func (m *MockDevice) RecvSamples(ctx context.Context, n int) (sample.Buffer, dabtime.Timestamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.loopback) > 0 {
		buf := m.loopback[0]
		m.loopback = m.loopback[1:]
		return buf, dabtime.Invalid(), nil
	}
	return make(sample.Buffer, n), dabtime.Invalid(), nil
}

func (m *MockDevice) Events() <-chan AsyncEvent { return m.events }

func (m *MockDevice) SetTxGain(ctx context.Context, gainDB float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txGainDB = gainDB
	return nil
}

func (m *MockDevice) SetRxGain(ctx context.Context, gainDB float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rxGainDB = gainDB
	return nil
}

func (m *MockDevice) SetFrequency(ctx context.Context, hz, loOffset float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freqHz, m.loOffsetHz = hz, loOffset
	return nil
}

func (m *MockDevice) MaxNumSamps() int {
	if m.cfg.MaxNumSamps > 0 {
		return m.cfg.MaxNumSamps
	}
	return 4096
}

func (m *MockDevice) Close() error {
	close(m.events)
	return nil
}
