// Package dpd implements §4.2 of the spec: MemlessPoly, the digital
// pre-distortion stage sitting between GainControl and SdrSink. It
// supports two correction models loaded from the same coefficient file
// format (odd-polynomial AM/AM + AM/PM curves, or a 32-bin magnitude
// lookup table), spreads the per-buffer correction across a pool of
// long-lived workers, and exposes it through a dedicated pipeline
// goroutine that trades two buffers of latency for overlap between
// correction and the caller's own work (§4.2, §5 concurrency model): each
// Process call hands over a new input buffer and gets back the corrected
// output of the buffer submitted two calls earlier.
package dpd

import (
	"fmt"
	"os"
	"sync"

	"github.com/opendigitalradio/dabmod-core/internal/logging"
	"github.com/opendigitalradio/dabmod-core/internal/remotecontrol"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

const componentName = "memlesspoly"

// MemlessPoly is the digital predistorter. Construction starts the
// worker pool and the pipeline goroutine; Close must be called to stop
// both cleanly.
type MemlessPoly struct {
	coefsMu sync.Mutex
	coefs   coefficientSet
	coefsFile string

	workers []*worker

	inCh  chan sample.Buffer
	outCh chan sample.Buffer
	done  chan struct{}

	logger logging.Logger
}

// New constructs a MemlessPoly stage, loads coefsFile, starts
// numThreads long-lived workers (0 starts none and runs the whole
// correction on the pipeline goroutine), and registers its
// remote-control surface into reg.
func New(coefsFile string, numThreads int, reg *remotecontrol.Registry, logger logging.Logger) (*MemlessPoly, error) {
	if logger == nil {
		logger = logging.Default()
	}
	m := &MemlessPoly{
		coefsFile: coefsFile,
		inCh:      make(chan sample.Buffer),
		outCh:     make(chan sample.Buffer),
		done:      make(chan struct{}),
		logger:    logger.Named(componentName),
	}

	m.workers = make([]*worker, numThreads)
	for i := range m.workers {
		m.workers[i] = newWorker()
	}
	m.logger.Info("digital predistorter worker pool started", logging.Field{Key: "threads", Value: numThreads})

	if err := m.reload(coefsFile); err != nil {
		return nil, err
	}

	go m.pipelineLoop()

	if reg != nil {
		m.register(reg)
	}
	return m, nil
}

// reload loads a coefficient file and, on success, atomically swaps it
// in. An unknown-format tag disables DPD (pass-through) without
// returning an error, matching the original's log-and-continue
// behaviour; a malformed file of a recognised tag is rejected and the
// previously loaded coefficients are left untouched.
func (m *MemlessPoly) reload(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("dpd: could not open file with coefs: %w", err)
	}
	defer f.Close()

	cs, err := loadCoefficients(f)
	if err != nil {
		if uf, ok := err.(*unknownFormatError); ok {
			m.logger.Error("coefficient file has unknown format, disabling DPD", logging.Field{Key: "tag", Value: uf.tag})
			m.coefsMu.Lock()
			m.coefs = coefficientSet{kind: dpdNone}
			m.coefsFile = path
			m.coefsMu.Unlock()
			return nil
		}
		return err
	}

	m.coefsMu.Lock()
	m.coefs = cs
	m.coefsFile = path
	m.coefsMu.Unlock()

	switch cs.kind {
	case dpdOddPoly:
		m.logger.Info("loaded odd-polynomial predistortion coefficients", logging.Field{Key: "ncoefs", Value: cs.nCoefs()})
	case dpdLUT:
		m.logger.Info("loaded lookup-table predistortion coefficients", logging.Field{Key: "entries", Value: cs.nCoefs()})
	}
	return nil
}

func (m *MemlessPoly) register(reg *remotecontrol.Registry) {
	reg.Register(componentName,
		remotecontrol.Parameter{
			Name:        "ncoefs",
			Description: "(Read-only) number of coefficients.",
			Get: func() string {
				m.coefsMu.Lock()
				defer m.coefsMu.Unlock()
				return fmt.Sprintf("%d", m.coefs.nCoefs())
			},
		},
		remotecontrol.Parameter{
			Name:        "coeffile",
			Description: "Filename containing coefficients. When set, the file gets loaded.",
			Get: func() string {
				m.coefsMu.Lock()
				defer m.coefsMu.Unlock()
				return m.coefsFile
			},
			Set: func(v string) error {
				if err := m.reload(v); err != nil {
					return &remotecontrol.ParameterError{Component: componentName, Parameter: "coeffile", Reason: err.Error()}
				}
				return nil
			},
		},
	)
}

// pipelineLoop is the dedicated goroutine that owns the two-buffer ring
// and the worker fan-out. It receives on inCh, computes the corrected
// buffer (blocking on the worker pool), and sends on outCh the buffer
// computed two calls earlier — the first two Process calls therefore
// return a zeroed filler buffer of the same length as their input.
func (m *MemlessPoly) pipelineLoop() {
	var slot0, slot1 sample.Buffer
	for {
		select {
		case in, ok := <-m.inCh:
			if !ok {
				return
			}
			computed := m.computeWithWorkers(in)
			out := slot0
			slot0 = slot1
			slot1 = computed
			if out == nil {
				out = make(sample.Buffer, len(in))
			}
			m.outCh <- out
		case <-m.done:
			return
		}
	}
}

// computeWithWorkers dispatches the correction of in across the worker
// pool plus the pipeline goroutine itself for the remainder, and blocks
// until every worker reports completion. If DPD is disabled it copies
// in to a fresh buffer unmodified.
func (m *MemlessPoly) computeWithWorkers(in sample.Buffer) sample.Buffer {
	out := make(sample.Buffer, len(in))

	m.coefsMu.Lock()
	cs := m.coefs
	m.coefsMu.Unlock()

	if cs.kind == dpdNone {
		copy(out, in)
		return out
	}

	numWorkers := len(m.workers)
	sizeOut := len(out)

	if numWorkers == 0 {
		applySet(cs, in, 0, sizeOut, out)
		return out
	}

	step := sizeOut / numWorkers
	start := 0
	for _, w := range m.workers {
		item := workItem{
			kind:     cs.kind,
			coefsAM:  &cs.coefsAM,
			coefsPM:  &cs.coefsPM,
			lut:      &cs.lut,
			lutScale: cs.lutScale,
			in:       in,
			out:      out,
			start:    start,
			stop:     start + step,
		}
		w.dispatch(item)
		start += step
	}

	// The remainder runs on the pipeline goroutine itself rather than
	// idling while the workers run.
	applySet(cs, in, start, sizeOut, out)

	for _, w := range m.workers {
		w.awaitDone()
	}
	return out
}

func applySet(cs coefficientSet, in sample.Buffer, start, stop int, out sample.Buffer) {
	switch cs.kind {
	case dpdOddPoly:
		applyOddPoly(&cs.coefsAM, &cs.coefsPM, in, start, stop, out)
	case dpdLUT:
		applyLUT(&cs.lut, cs.lutScale, in, start, stop, out)
	}
}

// Process submits in to the pipeline and returns the output computed
// two calls ago (§4.2: "a pipeline delay of two calls"). in is cloned
// before being handed to the pipeline goroutine so the caller remains
// free to reuse its buffer once Process returns.
func (m *MemlessPoly) Process(in sample.Buffer) sample.Buffer {
	m.inCh <- in.Clone()
	return <-m.outCh
}

// Close stops the pipeline goroutine and every worker. It must be
// called exactly once, after the last call to Process.
func (m *MemlessPoly) Close() {
	close(m.done)
	for _, w := range m.workers {
		w.terminate()
	}
}
