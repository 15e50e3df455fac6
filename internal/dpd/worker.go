package dpd

import "github.com/opendigitalradio/dabmod-core/internal/sample"

// workItem is dispatched to one long-lived worker to correct in[start:stop]
// into out. terminate is the sentinel that shuts the worker down.
type workItem struct {
	terminate bool

	kind       dpdType
	coefsAM    *[numCoefs]float32
	coefsPM    *[numCoefs]float32
	lut        *[lutEntries]complex64
	lutScale   float32

	in, out    sample.Buffer
	start, stop int
}

// worker is a long-lived goroutine from a fixed-size pool: N of them
// are built up front and in/out channels hand off work rather than
// spawning a goroutine per buffer.
type worker struct {
	in  chan workItem
	out chan struct{}
}

func newWorker() *worker {
	w := &worker{
		in:  make(chan workItem),
		out: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	for item := range w.in {
		if item.terminate {
			return
		}
		switch item.kind {
		case dpdOddPoly:
			applyOddPoly(item.coefsAM, item.coefsPM, item.in, item.start, item.stop, item.out)
		case dpdLUT:
			applyLUT(item.lut, item.lutScale, item.in, item.start, item.stop, item.out)
		}
		w.out <- struct{}{}
	}
}

func (w *worker) dispatch(item workItem) {
	w.in <- item
}

func (w *worker) awaitDone() {
	<-w.out
}

func (w *worker) terminate() {
	w.in <- workItem{terminate: true}
}
