package feedback

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/opendigitalradio/dabmod-core/internal/dabtime"
	"github.com/opendigitalradio/dabmod-core/internal/logging"
	"github.com/opendigitalradio/dabmod-core/internal/radiofrontend"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

const componentName = "feedbackserver"

const (
	protocolVersion    = 1
	acceptPollInterval = 1 * time.Second
	rxCaptureTimeout   = 60 * time.Second
)

// Server is the feedback capture TCP service described in §4.4. A
// port of 0 disables it: Enabled reports false and Run simply blocks
// until its context is canceled, matching the original's "constructed
// only if port != 0" bring-up rule.
type Server struct {
	port       int
	sampleRate float64
	dev        radiofrontend.Device
	logger     logging.Logger

	burst *BurstRequest
}

// New constructs a feedback Server. dev supplies the RX capture path.
func New(port int, sampleRateHz float64, dev radiofrontend.Device, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		port:       port,
		sampleRate: sampleRateHz,
		dev:        dev,
		logger:     logger.Named(componentName),
		burst:      newBurstRequest(),
	}
}

// Enabled reports whether this server was configured with a nonzero
// port.
func (s *Server) Enabled() bool { return s.port != 0 }

// SetTxFrame forwards a just-transmitted buffer to the capture state
// machine. It is cheap and non-blocking when no capture is outstanding,
// so SdrSink can call it unconditionally from its TX worker.
func (s *Server) SetTxFrame(buf sample.Buffer, ts dabtime.Timestamp) {
	if !s.Enabled() {
		return
	}
	s.burst.SetTxFrame(buf, ts, s.sampleRate)
}

// Run listens for feedback clients and serves them one at a time until
// ctx is canceled. A port of 0 makes Run a no-op that blocks on ctx.
func (s *Server) Run(ctx context.Context) error {
	if !s.Enabled() {
		<-ctx.Done()
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("feedback: listen: %w", err)
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("feedback: listener is not a TCP listener")
	}

	go func() {
		<-ctx.Done()
		s.burst.Close()
		tl.Close()
	}()
	go s.runRxCapture(ctx)

	for {
		tl.SetDeadline(time.Now().Add(acceptPollInterval))
		conn, err := tl.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.logger.Warn("accept failed", logging.Field{Key: "error", Value: err})
			continue
		}
		s.handleConn(conn)
	}
}

// handleConn serves exactly one feedback request on conn, then closes
// it. Only one connection is handled at a time (§4.4 "single client at
// a time"), matching the accept loop above.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		s.logger.Warn("read request header failed", logging.Field{Key: "error", Value: err})
		return
	}
	version := header[0]
	if version != protocolVersion {
		s.logger.Warn("unsupported feedback protocol version", logging.Field{Key: "version", Value: version})
		return
	}
	numSamples := int(binary.LittleEndian.Uint32(header[1:5]))

	s.burst.RequestCapture(numSamples)
	res, ok := s.burst.AwaitAcquired()
	if !ok {
		return
	}
	if err := s.writeResult(conn, res); err != nil {
		s.logger.Warn("write feedback response failed", logging.Field{Key: "error", Value: err})
	}
}

func (s *Server) writeResult(conn net.Conn, r Result) error {
	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[0:4], uint32(r.NumSamples))
	binary.LittleEndian.PutUint32(header[4:8], r.TxTS.Sec)
	binary.LittleEndian.PutUint32(header[8:12], r.TxTS.PPS)
	if _, err := conn.Write(header); err != nil {
		return err
	}
	if err := writeIQ(conn, r.TxSamples[:r.NumSamples]); err != nil {
		return err
	}

	rxHeader := make([]byte, 8)
	binary.LittleEndian.PutUint32(rxHeader[0:4], r.RxTS.Sec)
	binary.LittleEndian.PutUint32(rxHeader[4:8], r.RxTS.PPS)
	if _, err := conn.Write(rxHeader); err != nil {
		return err
	}
	return writeIQ(conn, r.RxSamples[:r.NumSamples])
}

func writeIQ(w io.Writer, buf sample.Buffer) error {
	out := make([]byte, len(buf)*8)
	for i, x := range buf {
		off := i * 8
		binary.LittleEndian.PutUint32(out[off:off+4], math.Float32bits(real(x)))
		binary.LittleEndian.PutUint32(out[off+4:off+8], math.Float32bits(imag(x)))
	}
	_, err := w.Write(out)
	return err
}

// runRxCapture services AwaitSaveRx requests by issuing an RX capture
// against the device for as long as the server runs.
func (s *Server) runRxCapture(ctx context.Context) {
	for {
		n, ts, ok := s.burst.AwaitSaveRx()
		if !ok {
			return
		}
		rxCtx, cancel := context.WithTimeout(ctx, rxCaptureTimeout)
		buf, actualTS, err := s.dev.RecvSamples(rxCtx, n)
		cancel()
		if err != nil {
			s.logger.Warn("rx capture failed", logging.Field{Key: "error", Value: err})
			s.burst.CompleteRx(nil, ts)
			continue
		}
		s.burst.CompleteRx(buf, actualTS)
	}
}
