package feedback

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"github.com/opendigitalradio/dabmod-core/internal/dabtime"
	"github.com/opendigitalradio/dabmod-core/internal/radiofrontend"
	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

func TestBurstRequestSetTxFrameTakesTailSamples(t *testing.T) {
	b := newBurstRequest()
	b.RequestCapture(3)

	buf := make(sample.Buffer, 10)
	for i := range buf {
		buf[i] = complex(float32(i), 0)
	}
	ts := dabtime.Timestamp{Sec: 100, PPS: 0, Valid: true}

	b.SetTxFrame(buf, ts, 1_000_000)

	b.mu.Lock()
	got := b.txSamples
	state := b.state
	b.mu.Unlock()

	if state != StateSaveRx {
		t.Fatalf("state = %v, want SaveRx", state)
	}
	if len(got) != 3 {
		t.Fatalf("captured %d samples, want 3", len(got))
	}
	if real(got[0]) != 7 {
		t.Fatalf("first captured sample = %v, want tail sample 7", got[0])
	}
}

func TestBurstRequestFullCycle(t *testing.T) {
	b := newBurstRequest()
	b.RequestCapture(2)

	txBuf := make(sample.Buffer, 4)
	txBuf[2] = complex(1, 2)
	txBuf[3] = complex(3, 4)
	ts := dabtime.Timestamp{Sec: 1, PPS: 0, Valid: true}

	done := make(chan struct{})
	go func() {
		n, _, ok := b.AwaitSaveRx()
		if !ok || n != 2 {
			t.Errorf("AwaitSaveRx: n=%d ok=%v, want 2 true", n, ok)
		}
		b.CompleteRx(sample.Buffer{complex(5, 6), complex(7, 8)}, dabtime.Timestamp{Sec: 1, PPS: 1})
		close(done)
	}()

	b.SetTxFrame(txBuf, ts, 1_000_000)
	<-done

	res, ok := b.AwaitAcquired()
	if !ok {
		t.Fatalf("AwaitAcquired returned ok=false")
	}
	if res.NumSamples != 2 {
		t.Fatalf("NumSamples = %d, want 2", res.NumSamples)
	}
	if res.TxSamples[0] != complex(1, 2) {
		t.Fatalf("TxSamples[0] = %v, want (1+2i)", res.TxSamples[0])
	}
	if res.RxSamples[1] != complex(7, 8) {
		t.Fatalf("RxSamples[1] = %v, want (7+8i)", res.RxSamples[1])
	}
}

func TestBurstRequestCloseUnblocksWaiters(t *testing.T) {
	b := newBurstRequest()
	b.RequestCapture(4)

	done := make(chan bool, 1)
	go func() {
		_, _, ok := b.AwaitSaveRx()
		done <- ok
	}()

	b.Close()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("AwaitSaveRx returned ok=true after Close")
		}
	case <-time.After(time.Second):
		t.Fatalf("AwaitSaveRx did not unblock after Close")
	}
}

func TestServerRoundTrip(t *testing.T) {
	dev := radiofrontend.NewMock()
	dev.QueueLoopback(sample.Buffer{complex(9, 10), complex(11, 12)})

	srv := New(0, 1_000_000, dev, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.port = ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", ln.Addr().String())
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := make([]byte, 5)
	req[0] = protocolVersion
	binary.LittleEndian.PutUint32(req[1:5], 2)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	txFrame := make(sample.Buffer, 8)
	txFrame[6] = complex(1, 2)
	txFrame[7] = complex(3, 4)
	for i := 0; i < 100 && srv.burst != nil; i++ {
		srv.SetTxFrame(txFrame, dabtime.Timestamp{Sec: 42, Valid: true})
		time.Sleep(10 * time.Millisecond)
		b := srv.burst
		b.mu.Lock()
		st := b.state
		b.mu.Unlock()
		if st == StateAcquired || st == StateIdle {
			break
		}
	}

	respHeader := make([]byte, 12)
	if _, err := io.ReadFull(conn, respHeader); err != nil {
		t.Fatalf("read response header: %v", err)
	}
	n := binary.LittleEndian.Uint32(respHeader[0:4])
	if n != 2 {
		t.Fatalf("num_samples_effective = %d, want 2", n)
	}

	txPayload := make([]byte, n*8)
	if _, err := io.ReadFull(conn, txPayload); err != nil {
		t.Fatalf("read tx payload: %v", err)
	}
	gotReal := math.Float32frombits(binary.LittleEndian.Uint32(txPayload[0:4]))
	if gotReal != 1 {
		t.Fatalf("tx[0].real = %v, want 1", gotReal)
	}
}
