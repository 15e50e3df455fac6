package ioclient

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

func pipeClient() (*Client, net.Conn) {
	clientConn, serverConn := net.Pipe()
	c := &Client{
		conn:   clientConn,
		reader: bufio.NewReader(clientConn),
		writer: bufio.NewWriter(clientConn),
	}
	return c, serverConn
}

func TestReadAttrRoundTrip(t *testing.T) {
	c, server := pipeClient()
	defer server.Close()

	serverErr := make(chan error, 1)
	go func() {
		defer server.Close()
		r := bufio.NewReader(server)
		line, err := r.ReadString('\n')
		if err != nil {
			serverErr <- err
			return
		}
		if strings.TrimSpace(line) != "READ usrp0 tx_rate" {
			serverErr <- fmt.Errorf("unexpected command %q", line)
			return
		}
		fmt.Fprintf(server, "2048000\n")
		serverErr <- nil
	}()

	got, err := c.ReadAttr(context.Background(), "usrp0", "", "tx_rate")
	if err != nil {
		t.Fatalf("ReadAttr: %v", err)
	}
	if got != "2048000" {
		t.Fatalf("got %q, want 2048000", got)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestWriteAttrRejectsNonOK(t *testing.T) {
	c, server := pipeClient()
	defer server.Close()

	go func() {
		defer server.Close()
		r := bufio.NewReader(server)
		r.ReadString('\n')
		fmt.Fprintf(server, "ERR invalid value\n")
	}()

	err := c.WriteAttr(context.Background(), "usrp0", "", "tx_rate", "bogus")
	if err == nil {
		t.Fatalf("expected error for non-OK reply")
	}
}

func TestEncodeDecodeIQRoundTrip(t *testing.T) {
	in := sample.Buffer{0.5 + 0.25i, -1 + 0i, 0 - 0.75i, 1 + 1i}
	raw := EncodeIQ(in)
	if len(raw) != len(in)*4 {
		t.Fatalf("encoded length = %d, want %d", len(raw), len(in)*4)
	}
	out, err := DecodeIQ(raw)
	if err != nil {
		t.Fatalf("DecodeIQ: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded length = %d, want %d", len(out), len(in))
	}
	const eps = 1e-3
	for i := range in {
		if diff := cdiff(in[i], out[i]); diff > eps {
			t.Fatalf("sample %d round-tripped to %v, want ~%v (diff %v)", i, out[i], in[i], diff)
		}
	}
}

func cdiff(a, b complex64) float64 {
	dr := float64(real(a) - real(b))
	di := float64(imag(a) - imag(b))
	if dr < 0 {
		dr = -dr
	}
	if di < 0 {
		di = -di
	}
	if dr > di {
		return dr
	}
	return di
}

func TestDecodeIQRejectsOddLength(t *testing.T) {
	if _, err := DecodeIQ([]byte{0, 1, 2}); err == nil {
		t.Fatalf("expected error for non-multiple-of-4 payload")
	}
}
