// Package ioclient implements a slim client for the IIOD text wire
// protocol, grounded on the teacher's iiod text backend but trimmed to
// the subset SdrSink and FeedbackServer actually need: attribute
// read/write and a single streaming buffer per device. Binary-mode
// probing is dropped since the opaque vendor driver binding (§4.3
// Non-goal: "exact binding is out of scope") only needs one reliable
// transport, not protocol auto-negotiation.
package ioclient

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

const readTimeout = 5 * time.Second

// Client is a single connection to an IIOD server, addressing one or
// more IIO devices/channels by name.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// Dial connects to an IIOD server at addr ("host:port").
func Dial(ctx context.Context, addr string) (*Client, error) {
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ioclient: connect to %s: %w", addr, err)
	}
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}, nil
}

// Close shuts down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func ensureNewline(s string) string {
	if !strings.HasSuffix(s, "\n") {
		return s + "\n"
	}
	return s
}

func (c *Client) sendLine(cmd string) error {
	if _, err := c.writer.WriteString(ensureNewline(cmd)); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Client) readLine() (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// ListDevices returns the IIO device names known to the server.
func (c *Client) ListDevices(ctx context.Context) ([]string, error) {
	if err := c.sendLine("LISTDEVICES"); err != nil {
		return nil, err
	}
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, nil
	}
	return strings.Fields(line), nil
}

// GetChannels returns the channel names of a device.
func (c *Client) GetChannels(ctx context.Context, device string) ([]string, error) {
	if err := c.sendLine(fmt.Sprintf("LISTCHANNELS %s", device)); err != nil {
		return nil, err
	}
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, nil
	}
	return strings.Fields(line), nil
}

// ReadAttr reads a device- or channel-level attribute. channel may be
// empty to address a device-level attribute.
func (c *Client) ReadAttr(ctx context.Context, device, channel, attr string) (string, error) {
	cmd := fmt.Sprintf("READ %s %s", device, attr)
	if channel != "" {
		cmd = fmt.Sprintf("READ %s %s %s", device, channel, attr)
	}
	if err := c.sendLine(cmd); err != nil {
		return "", err
	}
	return c.readLine()
}

// WriteAttr writes a device- or channel-level attribute and expects an
// "OK" acknowledgement.
func (c *Client) WriteAttr(ctx context.Context, device, channel, attr, value string) error {
	cmd := fmt.Sprintf("WRITE %s %s %s", device, attr, value)
	if channel != "" {
		cmd = fmt.Sprintf("WRITE %s %s %s %s", device, channel, attr, value)
	}
	if err := c.sendLine(cmd); err != nil {
		return err
	}
	reply, err := c.readLine()
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("ioclient: WRITE %s.%s failed: %s", device, attr, reply)
	}
	return nil
}

// StreamBuffer is a single open streaming buffer on a device, used for
// bulk TX/RX sample transfer (§4.3's "opaque vendor SDR driver" stream).
type StreamBuffer struct {
	c      *Client
	device string
	id     int
}

// OpenStream opens a buffer of the given sample depth on device.
func (c *Client) OpenStream(ctx context.Context, device string, samples int) (*StreamBuffer, error) {
	if err := c.sendLine(fmt.Sprintf("BUFFER_OPEN %s %d", device, samples)); err != nil {
		return nil, err
	}
	reply, err := c.readLine()
	if err != nil {
		return nil, err
	}
	var id int
	if _, err := fmt.Sscanf(reply, "%d", &id); err != nil {
		return nil, fmt.Errorf("ioclient: invalid buffer id %q", reply)
	}
	return &StreamBuffer{c: c, device: device, id: id}, nil
}

// WriteSamples pushes a raw interleaved IQ payload for transmission.
func (s *StreamBuffer) WriteSamples(ctx context.Context, data []byte) (int, error) {
	cmd := fmt.Sprintf("BUFFER_WRITE %d %d", s.id, len(data))
	if err := s.c.sendLine(cmd); err != nil {
		return 0, err
	}
	if _, err := s.c.writer.Write(data); err != nil {
		return 0, err
	}
	s.c.writer.WriteByte('\n')
	if err := s.c.writer.Flush(); err != nil {
		return 0, err
	}
	reply, err := s.c.readLine()
	if err != nil {
		return 0, err
	}
	var written int
	fmt.Sscanf(reply, "%d", &written)
	return written, nil
}

// ReadSamples pulls nBytes of raw interleaved IQ payload, blocking
// until the server has that many bytes of captured data available.
func (s *StreamBuffer) ReadSamples(ctx context.Context, nBytes int) ([]byte, error) {
	cmd := fmt.Sprintf("BUFFER_READ %d %d", s.id, nBytes)
	if err := s.c.sendLine(cmd); err != nil {
		return nil, err
	}
	s.c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	raw := make([]byte, nBytes)
	if _, err := readFull(s.c.reader, raw); err != nil {
		return nil, err
	}
	s.c.reader.ReadString('\n')
	return raw, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close tears down the stream buffer and expects an "OK" acknowledgement.
func (s *StreamBuffer) Close(ctx context.Context) error {
	if err := s.c.sendLine(fmt.Sprintf("BUFFER_CLOSE %d", s.id)); err != nil {
		return err
	}
	reply, err := s.c.readLine()
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("ioclient: close buffer %d: %s", s.id, reply)
	}
	return nil
}
