package ioclient

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/opendigitalradio/dabmod-core/internal/sample"
)

// EncodeIQ packs a complex baseband buffer into interleaved signed
// 16-bit little-endian I/Q, the wire format expected by the streaming
// buffer write path. Samples are assumed normalized to [-1, 1]; values
// outside that range are clamped rather than wrapped.
func EncodeIQ(buf sample.Buffer) []byte {
	out := make([]byte, len(buf)*4)
	for n, x := range buf {
		i := clampToInt16(real(x))
		q := clampToInt16(imag(x))
		off := n * 4
		binary.LittleEndian.PutUint16(out[off:off+2], uint16(i))
		binary.LittleEndian.PutUint16(out[off+2:off+4], uint16(q))
	}
	return out
}

// DecodeIQ unpacks interleaved signed 16-bit little-endian I/Q, the wire
// format returned by the streaming buffer read path, into a complex
// baseband buffer normalized to [-1, 1].
func DecodeIQ(raw []byte) (sample.Buffer, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("ioclient: IQ payload length %d not a multiple of 4", len(raw))
	}
	n := len(raw) / 4
	out := make(sample.Buffer, n)
	for k := 0; k < n; k++ {
		off := k * 4
		i16 := int16(binary.LittleEndian.Uint16(raw[off : off+2]))
		q16 := int16(binary.LittleEndian.Uint16(raw[off+2 : off+4]))
		out[k] = complex(float32(i16)/math.MaxInt16, float32(q16)/math.MaxInt16)
	}
	return out, nil
}

func clampToInt16(v float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * math.MaxInt16)
}
