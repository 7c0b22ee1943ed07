// Package pcm converts float audio buffers to the PCM16 wire format and
// measures their levels.
package pcm

import (
	"encoding/binary"
	"math"
)

// BytesPerSample is the width of one encoded PCM16 sample.
const BytesPerSample = 2

// Encode converts samples in [-1, 1] to little-endian signed 16-bit PCM.
// Negative samples scale by 32768 and non-negative ones by 32767, so both
// ends of the range map exactly onto int16 limits. Out-of-range input is
// clamped first. Each call is independent of every other call.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	EncodeInto(out, samples)
	return out
}

// EncodeInto writes the encoding of samples into dst, which must hold at
// least 2*len(samples) bytes, and returns the number of bytes written.
func EncodeInto(dst []byte, samples []float32) int {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*BytesPerSample:], uint16(Sample(s)))
	}
	return len(samples) * BytesPerSample
}

// Sample converts one float sample to int16.
func Sample(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	if v < 0 {
		return int16(roundHalfUp(v * 32768))
	}
	return int16(roundHalfUp(v * 32767))
}

// roundHalfUp rounds ties toward positive infinity, matching the rounding
// used by the reference encoder on the other end of the wire.
func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}

// Decode converts little-endian PCM16 back to int16 values.
func Decode(b []byte) []int16 {
	out := make([]int16, len(b)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*BytesPerSample:]))
	}
	return out
}
