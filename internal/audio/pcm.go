package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DecodePCM16LE converts signed 16-bit little-endian PCM into floats in
// [-1, 1) using s/32768.
func DecodePCM16LE(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: pcm length %d is not a multiple of 2", ErrMalformedAudio, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(sample) / 32768.0
	}
	return out, nil
}

// EncodePCM16LE converts floats back to 16-bit PCM, clamping to the int16
// range.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

func toInt16(s float32) int16 {
	v := math.Round(float64(s) * 32768.0)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
