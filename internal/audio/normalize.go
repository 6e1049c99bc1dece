// Package audio converts caller audio into the mono 16 kHz float buffer the
// recognizer consumes.
package audio

import (
	"errors"
	"fmt"
	"math"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16

	// PeakTarget is the absolute peak every non-silent buffer is scaled to.
	PeakTarget = 0.8
)

// ErrMalformedAudio reports input that cannot be decoded into samples.
var ErrMalformedAudio = errors.New("malformed audio")

// FromSamples converts caller supplied floats without rescaling. NaN,
// infinities and magnitudes beyond float32 range are malformed.
func FromSamples(in []float64) ([]float32, error) {
	out := make([]float32, len(in))
	for i, v := range in {
		if math.IsNaN(v) || math.Abs(v) > math.MaxFloat32 {
			return nil, fmt.Errorf("%w: sample %d is not a finite float32 (%v)", ErrMalformedAudio, i, v)
		}
		out[i] = float32(v)
	}
	return out, nil
}

// Peak returns the largest absolute sample value.
func Peak(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	return peak
}

// Normalize scales samples so the absolute peak equals PeakTarget. Silent or
// empty buffers are returned as an unscaled copy. The input is never
// modified. Normalizing an already normalized buffer is not a fixed point
// unless its peak is exactly PeakTarget.
func Normalize(samples []float32) []float32 {
	out := make([]float32, len(samples))
	copy(out, samples)

	peak := Peak(samples)
	if peak == 0 {
		return out
	}
	scale := PeakTarget / float64(peak)
	for i, s := range samples {
		out[i] = float32(float64(s) * scale)
	}
	return out
}
