package audio

import (
	"math"
	"time"
)

// DefaultVoiceThreshold is the RMS level above which a buffer counts as
// containing speech.
const DefaultVoiceThreshold = 0.01

type Features struct {
	Samples          int
	Duration         time.Duration
	Peak             float32
	RMS              float64
	ZeroCrossingRate float64
}

func Analyze(samples []float32) Features {
	f := Features{
		Samples:  len(samples),
		Duration: Duration(len(samples)),
		Peak:     Peak(samples),
		RMS:      RMS(samples),
	}
	if len(samples) == 0 {
		return f
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i] >= 0) != (samples[i-1] >= 0) {
			crossings++
		}
	}
	f.ZeroCrossingRate = float64(crossings) / float64(len(samples))
	return f
}

func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(samples)))
}

// DetectVoiceActivity reports whether the buffer RMS exceeds threshold.
// A non-positive threshold uses DefaultVoiceThreshold.
func DetectVoiceActivity(samples []float32, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultVoiceThreshold
	}
	return RMS(samples) > threshold
}

// Duration of n mono samples at SampleRate.
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}
