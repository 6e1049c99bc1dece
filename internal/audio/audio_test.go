package audio

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func approxEqual(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-6
}

func TestNormalizeScalesToPeakTarget(t *testing.T) {
	in, err := FromSamples([]float64{0.2, -0.4, 0.1})
	if err != nil {
		t.Fatalf("from samples: %v", err)
	}
	got := Normalize(in)
	want := []float32{0.4, -0.8, 0.2}
	for i := range want {
		if !approxEqual(got[i], want[i]) {
			t.Fatalf("sample %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestFromSamplesRejectsNonFinite(t *testing.T) {
	cases := map[string]float64{
		"nan":       math.NaN(),
		"+inf":      math.Inf(1),
		"-inf":      math.Inf(-1),
		"overflow":  1e39,
		"underflow": -1e39,
	}
	for name, bad := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromSamples([]float64{0.5, bad, -0.25})
			if !errors.Is(err, ErrMalformedAudio) {
				t.Fatalf("expected ErrMalformedAudio, got %v", err)
			}
		})
	}

	out, err := FromSamples([]float64{math.MaxFloat32, -0.5})
	if err != nil {
		t.Fatalf("largest float32 rejected: %v", err)
	}
	for i, s := range Normalize(out) {
		if math.IsNaN(float64(s)) || s > 1 || s < -1 {
			t.Fatalf("sample %d out of range: %v", i, s)
		}
	}
}

func TestDecodeThenNormalize(t *testing.T) {
	// int16 16384 and -16384
	pcm := []byte{0x00, 0x40, 0x00, 0xC0}
	decoded, err := DecodePCM16LE(pcm)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded[0] != 0.5 || decoded[1] != -0.5 {
		t.Fatalf("expected [0.5 -0.5], got %v", decoded)
	}
	normalized := Normalize(decoded)
	if !approxEqual(normalized[0], 0.8) || !approxEqual(normalized[1], -0.8) {
		t.Fatalf("expected [0.8 -0.8], got %v", normalized)
	}
}

func TestDecodeFormula(t *testing.T) {
	cases := map[int16]float32{
		0:      0,
		1:      1.0 / 32768.0,
		-1:     -1.0 / 32768.0,
		32767:  32767.0 / 32768.0,
		-32768: -1,
	}
	for in, want := range cases {
		pcm := []byte{byte(uint16(in)), byte(uint16(in) >> 8)}
		got, err := DecodePCM16LE(pcm)
		if err != nil {
			t.Fatalf("decode %d: %v", in, err)
		}
		if got[0] != want {
			t.Fatalf("decode %d: expected %v, got %v", in, want, got[0])
		}
	}
}

func TestDecodeRejectsOddLength(t *testing.T) {
	_, err := DecodePCM16LE([]byte{0x01, 0x02, 0x03})
	if !errors.Is(err, ErrMalformedAudio) {
		t.Fatalf("expected ErrMalformedAudio, got %v", err)
	}
}

func TestNormalizeSilenceUnchanged(t *testing.T) {
	in := []float32{0, 0, 0}
	out := Normalize(in)
	if Peak(out) != 0 || len(out) != 3 {
		t.Fatalf("expected silent buffer, got %v", out)
	}
	if len(Normalize(nil)) != 0 {
		t.Fatal("expected empty output for empty input")
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	in := []float32{0.1, -0.2}
	_ = Normalize(in)
	if in[0] != 0.1 || in[1] != -0.2 {
		t.Fatalf("input modified: %v", in)
	}
}

func TestNormalizePeakProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 200; n++ {
		buf := make([]float32, 1+rng.Intn(512))
		for i := range buf {
			buf[i] = float32(rng.Float64()*2 - 1)
		}
		if n%10 == 0 {
			for i := range buf {
				buf[i] = 0
			}
		}
		out := Normalize(buf)
		peak := Peak(out)
		if peak != 0 && math.Abs(float64(peak)-PeakTarget) > 1e-6 {
			t.Fatalf("iteration %d: peak %v not in {0, %v}", n, peak, PeakTarget)
		}
		for _, s := range out {
			if s < -1 || s > 1 {
				t.Fatalf("iteration %d: sample %v out of range", n, s)
			}
		}
	}
}

func TestRenormalizeRescales(t *testing.T) {
	once := Normalize([]float32{0.5, -0.25})
	twice := Normalize(once)
	if !approxEqual(Peak(twice), PeakTarget) {
		t.Fatalf("expected peak %v after second pass, got %v", PeakTarget, Peak(twice))
	}
}

func TestEncodeClamps(t *testing.T) {
	pcm := EncodePCM16LE([]float32{2, -2, 0.5})
	decoded, err := DecodePCM16LE(pcm)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded[0] != 32767.0/32768.0 || decoded[1] != -1 || decoded[2] != 0.5 {
		t.Fatalf("unexpected clamp result %v", decoded)
	}
}

func TestAnalyze(t *testing.T) {
	samples := make([]float32, SampleRate/2)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 0.5
		} else {
			samples[i] = -0.5
		}
	}
	f := Analyze(samples)
	if f.Duration.Milliseconds() != 500 {
		t.Fatalf("expected 500ms, got %v", f.Duration)
	}
	if math.Abs(f.RMS-0.5) > 1e-6 {
		t.Fatalf("expected rms 0.5, got %v", f.RMS)
	}
	if f.ZeroCrossingRate < 0.99 {
		t.Fatalf("expected alternating signal to cross on almost every sample, got %v", f.ZeroCrossingRate)
	}
	if !DetectVoiceActivity(samples, 0) {
		t.Fatal("expected voice activity")
	}
	if DetectVoiceActivity(make([]float32, 100), 0) {
		t.Fatal("expected silence")
	}
}

func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	samples := []float32{0, 0.5, -0.5, 0.25}
	if err := WriteWAV(file, samples, SampleRate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	file.Close()

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()
	pcm, err := ReadWAV(in)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	decoded, err := DecodePCM16LE(pcm)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if !approxEqual(decoded[i], samples[i]) {
			t.Fatalf("sample %d: expected %v, got %v", i, samples[i], decoded[i])
		}
	}
}

func TestReadWAVRejectsWrongRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := WriteWAV(file, []float32{0.1, 0.2}, 44100); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	file.Close()

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()
	if _, err := ReadWAV(in); !errors.Is(err, ErrMalformedAudio) {
		t.Fatalf("expected ErrMalformedAudio, got %v", err)
	}
}
