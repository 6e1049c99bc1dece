//go:build vosk

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/audio"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	vosk "github.com/alphacep/vosk-api/go"
)

// Vosk recognizes with a Kaldi model directory. A fresh recognizer is
// created per request so utterances never share decoder state.
type Vosk struct {
	cfg   config.EngineConfig
	mu    sync.RWMutex
	model *vosk.VoskModel
}

type voskResult struct {
	Text   string `json:"text"`
	Result []struct {
		Conf float64 `json:"conf"`
		Word string  `json:"word"`
	} `json:"result,omitempty"`
}

func NewVosk(cfg config.EngineConfig) (Engine, error) {
	return &Vosk{cfg: cfg}, nil
}

func (v *Vosk) Load(_ context.Context, path string) error {
	vosk.SetLogLevel(-1)
	model, err := vosk.NewModel(path)
	if err != nil {
		return fmt.Errorf("load vosk model %q: %w", path, err)
	}
	if model == nil {
		return fmt.Errorf("load vosk model %q: model returned nil", path)
	}
	v.mu.Lock()
	v.model = model
	v.mu.Unlock()
	return nil
}

func (v *Vosk) Infer(ctx context.Context, samples []float32) (string, error) {
	res, err := v.InferScored(ctx, samples)
	return res.Text, err
}

func (v *Vosk) InferScored(_ context.Context, samples []float32) (Transcript, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.model == nil {
		return Transcript{}, errors.New("vosk model not loaded")
	}

	rec, err := vosk.NewRecognizer(v.model, float64(audio.SampleRate))
	if err != nil {
		return Transcript{}, fmt.Errorf("create recognizer: %w", err)
	}
	defer rec.Free()
	rec.SetWords(1)

	rec.AcceptWaveform(audio.EncodePCM16LE(samples))

	var out voskResult
	if err := json.Unmarshal([]byte(rec.FinalResult()), &out); err != nil {
		return Transcript{}, fmt.Errorf("parse vosk result: %w", err)
	}
	res := Transcript{Text: out.Text}
	if len(out.Result) > 0 {
		var sum float64
		for _, w := range out.Result {
			sum += w.Conf
		}
		res.Confidence = sum / float64(len(out.Result))
		res.Scored = true
	}
	return res, nil
}

func (v *Vosk) Release() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.model != nil {
		v.model.Free()
		v.model = nil
	}
	return nil
}
