// Package engine hides the acoustic model behind a load / infer / release
// capability. Backends are selected by engine.mode.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
)

// ErrUnavailable is returned when a backend was not compiled into the binary.
var ErrUnavailable = errors.New("engine backend not available")

// Engine is an opaque speech recognizer. Load is called once before any
// Infer; Release is called once after the last Infer returns. Infer
// receives mono 16 kHz samples already normalized to the model's range.
type Engine interface {
	Load(ctx context.Context, path string) error
	Infer(ctx context.Context, samples []float32) (string, error)
	Release() error
}

// Transcript carries text plus an engine supplied confidence. Scored is
// false when the backend had no usable score.
type Transcript struct {
	Text       string
	Confidence float64
	Scored     bool
}

// ScoredEngine is implemented by backends able to report a confidence.
type ScoredEngine interface {
	Engine
	InferScored(ctx context.Context, samples []float32) (Transcript, error)
}

func New(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMock(cfg.MockText), nil
	case "exec":
		return NewExec(cfg)
	case "whispercpp":
		return NewWhisperCPP(cfg)
	case "vosk":
		return NewVosk(cfg)
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}
