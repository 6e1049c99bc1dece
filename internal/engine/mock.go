package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/audio"
)

const defaultMockText = "this is a local speech recognition test result"

// Mock stands in for a real model. Load only checks that the model file
// exists; Infer returns a canned phrase for audible input and an empty
// string for silence.
type Mock struct {
	text string
}

func NewMock(text string) *Mock {
	if strings.TrimSpace(text) == "" {
		text = defaultMockText
	}
	return &Mock{text: text}
}

func (m *Mock) Load(_ context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat model: %w", err)
	}
	if info.IsDir() {
		return errors.New("model path is a directory")
	}
	return nil
}

func (m *Mock) Infer(_ context.Context, samples []float32) (string, error) {
	if !audio.DetectVoiceActivity(samples, audio.DefaultVoiceThreshold) {
		return "", nil
	}
	return m.text, nil
}

func (m *Mock) Release() error {
	return nil
}
