//go:build !whisper_cpp

package engine

import (
	"fmt"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
)

func NewWhisperCPP(config.EngineConfig) (Engine, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags whisper_cpp", ErrUnavailable)
}
