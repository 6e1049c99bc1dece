//go:build !vosk

package engine

import (
	"fmt"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
)

func NewVosk(config.EngineConfig) (Engine, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags vosk", ErrUnavailable)
}
