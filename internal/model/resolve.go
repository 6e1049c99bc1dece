package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
)

var ErrModelNotFound = errors.New("model file not found")

// Resolve looks for name in each directory in order and returns the first
// existing file as an absolute path.
func Resolve(name string, dirs ...string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("model file name is empty")
	}
	var searched []string
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		searched = append(searched, candidate)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		abs, err := filepath.Abs(candidate)
		if err != nil {
			return candidate, nil
		}
		return abs, nil
	}
	return "", fmt.Errorf("%w: %s (searched %s)", ErrModelNotFound, name, strings.Join(searched, ", "))
}

// ResolveConfig applies the model section: an explicit path wins and is
// only checked for existence, otherwise the primary directory and the
// fallbacks are searched. The returned path is usable for logging even on
// error.
func ResolveConfig(cfg config.ModelConfig) (string, error) {
	if cfg.Path != "" {
		abs, err := filepath.Abs(cfg.Path)
		if err != nil {
			abs = cfg.Path
		}
		if _, err := os.Stat(abs); err != nil {
			return abs, fmt.Errorf("%w: %s", ErrModelNotFound, abs)
		}
		return abs, nil
	}
	dirs := append([]string{cfg.Directory}, cfg.FallbackDirs...)
	path, err := Resolve(cfg.File, dirs...)
	if err != nil {
		return filepath.Join(cfg.Directory, cfg.File), err
	}
	return path, nil
}
