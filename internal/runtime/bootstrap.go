package runtime

import (
	"log/slog"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/engine"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/model"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/stt"
)

// BuildModel resolves the model file and starts loading it in the
// background. A missing file or an unusable engine leaves the manager
// Failed so the process can still answer status queries.
func BuildModel(cfg config.Config, logger *slog.Logger) *model.Manager {
	path, resolveErr := model.ResolveConfig(cfg.Model)

	eng, engErr := engine.New(cfg.Engine)
	if engErr != nil {
		eng = nil
	}

	models := model.NewManager(path, eng, logger)
	switch {
	case engErr != nil:
		models.Fail(engErr)
	case resolveErr != nil:
		models.Fail(resolveErr)
	default:
		models.BeginLoad()
	}
	logger.Info("model configured",
		slog.String("path", path),
		slog.String("engine", cfg.Engine.Mode),
		slog.String("state", models.State().String()))
	return models
}

// BuildPipeline wires a pipeline over a freshly loading model. recorder may
// be nil.
func BuildPipeline(cfg config.Config, recorder stt.Recorder, logger *slog.Logger) *stt.Pipeline {
	return stt.NewPipeline(cfg.STT, BuildModel(cfg, logger), recorder, logger)
}
