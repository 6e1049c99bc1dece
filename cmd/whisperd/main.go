package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		envPath     string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults plus WHISPERD_* environment when empty)")
	flag.StringVar(&envPath, "env", ".env", "Optional dotenv file loaded before the configuration")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := config.LoadDotEnv(envPath); err != nil {
		bootLogger.Error("failed to load env file", slog.String("path", envPath), slog.String("error", err.Error()))
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := runtime.NewLogger(cfg.Telemetry, os.Stdout).With(slog.String("version", version))
	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
