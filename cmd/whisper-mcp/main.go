// Command whisper-mcp serves the local speech model as MCP tools over
// stdio. Logs go to stderr because stdout carries the protocol.
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
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/eventstore"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/mcpserver"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/runtime"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		envPath     string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&envPath, "env", ".env", "Optional dotenv file loaded before the configuration")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	if err := run(configPath, envPath); err != nil {
		fmt.Fprintf(os.Stderr, "whisper-mcp: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envPath string) error {
	if err := config.LoadDotEnv(envPath); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := runtime.NewLogger(cfg.Telemetry, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	history, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer history.Close()

	pipeline := runtime.BuildPipeline(cfg, history, logger)
	defer pipeline.Close()

	server := mcpserver.NewServer(mcpserver.Config{
		ServerName:     cfg.RuntimeName + "-mcp",
		ServerVersion:  version,
		RequestTimeout: time.Duration(cfg.STT.RequestTimeoutMS) * time.Millisecond,
	}, pipeline, logger)

	logger.Info("mcp server starting", slog.String("model", pipeline.Models().Path()))
	if err := server.Run(ctx, &sdk.StdioTransport{}); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
