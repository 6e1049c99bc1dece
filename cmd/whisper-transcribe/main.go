// Command whisper-transcribe runs the local speech model over 16 kHz mono
// 16-bit WAV files and prints one transcript per file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/audio"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/runtime"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/stt"
)

type fileResult struct {
	File       string  `json:"file"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
	Code       string  `json:"code,omitempty"`
}

func main() {
	var (
		configPath  string
		envPath     string
		format      string
		loadTimeout time.Duration
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&envPath, "env", ".env", "Optional dotenv file loaded before the configuration")
	flag.StringVar(&format, "format", "text", "Output format: text or json")
	flag.DurationVar(&loadTimeout, "load-timeout", 2*time.Minute, "How long to wait for the model to load")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] file.wav...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if format != "text" && format != "json" {
		fmt.Fprintf(os.Stderr, "unsupported format %q\n", format)
		os.Exit(2)
	}

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logger := runtime.NewLogger(cfg.Telemetry, os.Stderr)

	pipeline := runtime.BuildPipeline(cfg, nil, logger)
	defer pipeline.Close()

	ctx := context.Background()
	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	err = pipeline.Models().Wait(loadCtx)
	cancel()
	if err != nil {
		logger.Error("model not available", slog.String("path", pipeline.Models().Path()), slog.String("error", err.Error()))
		pipeline.Close()
		os.Exit(1)
	}

	failed := false
	for _, path := range flag.Args() {
		res := transcribeFile(ctx, pipeline, path)
		if res.Error != "" {
			failed = true
		}
		if err := printResult(os.Stdout, format, res); err != nil {
			logger.Error("failed to write result", slog.String("error", err.Error()))
			failed = true
		}
	}
	if failed {
		pipeline.Close()
		os.Exit(1)
	}
}

func transcribeFile(ctx context.Context, pipeline *stt.Pipeline, path string) fileResult {
	out := fileResult{File: path}
	f, err := os.Open(path)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	defer f.Close()

	pcm, err := audio.ReadWAV(f)
	if err != nil {
		out.Error = err.Error()
		out.Code = string(stt.CodeMalformedAudio)
		return out
	}

	res, err := pipeline.Submit(ctx, stt.Request{Source: "cli", SessionID: path, PCM: pcm}).Wait(ctx)
	if err != nil {
		out.Error = err.Error()
		out.Code = string(stt.CodeOf(err))
		return out
	}
	out.Text = res.Text
	out.Confidence = res.Confidence
	return out
}

func printResult(w io.Writer, format string, res fileResult) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(res)
	}
	if res.Error != "" {
		_, err := fmt.Fprintf(w, "%s\terror\t%s\n", res.File, res.Error)
		return err
	}
	_, err := fmt.Fprintf(w, "%s\t%.2f\t%s\n", res.File, res.Confidence, res.Text)
	return err
}
