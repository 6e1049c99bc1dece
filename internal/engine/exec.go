package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/audio"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/mattn/go-shellwords"
)

// Exec runs an external recognizer per request. The command receives
// --audio <wav> --model <path> and must print {"text","confidence"} JSON.
type Exec struct {
	cmd     []string
	cfg     config.EngineConfig
	timeout time.Duration
	model   string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExec(cfg config.EngineConfig) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("engine command is empty")
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Exec{cmd: args, cfg: cfg, timeout: timeout}, nil
}

func (e *Exec) Load(_ context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("stat model: %w", err)
	}
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return fmt.Errorf("engine command: %w", err)
	}
	e.model = path
	return nil
}

func (e *Exec) Infer(ctx context.Context, samples []float32) (string, error) {
	res, err := e.InferScored(ctx, samples)
	return res.Text, err
}

func (e *Exec) InferScored(ctx context.Context, samples []float32) (Transcript, error) {
	file, err := os.CreateTemp("", "whisperd_*.wav")
	if err != nil {
		return Transcript{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, samples, audio.SampleRate); err != nil {
		return Transcript{}, err
	}

	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if e.model != "" {
		cmdArgs = append(cmdArgs, "--model", e.model)
	}
	if e.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", e.cfg.Language)
	}
	if e.cfg.Threads > 0 {
		cmdArgs = append(cmdArgs, "--threads", strconv.Itoa(e.cfg.Threads))
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	command := exec.CommandContext(runCtx, e.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Transcript{}, fmt.Errorf("engine command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Transcript{}, fmt.Errorf("decode engine response: %w", err)
	}
	// scores outside (0, 1] are treated as missing
	scored := resp.Confidence > 0 && resp.Confidence <= 1
	t := Transcript{Text: strings.TrimSpace(resp.Text)}
	if scored {
		t.Confidence, t.Scored = resp.Confidence, true
	}
	return t, nil
}

func (e *Exec) Release() error {
	e.model = ""
	return nil
}
