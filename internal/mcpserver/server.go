// Package mcpserver exposes the transcription pipeline as Model Context
// Protocol tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/protocol"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/stt"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	ToolTranscribeAudio   = "transcribe_audio"
	ToolTranscribeSamples = "transcribe_samples"
	ToolModelStatus       = "model_status"
)

type Config struct {
	ServerName    string
	ServerVersion string

	// RequestTimeout bounds how long a tool call waits for its transcript.
	RequestTimeout time.Duration
}

type Server struct {
	config    Config
	pipeline  *stt.Pipeline
	mcpServer *sdk.Server
	log       *slog.Logger
}

type TranscribeAudioArgs struct {
	Audio     string `json:"audio" jsonschema:"base64 encoded 16-bit little-endian mono PCM sampled at 16 kHz"`
	SessionID string `json:"session_id,omitempty" jsonschema:"optional caller session recorded in history"`
}

type TranscribeSamplesArgs struct {
	Samples   []float64 `json:"samples" jsonschema:"mono 16 kHz samples in any amplitude range"`
	SessionID string    `json:"session_id,omitempty" jsonschema:"optional caller session recorded in history"`
}

type ModelStatusArgs struct{}

func NewServer(cfg Config, pipeline *stt.Pipeline, logger *slog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 45 * time.Second
	}
	s := &Server{
		config:   cfg,
		pipeline: pipeline,
		log:      logger.With(slog.String("component", "mcp")),
	}
	s.mcpServer = sdk.NewServer(&sdk.Implementation{
		Name:    cfg.ServerName,
		Version: cfg.ServerVersion,
	}, nil)
	s.registerTools()
	return s
}

// Run serves on transport until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}

// Connect starts a single session, which tests use with in-memory
// transports.
func (s *Server) Connect(ctx context.Context, transport sdk.Transport) (*sdk.ServerSession, error) {
	return s.mcpServer.Connect(ctx, transport, nil)
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcpServer, &sdk.Tool{
		Name:        ToolTranscribeAudio,
		Description: "Transcribe base64 encoded 16 kHz mono 16-bit PCM with the local speech model",
	}, s.handleTranscribeAudio)

	sdk.AddTool(s.mcpServer, &sdk.Tool{
		Name:        ToolTranscribeSamples,
		Description: "Transcribe an array of mono 16 kHz float samples with the local speech model",
	}, s.handleTranscribeSamples)

	sdk.AddTool(s.mcpServer, &sdk.Tool{
		Name:        ToolModelStatus,
		Description: "Report whether the speech model is loaded and where it was loaded from",
	}, s.handleModelStatus)
}

func (s *Server) handleTranscribeAudio(ctx context.Context, _ *sdk.CallToolRequest, args TranscribeAudioArgs) (*sdk.CallToolResult, any, error) {
	req := stt.RequestFrom(protocol.TranscribeRequest{SessionID: args.SessionID, Audio: args.Audio}, "mcp")
	return s.transcribe(ctx, req), nil, nil
}

func (s *Server) handleTranscribeSamples(ctx context.Context, _ *sdk.CallToolRequest, args TranscribeSamplesArgs) (*sdk.CallToolResult, any, error) {
	req := stt.RequestFrom(protocol.TranscribeRequest{SessionID: args.SessionID, Samples: args.Samples}, "mcp")
	return s.transcribe(ctx, req), nil, nil
}

func (s *Server) handleModelStatus(_ context.Context, _ *sdk.CallToolRequest, _ ModelStatusArgs) (*sdk.CallToolResult, any, error) {
	st := s.pipeline.Status()
	return s.jsonResult(protocol.ModelStatus{
		IsLoaded:  st.IsLoaded,
		ModelPath: st.ModelPath,
		State:     st.State,
		Error:     st.Error,
	}, false), nil, nil
}

// transcribe reports pipeline failures as tool errors carrying the
// {code, message} body rather than as protocol errors.
func (s *Server) transcribe(ctx context.Context, req stt.Request) *sdk.CallToolResult {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	res, err := s.pipeline.Submit(ctx, req).Wait(ctx)
	if err != nil {
		s.log.Warn("tool transcription failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()))
	}
	return s.jsonResult(stt.ToResponse(req.ID, res, err), err != nil)
}

func (s *Server) jsonResult(payload any, isError bool) *sdk.CallToolResult {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("failed to encode tool result", slog.String("error", err.Error()))
		return &sdk.CallToolResult{
			IsError: true,
			Content: []sdk.Content{&sdk.TextContent{Text: err.Error()}},
		}
	}
	return &sdk.CallToolResult{
		IsError: isError,
		Content: []sdk.Content{&sdk.TextContent{Text: string(data)}},
	}
}
