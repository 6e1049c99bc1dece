package stt

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/audio"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/engine"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/model"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultConfidence is reported when the engine has no score of its own.
const DefaultConfidence = 0.8

const instrumentationName = "github.com/Derrick-xn/whisper-base-q8-rn/stt"

type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Input kinds recorded in history.
const (
	InputSamples = "samples"
	InputPCM     = "pcm"
	InputBase64  = "base64"
)

// Request carries exactly one audio payload: Samples (floats), PCM (16-bit
// little-endian bytes) or Encoded (base64 of the same PCM).
type Request struct {
	ID        string
	SessionID string
	Source    string
	Samples   []float64
	PCM       []byte
	Encoded   string
}

func (r Request) kind() (string, error) {
	n := 0
	kind := ""
	if r.Samples != nil {
		n++
		kind = InputSamples
	}
	if r.PCM != nil {
		n++
		kind = InputPCM
	}
	if r.Encoded != "" {
		n++
		kind = InputBase64
	}
	switch n {
	case 0:
		return "", fmt.Errorf("%w: no audio supplied", audio.ErrMalformedAudio)
	case 1:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: more than one audio payload supplied", audio.ErrMalformedAudio)
	}
}

type Status struct {
	IsLoaded  bool   `json:"isLoaded"`
	ModelPath string `json:"modelPath"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

// Record describes one finished request for the history store.
type Record struct {
	RequestID  string
	SessionID  string
	Source     string
	InputKind  string
	Samples    int
	Duration   time.Duration
	RMS        float64
	Text       string
	Confidence float64
	ErrorCode  string
	Latency    time.Duration
	CreatedAt  time.Time
}

type Recorder interface {
	RecordTranscription(ctx context.Context, rec Record) error
}

// Pipeline turns caller audio into text using the model held by a
// Manager. Each request runs on its own goroutine; nothing is queued.
type Pipeline struct {
	cfg    config.STTConfig
	models *model.Manager
	rec    Recorder
	log    *slog.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPipeline(cfg config.STTConfig, models *model.Manager, recorder Recorder, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		cfg:    cfg,
		models: models,
		rec:    recorder,
		log:    logger.With(slog.String("component", "stt-pipeline")),
		tracer: otel.Tracer(instrumentationName),
	}
	meter := otel.Meter(instrumentationName)
	var err error
	if p.requests, err = meter.Int64Counter("whisperd.stt.requests",
		metric.WithDescription("Transcription requests by outcome")); err != nil {
		p.log.Warn("failed to create request counter", slogError(err))
	}
	if p.latency, err = meter.Float64Histogram("whisperd.stt.latency",
		metric.WithDescription("Transcription latency"), metric.WithUnit("ms")); err != nil {
		p.log.Warn("failed to create latency histogram", slogError(err))
	}
	return p
}

// TranscribeSamples accepts float samples, mono 16 kHz.
func (p *Pipeline) TranscribeSamples(ctx context.Context, samples []float64) *Completion {
	if samples == nil {
		samples = []float64{}
	}
	return p.Submit(ctx, Request{Samples: samples})
}

// TranscribeEncoded accepts base64 encoded 16-bit little-endian PCM.
func (p *Pipeline) TranscribeEncoded(ctx context.Context, encoded string) *Completion {
	if encoded == "" {
		return p.Submit(ctx, Request{PCM: []byte{}})
	}
	return p.Submit(ctx, Request{Encoded: encoded})
}

// TranscribePCM accepts raw 16-bit little-endian PCM.
func (p *Pipeline) TranscribePCM(ctx context.Context, pcm []byte) *Completion {
	if pcm == nil {
		pcm = []byte{}
	}
	return p.Submit(ctx, Request{PCM: pcm})
}

// Submit starts req on its own goroutine and returns immediately. The work
// is detached from ctx cancellation; use Completion.Wait to bound waiting.
func (p *Pipeline) Submit(ctx context.Context, req Request) *Completion {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return resolved(Result{}, &Error{Code: CodeModelNotLoaded, Err: fmt.Errorf("%w: pipeline closed", model.ErrNotLoaded)})
	}
	p.wg.Add(1)
	p.mu.Unlock()

	c := newCompletion()
	work := context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		res, err := p.Transcribe(work, req)
		c.resolve(res, err)
	}()
	return c
}

// Transcribe runs one request synchronously. Every failure, panics
// included, comes back as *Error.
func (p *Pipeline) Transcribe(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	rec := Record{
		RequestID: req.ID,
		SessionID: req.SessionID,
		Source:    req.Source,
		CreatedAt: start.UTC(),
	}

	ctx, span := p.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("stt.request_id", req.ID),
		attribute.String("stt.source", req.Source),
	))
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = &Error{Code: CodeInference, Err: fmt.Errorf("%w: panic: %v", ErrInference, r)}
		}
		p.finish(ctx, span, &rec, res, err, time.Since(start))
		span.End()
	}()

	res, err = p.transcribe(ctx, req, &rec)
	if err != nil {
		return Result{}, classify(err)
	}
	return res, nil
}

func (p *Pipeline) transcribe(ctx context.Context, req Request, rec *Record) (Result, error) {
	if !p.models.IsReady() {
		return Result{}, model.ErrNotLoaded
	}

	kind, err := req.kind()
	if err != nil {
		return Result{}, err
	}
	rec.InputKind = kind

	var samples []float32
	switch kind {
	case InputSamples:
		if samples, err = audio.FromSamples(req.Samples); err != nil {
			return Result{}, err
		}
	case InputPCM:
		if samples, err = audio.DecodePCM16LE(req.PCM); err != nil {
			return Result{}, err
		}
	case InputBase64:
		pcm, decErr := base64.StdEncoding.DecodeString(req.Encoded)
		if decErr != nil {
			return Result{}, fmt.Errorf("%w: invalid base64: %v", audio.ErrMalformedAudio, decErr)
		}
		if samples, err = audio.DecodePCM16LE(pcm); err != nil {
			return Result{}, err
		}
	}
	if len(samples) == 0 {
		return Result{}, fmt.Errorf("%w: empty audio", audio.ErrMalformedAudio)
	}

	features := audio.Analyze(samples)
	rec.Samples = features.Samples
	rec.Duration = features.Duration
	rec.RMS = features.RMS
	p.log.Debug("audio received",
		slog.String("request_id", req.ID),
		slog.Int("samples", features.Samples),
		slog.Duration("duration", features.Duration),
		slog.Float64("rms", features.RMS),
		slog.Bool("voice", audio.DetectVoiceActivity(samples, p.cfg.VoiceThreshold)),
	)

	normalized := audio.Normalize(samples)

	var out engine.Transcript
	err = p.models.Use(func(eng engine.Engine) error {
		if scored, ok := eng.(engine.ScoredEngine); ok {
			t, inferErr := scored.InferScored(ctx, normalized)
			out = t
			return wrapInference(inferErr)
		}
		text, inferErr := eng.Infer(ctx, normalized)
		out = engine.Transcript{Text: text}
		return wrapInference(inferErr)
	})
	if err != nil {
		return Result{}, err
	}

	confidence := p.cfg.Confidence
	if confidence <= 0 {
		confidence = DefaultConfidence
	}
	if out.Scored && out.Confidence >= 0 && out.Confidence <= 1 {
		confidence = out.Confidence
	}
	return Result{Text: out.Text, Confidence: confidence}, nil
}

func wrapInference(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInference, err)
}

func (p *Pipeline) finish(ctx context.Context, span trace.Span, rec *Record, res Result, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = string(CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		p.log.Warn("transcription failed",
			slog.String("request_id", rec.RequestID),
			slog.String("code", outcome),
			slogError(err))
	} else {
		span.SetAttributes(attribute.Int("stt.text_length", len(res.Text)))
		p.log.Info("transcription completed",
			slog.String("request_id", rec.RequestID),
			slog.Int("text_length", len(res.Text)),
			slog.Duration("latency", elapsed))
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("source", rec.Source))
	if p.requests != nil {
		p.requests.Add(ctx, 1, attrs)
	}
	if p.latency != nil {
		p.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}

	if p.rec == nil {
		return
	}
	rec.Latency = elapsed
	rec.Text = res.Text
	rec.Confidence = res.Confidence
	if err != nil {
		rec.ErrorCode = outcome
	}
	if recErr := p.rec.RecordTranscription(ctx, *rec); recErr != nil {
		p.log.Warn("failed to record transcription", slogError(recErr))
	}
}

// Status reports the model state without side effects.
func (p *Pipeline) Status() Status {
	st := Status{
		IsLoaded:  p.models.IsReady(),
		ModelPath: p.models.Path(),
		State:     p.models.State().String(),
	}
	if err := p.models.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// Models exposes the lifecycle manager for readiness probes.
func (p *Pipeline) Models() *model.Manager {
	return p.models
}

// Close refuses new requests, waits for running ones, then releases the
// model. Safe to call more than once.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	if p.models.Release() {
		p.log.Info("model released")
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
