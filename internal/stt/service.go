package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/bus"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/protocol"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const serviceQueue = "whisperd-stt"

// Service exposes a Pipeline on the bus: request/reply transcription,
// status queries and per-session utterances assembled from audio frames.
type Service struct {
	cfg      config.STTConfig
	bus      *bus.Client
	pipeline *Pipeline
	log      *slog.Logger
	sessions map[string]*sessionState
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	wg       sync.WaitGroup
	ready    bool
}

type sessionState struct {
	Buffer   []byte
	Frames   int
	Started  time.Time
	LastSeen time.Time
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, pipeline *Pipeline, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if logger == nil {
		logger = busClient.Logger()
	}
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		pipeline: pipeline,
		log:      logger.With(slog.String("component", "stt-service")),
		sessions: make(map[string]*sessionState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()

	frameSub, err := conn.Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frameSub)

	reqSub, err := conn.QueueSubscribe(protocol.SubjectTranscribe, serviceQueue, s.handleTranscribe)
	if err != nil {
		s.unsubscribe()
		return fmt.Errorf("subscribe transcribe: %w", err)
	}
	s.subs = append(s.subs, reqSub)

	statusSub, err := conn.Subscribe(protocol.SubjectStatus, s.handleStatus)
	if err != nil {
		s.unsubscribe()
		return fmt.Errorf("subscribe status: %w", err)
	}
	s.subs = append(s.subs, statusSub)

	if idle := s.sessionIdle(); idle > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSweeper(idle)
		}()
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.log.Info("stt service listening",
		slog.String("transcribe", protocol.SubjectTranscribe),
		slog.String("frames", protocol.SubjectAudioFramePrefix+".>"))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) requestTimeout() time.Duration {
	if s.cfg.RequestTimeoutMS <= 0 {
		return 45 * time.Second
	}
	return time.Duration(s.cfg.RequestTimeoutMS) * time.Millisecond
}

func (s *Service) sessionIdle() time.Duration {
	return time.Duration(s.cfg.SessionIdleMS) * time.Millisecond
}

func (s *Service) runSweeper(idle time.Duration) {
	interval := idle / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.sweepIdle(now, idle)
		}
	}
}

// sweepIdle drops sessions that have not received a frame within idle of
// now. Their audio is discarded, not transcribed.
func (s *Service) sweepIdle(now time.Time, idle time.Duration) int {
	var dropped []string
	s.mu.Lock()
	for id, state := range s.sessions {
		if now.Sub(state.LastSeen) >= idle {
			delete(s.sessions, id)
			dropped = append(dropped, id)
		}
	}
	s.mu.Unlock()

	for _, id := range dropped {
		s.log.Warn("session idle without final frame, discarding",
			slog.String("session_id", id),
			slog.Duration("idle", idle))
	}
	return len(dropped)
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.log.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}
	if (frame.SampleRate != 0 && frame.SampleRate != s.cfg.SampleRate) || (frame.Channels != 0 && frame.Channels != s.cfg.Channels) {
		s.log.Warn("dropping audio frame with unsupported format",
			slog.String("session_id", frame.SessionID),
			slog.Int("sample_rate", frame.SampleRate),
			slog.Int("channels", frame.Channels))
		return
	}

	now := time.Now()
	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{Started: now}
		s.sessions[frame.SessionID] = state
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	state.Frames++
	state.LastSeen = now
	overflow := s.cfg.MaxSessionBytes > 0 && len(state.Buffer) > s.cfg.MaxSessionBytes
	if overflow {
		delete(s.sessions, frame.SessionID)
	}
	s.mu.Unlock()

	if overflow {
		s.log.Warn("session exceeded buffer limit, discarding",
			slog.String("session_id", frame.SessionID),
			slog.Int("limit_bytes", s.cfg.MaxSessionBytes))
		return
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID)
	}
}

func (s *Service) scheduleTranscription(sessionID string) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if state == nil {
		return
	}
	s.log.Debug("utterance complete",
		slog.String("session_id", sessionID),
		slog.Int("frames", state.Frames),
		slog.Int("bytes", len(state.Buffer)),
		slog.Duration("span", state.LastSeen.Sub(state.Started)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		req := Request{ID: uuid.NewString(), SessionID: sessionID, Source: "nats", PCM: state.Buffer}
		ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout())
		defer cancel()

		res, err := s.pipeline.Submit(ctx, req).Wait(ctx)
		if err != nil {
			s.log.Warn("stt transcription failed",
				slog.String("session_id", sessionID),
				slog.String("code", string(CodeOf(err))),
				slogError(err))
			return
		}
		s.publishTranscript(sessionID, req.ID, res)
	}()
}

func (s *Service) publishTranscript(sessionID, requestID string, res Result) {
	if res.Text == "" {
		return
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		RequestID:  requestID,
		Text:       res.Text,
		Timestamp:  time.Now().UTC(),
		Confidence: res.Confidence,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTranscriptFinal, data); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) handleTranscribe(msg *nats.Msg) {
	var in protocol.TranscribeRequest
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.reply(msg, protocol.TranscribeResponse{Error: &protocol.ErrorBody{
			Code:    string(CodeMalformedAudio),
			Message: fmt.Sprintf("decode request: %v", err),
		}})
		return
	}

	req := RequestFrom(in, "nats")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout())
		defer cancel()

		res, err := s.pipeline.Submit(ctx, req).Wait(ctx)
		s.reply(msg, ToResponse(req.ID, res, err))
	}()
}

func (s *Service) handleStatus(msg *nats.Msg) {
	st := s.pipeline.Status()
	s.reply(msg, protocol.ModelStatus{
		IsLoaded:  st.IsLoaded,
		ModelPath: st.ModelPath,
		State:     st.State,
		Error:     st.Error,
	})
}

func (s *Service) reply(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.log.Warn("failed to send reply", slogError(err))
	}
}

// RequestFrom maps a wire request onto a pipeline request, generating an ID
// when the caller sent none. Both payloads set is passed through so the
// pipeline rejects it.
func RequestFrom(in protocol.TranscribeRequest, source string) Request {
	req := Request{ID: in.RequestID, SessionID: in.SessionID, Source: source}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	switch {
	case in.Audio != "" && in.Samples != nil:
		req.Encoded, req.Samples = in.Audio, in.Samples
	case in.Audio != "":
		req.Encoded = in.Audio
	default:
		req.Samples = in.Samples
		if req.Samples == nil {
			req.Samples = []float64{}
		}
	}
	return req
}

// ToResponse renders a finished request for the wire.
func ToResponse(requestID string, res Result, err error) protocol.TranscribeResponse {
	out := protocol.TranscribeResponse{RequestID: requestID}
	if err != nil {
		out.Error = ErrorBody(err)
		return out
	}
	out.Text = res.Text
	out.Confidence = res.Confidence
	return out
}

// ErrorBody renders err as the {code, message} body shared by transports.
func ErrorBody(err error) *protocol.ErrorBody {
	if err == nil {
		return nil
	}
	var sttErr *Error
	if errors.As(err, &sttErr) {
		return &protocol.ErrorBody{Code: string(sttErr.Code), Message: sttErr.Message()}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &protocol.ErrorBody{Code: "TIMEOUT", Message: "transcription did not finish in time"}
	}
	return &protocol.ErrorBody{Code: string(CodeOf(err)), Message: err.Error()}
}
