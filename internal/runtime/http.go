package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/eventstore"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/protocol"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/stt"
)

// maxTranscribeBody bounds POST /v1/transcribe. Two minutes of samples as
// JSON floats fit comfortably.
const maxTranscribeBody = 64 << 20

type httpAPI struct {
	pipeline *stt.Pipeline
	history  *eventstore.Store
	metrics  http.Handler
	timeout  time.Duration
	log      *slog.Logger
}

func newHTTPHandler(pipeline *stt.Pipeline, history *eventstore.Store, metrics http.Handler, timeout time.Duration, logger *slog.Logger) http.Handler {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	api := &httpAPI{
		pipeline: pipeline,
		history:  history,
		metrics:  metrics,
		timeout:  timeout,
		log:      logger.With(slog.String("component", "http")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", api.handleHealth)
	mux.HandleFunc("/readyz", api.handleReady)
	mux.HandleFunc("GET /v1/status", api.handleStatus)
	mux.HandleFunc("POST /v1/transcribe", api.handleTranscribe)
	mux.HandleFunc("GET /v1/history", api.handleHistory)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func (a *httpAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *httpAPI) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.pipeline.Models().IsReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready: " + a.pipeline.Models().State().String()))
}

func (a *httpAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := a.pipeline.Status()
	a.writeJSON(w, http.StatusOK, protocol.ModelStatus{
		IsLoaded:  st.IsLoaded,
		ModelPath: st.ModelPath,
		State:     st.State,
		Error:     st.Error,
	})
}

func (a *httpAPI) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTranscribeBody)
	var in protocol.TranscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		a.writeJSON(w, http.StatusBadRequest, protocol.TranscribeResponse{Error: &protocol.ErrorBody{
			Code:    string(stt.CodeMalformedAudio),
			Message: fmt.Sprintf("decode request: %v", err),
		}})
		return
	}

	req := stt.RequestFrom(in, "http")
	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	res, err := a.pipeline.Submit(ctx, req).Wait(ctx)
	a.writeJSON(w, statusFor(err), stt.ToResponse(req.ID, res, err))
}

func (a *httpAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := eventstore.Query{SessionID: r.URL.Query().Get("session_id")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		q.Limit = limit
	}

	entries := []eventstore.Entry{}
	if a.history != nil {
		found, err := a.history.List(r.Context(), q)
		if err != nil {
			a.log.Error("history query failed", slog.String("error", err.Error()))
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		if found != nil {
			entries = found
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// statusFor maps pipeline outcomes onto HTTP codes. 504 means the wait
// bound expired before the request finished.
func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var sttErr *stt.Error
	if !errors.As(err, &sttErr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
	switch sttErr.Code {
	case stt.CodeModelNotLoaded:
		return http.StatusServiceUnavailable
	case stt.CodeMalformedAudio:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *httpAPI) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.log.Warn("failed to write response", slog.String("error", err.Error()))
	}
}
