package protocol

import "time"

// AudioFrame carries a chunk of 16-bit little-endian mono PCM for a session.
// Frames accumulate until one arrives with Final set.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript is published for every finished utterance.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	RequestID  string    `json:"request_id,omitempty"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

// TranscribeRequest is the request/reply payload on SubjectTranscribe.
// Exactly one of Samples or Audio (base64 PCM) is set.
type TranscribeRequest struct {
	RequestID string    `json:"request_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Samples   []float64 `json:"samples,omitempty"`
	Audio     string    `json:"audio,omitempty"`
}

type TranscribeResponse struct {
	RequestID  string     `json:"request_id"`
	Text       string     `json:"text,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
	Error      *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ModelStatus struct {
	IsLoaded  bool   `json:"isLoaded"`
	ModelPath string `json:"modelPath"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscriptFinal  = "stt.text.final"
	SubjectTranscribe       = "stt.transcribe"
	SubjectStatus           = "stt.status"
)
