package stt

import (
	"errors"
	"fmt"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/audio"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/model"
)

// Code classifies a failed transcription for callers.
type Code string

const (
	CodeModelNotLoaded Code = "MODEL_NOT_LOADED"
	CodeMalformedAudio Code = "MALFORMED_AUDIO"
	CodeInference      Code = "INFERENCE_ERROR"
	CodeModelLoad      Code = "MODEL_LOAD_ERROR"
)

// ErrInference marks a failure raised by the engine during inference.
var ErrInference = errors.New("inference failed")

type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the human readable part, without the code prefix.
func (e *Error) Message() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return e.Err.Error()
}

// CodeOf returns the code carried by err, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var sttErr *Error
	if errors.As(err, &sttErr) {
		return sttErr.Code
	}
	return classify(err).Code
}

// classify maps package sentinels onto codes. Anything unrecognized is an
// inference failure.
func classify(err error) *Error {
	var sttErr *Error
	if errors.As(err, &sttErr) {
		return sttErr
	}
	switch {
	case errors.Is(err, model.ErrNotLoaded):
		return &Error{Code: CodeModelNotLoaded, Err: err}
	case errors.Is(err, audio.ErrMalformedAudio):
		return &Error{Code: CodeMalformedAudio, Err: err}
	case errors.Is(err, model.ErrLoad):
		return &Error{Code: CodeModelLoad, Err: err}
	default:
		if !errors.Is(err, ErrInference) {
			err = fmt.Errorf("%w: %v", ErrInference, err)
		}
		return &Error{Code: CodeInference, Err: err}
	}
}
