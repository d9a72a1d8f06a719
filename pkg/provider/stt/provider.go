// Package stt defines the Provider interface for speech-to-text backends.
//
// A provider takes one audio file on local disk and returns its full
// transcript. Conversion to a format the backend accepts happens before the
// provider is called; providers never re-encode.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyTranscript is returned when the backend answered successfully but
// produced no text.
var ErrEmptyTranscript = errors.New("stt: empty transcript")

// Request describes one transcription call.
type Request struct {
	// Path is the audio file to transcribe.
	Path string

	// Language is an ISO-639-1 hint ("en", "de"). Empty lets the backend
	// detect the language when it can.
	Language string
}

// Result is the outcome of a transcription.
type Result struct {
	Text string
}

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Transcribe uploads the file at req.Path and returns the recognised text.
	// It must honour ctx cancellation for the whole request.
	Transcribe(ctx context.Context, req Request) (Result, error)
}
