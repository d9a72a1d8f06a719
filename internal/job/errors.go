package job

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind string

const (
	// KindValidation covers staged input that cannot be processed at all,
	// such as a zero-byte download.
	KindValidation Kind = "validation"

	// KindConversion covers transcoding that ran but could not produce an
	// acceptable file.
	KindConversion Kind = "conversion"

	// KindTranscription covers errors returned by the speech-to-text service.
	KindTranscription Kind = "transcription"

	// KindArchival covers archive upload failures. Never fatal to a job.
	KindArchival Kind = "archival"

	// KindNotification covers delivery failures to the submitter. Never
	// fatal to a job.
	KindNotification Kind = "notification"

	// KindInternal covers everything else (store, media store, filesystem).
	KindInternal Kind = "internal"
)

// Error is a classified pipeline failure. Msg is what the submitter sees; Err
// carries the underlying cause for logs.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return string(e.Kind) + ": " + e.Msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Message returns the human-readable cause stored on a failed job.
func (e *Error) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind) + " error"
}

// Fatal reports whether errors of this kind move a job to failed.
func (k Kind) Fatal() bool {
	switch k {
	case KindArchival, KindNotification:
		return false
	}
	return true
}

// ValidationError builds a [KindValidation] error.
func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

// ConversionError builds a [KindConversion] error.
func ConversionError(msg string, err error) *Error {
	return &Error{Kind: KindConversion, Msg: msg, Err: err}
}

// TranscriptionError builds a [KindTranscription] error. The stored message
// is the upstream error text.
func TranscriptionError(err error) *Error {
	return &Error{Kind: KindTranscription, Err: err}
}

// ArchivalError builds a [KindArchival] error.
func ArchivalError(err error) *Error {
	return &Error{Kind: KindArchival, Err: err}
}

// NotificationError builds a [KindNotification] error.
func NotificationError(err error) *Error {
	return &Error{Kind: KindNotification, Err: err}
}

// KindOf returns the [Kind] of err, or [KindInternal] when err is not a
// classified pipeline error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the text to store on a failed job for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message()
	}
	return err.Error()
}
