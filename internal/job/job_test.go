package job

import (
	"errors"
	"fmt"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	all := []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusProcessing}:   true,
		{StatusProcessing, StatusCompleted}: true,
		{StatusProcessing, StatusFailed}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
		if !tt.status.IsValid() {
			t.Errorf("%s.IsValid() = false", tt.status)
		}
	}
	if Status("queued").IsValid() {
		t.Error(`Status("queued").IsValid() = true`)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	upstream := errors.New("rate limited")
	tests := []struct {
		name      string
		err       error
		wantKind  Kind
		wantMsg   string
		wantFatal bool
	}{
		{"validation", ValidationError("downloaded file is empty"), KindValidation, "downloaded file is empty", true},
		{"conversion", ConversionError("file too large", nil), KindConversion, "file too large", true},
		{"transcription", TranscriptionError(upstream), KindTranscription, "rate limited", true},
		{"archival", ArchivalError(upstream), KindArchival, "rate limited", false},
		{"notification", NotificationError(upstream), KindNotification, "rate limited", false},
		{"wrapped", fmt.Errorf("worker: %w", TranscriptionError(upstream)), KindTranscription, "rate limited", true},
		{"plain", errors.New("disk full"), KindInternal, "disk full", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.wantKind {
				t.Errorf("KindOf = %s, want %s", got, tt.wantKind)
			}
			if got := MessageOf(tt.err); got != tt.wantMsg {
				t.Errorf("MessageOf = %q, want %q", got, tt.wantMsg)
			}
			if got := KindOf(tt.err).Fatal(); got != tt.wantFatal {
				t.Errorf("Fatal = %v, want %v", got, tt.wantFatal)
			}
		})
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("ffmpeg exited 1")
	err := ConversionError("could not convert", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}
	if got := err.Error(); got != "conversion: could not convert: ffmpeg exited 1" {
		t.Errorf("Error() = %q", got)
	}
}
