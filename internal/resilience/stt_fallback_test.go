package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxscribe/pkg/provider/stt/mock"
)

func newChain(primary, secondary stt.Provider, opts ...FallbackOption) *STTFallback {
	opts = append([]FallbackOption{WithBreakerConfig(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})}, opts...)
	fb := NewSTTFallback(primary, "openai", opts...)
	fb.AddFallback("whisper", secondary)
	return fb
}

func transcribe(t *testing.T, fb *STTFallback) (stt.Result, error) {
	t.Helper()
	return fb.Transcribe(context.Background(), stt.Request{Path: "meeting.mp3", Language: "de"})
}

func TestSTTFallback_PrimaryAnswers(t *testing.T) {
	primary := &sttmock.Provider{Result: stt.Result{Text: "guten morgen"}}
	secondary := &sttmock.Provider{}

	res, err := transcribe(t, newChain(primary, secondary))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "guten morgen" {
		t.Errorf("text = %q", res.Text)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Errorf("secondary called %d times", n)
	}
}

func TestSTTFallback_FailsOverWithSameRequest(t *testing.T) {
	primary := &sttmock.Provider{Err: errUnavailable}
	secondary := &sttmock.Provider{Result: stt.Result{Text: "from whisper"}}
	var hops []Failover

	res, err := transcribe(t, newChain(primary, secondary, OnFailover(func(f Failover) { hops = append(hops, f) })))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "from whisper" {
		t.Errorf("text = %q", res.Text)
	}
	calls := secondary.Calls()
	if len(calls) != 1 || calls[0].Req.Language != "de" || calls[0].Req.Path != "meeting.mp3" {
		t.Errorf("secondary calls = %+v", calls)
	}
	if len(hops) != 1 || hops[0].From != "openai" || hops[0].To != "whisper" || !errors.Is(hops[0].Err, errUnavailable) {
		t.Errorf("failovers = %+v", hops)
	}
}

func TestSTTFallback_AllFailKeepsCause(t *testing.T) {
	primary := &sttmock.Provider{Err: errUnavailable}
	secondary := &sttmock.Provider{Err: errBadRequest}
	var hops int

	_, err := transcribe(t, newChain(primary, secondary, OnFailover(func(Failover) { hops++ })))
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errBadRequest) {
		t.Errorf("err = %v, want the last backend's error wrapped", err)
	}
	if hops != 1 {
		t.Errorf("failover hook ran %d times, want 1 (none after the last backend)", hops)
	}
}

func TestSTTFallback_OpenPrimaryIsSkipped(t *testing.T) {
	primary := &sttmock.Provider{Err: errUnavailable}
	secondary := &sttmock.Provider{Result: stt.Result{Text: "ok"}}
	fb := newChain(primary, secondary)

	for range 2 {
		if _, err := transcribe(t, fb); err != nil {
			t.Fatalf("Transcribe: %v", err)
		}
	}
	if got := fb.Open(); !slices.Equal(got, []string{"openai"}) {
		t.Fatalf("Open = %v, want [openai]", got)
	}

	if _, err := transcribe(t, fb); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if n := len(primary.Calls()); n != 2 {
		t.Errorf("primary called %d times, want 2 (open breaker skips it)", n)
	}
	if n := len(secondary.Calls()); n != 3 {
		t.Errorf("secondary called %d times, want 3", n)
	}
}

func TestSTTFallback_EmptyTranscriptStops(t *testing.T) {
	primary := &sttmock.Provider{Err: stt.ErrEmptyTranscript}
	secondary := &sttmock.Provider{Result: stt.Result{Text: "unused"}}
	fb := newChain(primary, secondary)

	for range 3 {
		_, err := transcribe(t, fb)
		if !errors.Is(err, stt.ErrEmptyTranscript) || errors.Is(err, ErrAllFailed) {
			t.Fatalf("err = %v, want bare ErrEmptyTranscript", err)
		}
	}
	if len(secondary.Calls()) != 0 {
		t.Error("secondary tried after an empty transcript")
	}
	if open := fb.Open(); len(open) != 0 {
		t.Errorf("Open = %v, silent audio must not open a breaker", open)
	}
}

func TestSTTFallback_CancelledStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &sttmock.Provider{Hook: func(context.Context, stt.Request) error {
		cancel()
		return context.Canceled
	}}
	secondary := &sttmock.Provider{Result: stt.Result{Text: "unused"}}

	_, err := newChain(primary, secondary).Transcribe(ctx, stt.Request{Path: "meeting.mp3"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(secondary.Calls()) != 0 {
		t.Error("secondary tried after cancellation")
	}
}

func TestSTTFallback_Names(t *testing.T) {
	fb := newChain(&sttmock.Provider{}, &sttmock.Provider{})
	fb.AddFallback("whisper-2", &sttmock.Provider{})
	if got := fb.Names(); !slices.Equal(got, []string{"openai", "whisper", "whisper-2"}) {
		t.Errorf("Names = %v", got)
	}
}
