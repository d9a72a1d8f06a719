package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxscribe/pkg/provider/stt"
)

// ErrAllFailed wraps the last backend error when no backend of an
// [STTFallback] produced a transcript.
var ErrAllFailed = errors.New("all transcription backends failed")

// Failover describes a request moving from one backend to the next.
type Failover struct {
	From string
	To   string
	Err  error
}

type backend struct {
	name     string
	provider stt.Provider
	breaker  *CircuitBreaker
}

// STTFallback is an [stt.Provider] that tries its backends in registration
// order. Each backend has its own [CircuitBreaker]; backends with an open
// breaker are skipped.
//
// An empty transcript and a cancelled context end the walk: the audio or the
// caller is at fault and another backend would not help.
type STTFallback struct {
	breakerCfg CircuitBreakerConfig
	onFailover func(Failover)

	mu       sync.RWMutex
	backends []backend
}

var _ stt.Provider = (*STTFallback)(nil)

// FallbackOption configures an STTFallback.
type FallbackOption func(*STTFallback)

// WithBreakerConfig sets the breaker settings used for every backend. The
// Name field is replaced by the backend name.
func WithBreakerConfig(cfg CircuitBreakerConfig) FallbackOption {
	return func(f *STTFallback) { f.breakerCfg = cfg }
}

// OnFailover registers fn to be called whenever a request leaves a failing
// backend for the next one.
func OnFailover(fn func(Failover)) FallbackOption {
	return func(f *STTFallback) { f.onFailover = fn }
}

// NewSTTFallback returns an STTFallback with primary as its first backend.
func NewSTTFallback(primary stt.Provider, name string, opts ...FallbackOption) *STTFallback {
	f := &STTFallback{}
	for _, o := range opts {
		o(f)
	}
	f.AddFallback(name, primary)
	return f
}

// AddFallback appends a backend tried after all previously added ones.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	cfg := f.breakerCfg
	cfg.Name = "stt/" + name
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends = append(f.backends, backend{name: name, provider: p, breaker: NewCircuitBreaker(cfg)})
}

// Names returns the backend names in try order.
func (f *STTFallback) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.name
	}
	return names
}

// Open returns the names of backends whose breaker currently rejects calls.
func (f *STTFallback) Open() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var open []string
	for _, b := range f.backends {
		if b.breaker.State() == StateOpen {
			open = append(open, b.name)
		}
	}
	return open
}

// Transcribe runs req against the first backend that answers.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	f.mu.RLock()
	backends := f.backends
	f.mu.RUnlock()

	var lastErr error
	for i, b := range backends {
		var res stt.Result
		err := b.breaker.Execute(func() error {
			var err error
			res, err = b.provider.Transcribe(ctx, req)
			if err != nil && (errors.Is(err, stt.ErrEmptyTranscript) || ctx.Err() != nil) {
				return Permanent(err)
			}
			return err
		})
		if err == nil {
			return res, nil
		}
		if IsPermanent(err) {
			return stt.Result{}, err
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("stt backend skipped, circuit open", "backend", b.name)
		} else {
			slog.Warn("stt backend failed", "backend", b.name, "err", err)
		}
		if f.onFailover != nil && i+1 < len(backends) {
			f.onFailover(Failover{From: b.name, To: backends[i+1].name, Err: err})
		}
	}
	return stt.Result{}, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
