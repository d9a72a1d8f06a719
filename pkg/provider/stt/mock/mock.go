// Package mock provides a test double for [stt.Provider].
//
// Example:
//
//	p := &mock.Provider{Result: stt.Result{Text: "hello"}}
//	res, _ := p.Transcribe(ctx, stt.Request{Path: "/tmp/a.mp3"})
//	p.Calls() // → []mock.TranscribeCall{{Req: ...}}
package mock

import (
	"context"
	"os"
	"sync"

	"github.com/MrWong99/voxscribe/pkg/provider/stt"
)

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	Req stt.Request

	// Size is the size of the file at Req.Path when the call was made, or -1
	// if it could not be read.
	Size int64
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil.
	Result stt.Result

	// Err, if non-nil, is returned by Transcribe.
	Err error

	// Hook, if set, runs before the result is returned. A non-nil error from
	// Hook replaces Result.
	Hook func(ctx context.Context, req stt.Request) error

	calls []TranscribeCall
}

// Transcribe records the call and returns Result, Err.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	size := int64(-1)
	if fi, err := os.Stat(req.Path); err == nil {
		size = fi.Size()
	}
	p.mu.Lock()
	p.calls = append(p.calls, TranscribeCall{Req: req, Size: size})
	hook, res, err := p.Hook, p.Result, p.Err
	p.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx, req); herr != nil {
			return stt.Result{}, herr
		}
	}
	if err != nil {
		return stt.Result{}, err
	}
	return res, nil
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TranscribeCall(nil), p.calls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
