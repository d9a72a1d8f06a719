// Package mock provides a recording [archive.Archiver].
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/voxscribe/internal/archive"
)

var _ archive.Archiver = (*Archiver)(nil)

// UploadCall records one Upload.
type UploadCall struct {
	Target  archive.Target
	Name    string
	Content string
}

// Archiver records uploads and returns sequential file ids.
type Archiver struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by Upload after recording the call.
	Err error

	calls []UploadCall
}

// Upload implements [archive.Archiver].
func (a *Archiver) Upload(_ context.Context, t archive.Target, name, content string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, UploadCall{Target: t, Name: name, Content: content})
	if a.Err != nil {
		return "", a.Err
	}
	return fmt.Sprintf("file-%d", len(a.calls)), nil
}

// Calls returns a copy of the recorded uploads.
func (a *Archiver) Calls() []UploadCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]UploadCall(nil), a.calls...)
}
