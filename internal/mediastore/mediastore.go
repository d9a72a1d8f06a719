// Package mediastore persists uploaded media blobs under caller-chosen keys.
//
// Keys are namespaced by owner: "uploads/{ownerID}/{uuid}{ext}". The blob is
// always written before the job that references it, and the worker deletes
// it once the job is done.
package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by [Store.Get] and [Store.Delete] for unknown keys.
var ErrNotFound = errors.New("mediastore: object not found")

// Object describes one stored blob.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is a blob store. Implementations must be safe for concurrent use.
type Store interface {
	// Put stores size bytes from r under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)

	// Get opens the blob under key. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the blob under key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// List returns blobs under prefix last modified before olderThan.
	List(ctx context.Context, prefix string, olderThan time.Time) ([]Object, error)
}

// UploadPrefix is the root of all upload keys.
const UploadPrefix = "uploads/"

// NewKey returns a fresh key for an upload by owner, keeping the lower-cased
// extension of filename.
func NewKey(ownerID int64, filename string) string {
	return fmt.Sprintf("%s%d/%s%s", UploadPrefix, ownerID, uuid.NewString(), Ext(filename))
}

// Ext returns the lower-cased extension of filename, or "" when it has none
// or the extension is not a plain token.
func Ext(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
