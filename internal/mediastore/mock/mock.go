// Package mock provides an in-memory [mediastore.Store] for tests.
package mock

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxscribe/internal/mediastore"
)

var _ mediastore.Store = (*Store)(nil)

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

// Store keeps blobs in memory.
type Store struct {
	mu      sync.Mutex
	objects map[string]object

	// PutErr, GetErr and DeleteErr, if non-nil, are returned by the
	// matching calls.
	PutErr    error
	GetErr    error
	DeleteErr error

	deleted []string
}

// Seed stores data under key with the given modification time.
func (s *Store) Seed(key string, data []byte, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string]object{}
	}
	s.objects[key] = object{data: append([]byte(nil), data...), modified: modified}
}

// Put implements [mediastore.Store].
func (s *Store) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) (string, error) {
	if s.PutErr != nil {
		return "", s.PutErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string]object{}
	}
	s.objects[key] = object{data: data, contentType: contentType, modified: time.Now()}
	return key, nil
}

// Get implements [mediastore.Store].
func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	if !ok {
		return nil, mediastore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

// Delete implements [mediastore.Store].
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, key)
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	delete(s.objects, key)
	return nil
}

// List implements [mediastore.Store].
func (s *Store) List(_ context.Context, prefix string, olderThan time.Time) ([]mediastore.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mediastore.Object
	for k, o := range s.objects {
		if strings.HasPrefix(k, prefix) && o.modified.Before(olderThan) {
			out = append(out, mediastore.Object{Key: k, Size: int64(len(o.data)), LastModified: o.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Has reports whether key is stored.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

// ContentType returns the content type key was stored with.
func (s *Store) ContentType(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[key].contentType
}

// Keys returns all stored keys in order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Deleted returns the keys passed to Delete, in call order.
func (s *Store) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}
