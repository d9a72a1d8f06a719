package sweep

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	mediamock "github.com/MrWong99/voxscribe/internal/mediastore/mock"
	"github.com/MrWong99/voxscribe/internal/selection"
	"github.com/MrWong99/voxscribe/internal/store/memstore"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestOnce_Media(t *testing.T) {
	t.Parallel()
	media := &mediamock.Store{}
	media.Seed("uploads/1/old.mp3", []byte("12345"), now.Add(-4*24*time.Hour))
	media.Seed("uploads/1/new.mp3", []byte("1"), now.Add(-time.Hour))
	media.Seed("exports/old.txt", []byte("1"), now.Add(-30*24*time.Hour))

	s := New(Config{MediaMaxAge: 72 * time.Hour, ScratchDir: t.TempDir()}, media, nil)
	s.now = func() time.Time { return now }

	r, err := s.Once(context.Background())
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if r.Media != 1 || r.MediaBytes != 5 {
		t.Errorf("report = %+v", r)
	}
	if media.Has("uploads/1/old.mp3") {
		t.Error("expired upload kept")
	}
	if !media.Has("uploads/1/new.mp3") || !media.Has("exports/old.txt") {
		t.Error("swept outside retention scope")
	}
}

func TestOnce_MediaDeleteErrorContinues(t *testing.T) {
	t.Parallel()
	media := &mediamock.Store{DeleteErr: errors.New("denied")}
	media.Seed("uploads/1/a.mp3", []byte("1"), now.Add(-100*time.Hour))
	media.Seed("uploads/1/b.mp3", []byte("1"), now.Add(-100*time.Hour))

	s := New(Config{MediaMaxAge: time.Hour, ScratchDir: t.TempDir()}, media, nil)
	s.now = func() time.Time { return now }

	r, err := s.Once(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := len(media.Deleted()); got != 2 {
		t.Errorf("delete attempts = %d, want 2", got)
	}
	if r.Media != 0 {
		t.Errorf("report = %+v", r)
	}
}

func TestOnce_Scratch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	mk := func(name string, age time.Duration) string {
		p := filepath.Join(dir, name)
		if err := os.Mkdir(p, 0o700); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(p, "source.mp3"), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
		ts := time.Now().Add(-age)
		if err := os.Chtimes(p, ts, ts); err != nil {
			t.Fatal(err)
		}
		return p
	}
	stale := mk("job-7-123", 3*time.Hour)
	fresh := mk("job-8-456", time.Minute)
	foreign := mk("other-1", 3*time.Hour)

	s := New(Config{ScratchMaxAge: time.Hour, ScratchDir: dir}, nil, nil)
	r, err := s.Once(context.Background())
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if r.Scratch != 1 {
		t.Errorf("report = %+v", r)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale scratch dir kept")
	}
	for _, p := range []string{fresh, foreign} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s removed: %v", p, err)
		}
	}
}

func TestOnce_Selections(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	ctx := context.Background()
	store.Selections().Create(ctx, selection.Pending{OwnerID: 1, FileHandle: "a", CreatedAt: now.Add(-48 * time.Hour)})
	store.Selections().Create(ctx, selection.Pending{OwnerID: 1, FileHandle: "b", CreatedAt: now.Add(-time.Minute)})

	s := New(Config{SelectionMaxAge: 24 * time.Hour, ScratchDir: t.TempDir()}, nil, store.Selections())
	s.now = func() time.Time { return now }

	r, err := s.Once(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.Selections != 1 || store.Selections().Len() != 1 {
		t.Errorf("report = %+v, left = %d", r, store.Selections().Len())
	}
}

func TestOnce_NothingConfigured(t *testing.T) {
	t.Parallel()
	media := &mediamock.Store{}
	media.Seed("uploads/1/old.mp3", []byte("1"), now.Add(-1000*time.Hour))
	s := New(Config{Interval: time.Minute}, media, nil)

	if s.Enabled() {
		t.Error("Enabled without any max age")
	}
	r, err := s.Once(context.Background())
	if err != nil || r != (Report{}) {
		t.Errorf("Once = %+v, %v", r, err)
	}
	if !media.Has("uploads/1/old.mp3") {
		t.Error("media swept without retention")
	}
}

func TestRun_DisabledReturnsImmediately(t *testing.T) {
	t.Parallel()
	s := New(Config{MediaMaxAge: time.Hour}, &mediamock.Store{}, nil)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("disabled Run blocked")
	}
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	t.Parallel()
	media := &mediamock.Store{}
	media.Seed("uploads/1/old.mp3", []byte("1"), time.Now().Add(-2*time.Hour))
	s := New(Config{Interval: 10 * time.Millisecond, MediaMaxAge: time.Hour, ScratchDir: t.TempDir()}, media, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for media.Has("uploads/1/old.mp3") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
	if media.Has("uploads/1/old.mp3") {
		t.Error("media not swept")
	}
}
