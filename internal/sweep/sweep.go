// Package sweep periodically removes what the pipeline leaves behind: media
// blobs past their retention age, scratch directories of crashed jobs and
// selections nobody answered.
//
// Each task runs only when its maximum age is positive.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/voxscribe/internal/mediastore"
	"github.com/MrWong99/voxscribe/internal/selection"
	"github.com/MrWong99/voxscribe/internal/worker"
)

// Config selects what is swept.
type Config struct {
	// Interval between sweeps. A non-positive interval disables [Sweeper.Run].
	Interval time.Duration

	MediaMaxAge     time.Duration
	SelectionMaxAge time.Duration
	ScratchMaxAge   time.Duration

	// ScratchDir is the parent of per-job scratch directories. Empty means
	// the system temp directory.
	ScratchDir string
}

// Report counts what one sweep removed.
type Report struct {
	Media      int
	MediaBytes int64
	Scratch    int
	Selections int64
}

// Sweeper runs the retention tasks.
type Sweeper struct {
	cfg        Config
	media      mediastore.Store
	selections selection.Store
	now        func() time.Time
}

// New returns a Sweeper. media and selections may be nil to skip their tasks.
func New(cfg Config, media mediastore.Store, selections selection.Store) *Sweeper {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	return &Sweeper{cfg: cfg, media: media, selections: selections, now: time.Now}
}

// Enabled reports whether any task is configured.
func (s *Sweeper) Enabled() bool {
	return s.cfg.Interval > 0 && (s.cfg.MediaMaxAge > 0 || s.cfg.SelectionMaxAge > 0 || s.cfg.ScratchMaxAge > 0)
}

// Run sweeps every interval until ctx is done. It returns nil on
// cancellation and immediately when the sweeper is disabled.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r, err := s.Once(ctx)
			if err != nil {
				slog.Warn("sweep incomplete", "err", err)
			}
			if r != (Report{}) {
				slog.Info("sweep finished",
					"media", r.Media, "media_bytes", r.MediaBytes,
					"scratch_dirs", r.Scratch, "selections", r.Selections)
			}
		}
	}
}

// Once runs every configured task a single time. Tasks do not stop each
// other; their errors are joined.
func (s *Sweeper) Once(ctx context.Context) (Report, error) {
	var r Report
	var errs []error
	now := s.now()

	if s.media != nil && s.cfg.MediaMaxAge > 0 {
		n, size, err := s.sweepMedia(ctx, now.Add(-s.cfg.MediaMaxAge))
		r.Media, r.MediaBytes = n, size
		errs = append(errs, err)
	}
	if s.cfg.ScratchMaxAge > 0 {
		n, err := s.sweepScratch(now.Add(-s.cfg.ScratchMaxAge))
		r.Scratch = n
		errs = append(errs, err)
	}
	if s.selections != nil && s.cfg.SelectionMaxAge > 0 {
		n, err := s.selections.PurgeOlderThan(ctx, now.Add(-s.cfg.SelectionMaxAge))
		if err != nil {
			err = fmt.Errorf("sweep: purge selections: %w", err)
		}
		r.Selections = n
		errs = append(errs, err)
	}
	return r, errors.Join(errs...)
}

func (s *Sweeper) sweepMedia(ctx context.Context, cutoff time.Time) (int, int64, error) {
	objs, err := s.media.List(ctx, mediastore.UploadPrefix, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("sweep: list media: %w", err)
	}
	var n int
	var size int64
	var errs []error
	for _, o := range objs {
		if err := s.media.Delete(ctx, o.Key); err != nil {
			errs = append(errs, fmt.Errorf("sweep: delete %s: %w", o.Key, err))
			continue
		}
		slog.Debug("expired media deleted", "key", o.Key, "modified", o.LastModified)
		n++
		size += o.Size
	}
	return n, size, errors.Join(errs...)
}

// sweepScratch removes job scratch directories not modified since cutoff.
// Only entries carrying the worker's prefix are considered.
func (s *Sweeper) sweepScratch(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.cfg.ScratchDir)
	if err != nil {
		return 0, fmt.Errorf("sweep: read scratch dir: %w", err)
	}
	var n int
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), worker.ScratchPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.cfg.ScratchDir, e.Name())); err != nil {
			errs = append(errs, fmt.Errorf("sweep: remove %s: %w", e.Name(), err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
