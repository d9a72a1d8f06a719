// Package worker drives transcript jobs from pending to a terminal status.
//
// A run re-acquires everything it needs from injected stores using only the
// job id, so it can be started from any goroutine after the request that
// created the job has returned. The stages are:
//
//  1. load the job and mark it processing;
//  2. stage the media blob into a private scratch directory;
//  3. decide whether and how to transcode ([transcode.Engine]);
//  4. transcribe;
//  5. persist the transcript;
//  6. archive a copy (best effort);
//  7. notify the submitter (best effort).
//
// Failures in stages 2 to 4 move the job to failed. Failures in 6 and 7 are
// logged and never change the outcome. Stages 5 to 7 run on a fresh deadline
// so a run that outlived its own still reaches a terminal status. The scratch
// directory is removed on every path.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/archive"
	"github.com/MrWong99/voxscribe/internal/events"
	"github.com/MrWong99/voxscribe/internal/job"
	"github.com/MrWong99/voxscribe/internal/mediastore"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/internal/transcode"
	"github.com/MrWong99/voxscribe/pkg/provider/stt"
)

// ScratchPrefix starts the name of every per-job scratch directory.
const ScratchPrefix = "job-"

// settleTimeout bounds the terminal write and the best-effort steps after it.
// They run after the job's own deadline may already have passed.
const settleTimeout = 2 * time.Minute

// Preparer decides which file is sent for transcription.
type Preparer interface {
	Prepare(ctx context.Context, path string) (transcode.Decision, error)
}

// Notifier reports job outcomes to submitters. Errors are logged only.
type Notifier interface {
	Completed(ctx context.Context, j *job.Job, text string) error
	Failed(ctx context.Context, j *job.Job, msg string) error
}

// Deps are the collaborators every worker needs.
type Deps struct {
	Jobs        job.Store
	Accounts    account.Store
	Media       mediastore.Store
	Preparer    Preparer
	Transcriber stt.Provider
}

// Worker runs jobs. It is safe for concurrent use; each run owns its own
// scratch directory.
type Worker struct {
	Deps

	archiver    archive.Archiver
	notifier    Notifier
	events      events.Publisher
	metrics     *observe.Metrics
	scratchDir  string
	deleteMedia bool
}

// Option configures a Worker.
type Option func(*Worker)

// WithArchiver enables best-effort archival. Without it the step is skipped.
func WithArchiver(a archive.Archiver) Option {
	return func(w *Worker) { w.archiver = a }
}

// WithNotifier enables outcome notifications.
func WithNotifier(n Notifier) Option {
	return func(w *Worker) { w.notifier = n }
}

// WithPublisher sets where lifecycle events go. Default: [events.Discard].
func WithPublisher(p events.Publisher) Option {
	return func(w *Worker) { w.events = p }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithScratchDir sets the parent of per-job scratch directories. Default:
// [os.TempDir].
func WithScratchDir(dir string) Option {
	return func(w *Worker) { w.scratchDir = dir }
}

// WithDeleteMedia removes the media blob once the transcript is stored.
func WithDeleteMedia(enabled bool) Option {
	return func(w *Worker) { w.deleteMedia = enabled }
}

// New returns a Worker.
func New(deps Deps, opts ...Option) *Worker {
	w := &Worker{
		Deps:   deps,
		events: events.Discard,
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	if w.scratchDir == "" {
		w.scratchDir = os.TempDir()
	}
	return w
}

// Run processes job id to a terminal status. A missing job, or one that is no
// longer pending, is skipped without error.
func (w *Worker) Run(ctx context.Context, id int64) {
	ctx, span := observe.StartJobSpan(ctx, "worker.run", id)
	defer span.End()
	log := observe.Logger(ctx)

	j, err := w.Jobs.Get(ctx, id)
	if errors.Is(err, job.ErrNotFound) {
		log.Debug("job vanished before processing")
		return
	}
	if err != nil {
		log.Error("load job", "err", err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if err := w.Jobs.MarkProcessing(ctx, id); err != nil {
		if errors.Is(err, job.ErrInvalidTransition) || errors.Is(err, job.ErrNotFound) {
			log.Info("job no longer pending, skipping", "status", j.Status)
			return
		}
		log.Error("mark processing", "err", err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	j.Status = job.StatusProcessing
	w.publish(j, "")

	w.metrics.ActiveJobs.Add(ctx, 1)
	defer w.metrics.ActiveJobs.Add(ctx, -1)

	log = log.With("owner_id", j.OwnerID, "channel", j.Channel)
	log.Info("processing job", "filename", j.Filename)

	text, err := w.transcribe(ctx, log, j)

	ctx, cancel := settle(ctx)
	defer cancel()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		w.fail(ctx, log, j, err)
		return
	}

	if err := w.Jobs.Complete(ctx, id, text); err != nil {
		log.Error("persist transcript", "err", err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	j.Status = job.StatusCompleted
	j.Text = &text
	w.publish(j, "")
	w.metrics.RecordFinished(ctx, string(job.StatusCompleted), "")
	log.Info("job completed", "chars", len(text))

	w.archive(ctx, log, j, text)

	if w.notifier != nil {
		start := time.Now()
		if err := w.notifier.Completed(ctx, j, text); err != nil {
			log.Warn("notify completion", "err", err)
		}
		w.metrics.RecordStage(ctx, "notify", time.Since(start).Seconds())
	}

	if w.deleteMedia {
		if err := w.Media.Delete(ctx, j.MediaKey); err != nil {
			log.Warn("delete media", "key", j.MediaKey, "err", err)
		}
	}
}

// settle detaches ctx from the run deadline so a job that timed out can still
// be recorded as failed.
func settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// transcribe runs stages 2 to 4 inside a scratch directory that is removed on
// return, including when a stage panics.
func (w *Worker) transcribe(ctx context.Context, log *slog.Logger, j *job.Job) (string, error) {
	dir, err := os.MkdirTemp(w.scratchDir, fmt.Sprintf("%s%d-*", ScratchPrefix, j.ID))
	if err != nil {
		return "", fmt.Errorf("worker: create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("remove scratch dir", "dir", dir, "err", err)
		}
	}()

	start := time.Now()
	staged, err := w.stage(ctx, j, dir)
	w.metrics.RecordStage(ctx, "stage", time.Since(start).Seconds())
	if err != nil {
		return "", err
	}

	start = time.Now()
	d, err := w.Preparer.Prepare(ctx, staged)
	w.metrics.RecordStage(ctx, "transcode", time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	w.metrics.RecordTier(ctx, string(d.Tier))
	log.Info("prepared media", "tier", d.Tier, "size", d.Size)

	start = time.Now()
	res, err := w.Transcriber.Transcribe(ctx, stt.Request{Path: d.Path, Language: j.Language})
	w.metrics.RecordStage(ctx, "transcribe", time.Since(start).Seconds())
	if err != nil {
		w.metrics.RecordProviderRequest(ctx, "stt", "transcribe", "error")
		if errors.Is(err, stt.ErrEmptyTranscript) {
			return "", &job.Error{Kind: job.KindTranscription, Msg: "no speech detected in the recording", Err: err}
		}
		return "", job.TranscriptionError(err)
	}
	w.metrics.RecordProviderRequest(ctx, "stt", "transcribe", "ok")
	return res.Text, nil
}

// stage copies the media blob into dir and returns the local path.
func (w *Worker) stage(ctx context.Context, j *job.Job, dir string) (string, error) {
	rc, err := w.Media.Get(ctx, j.MediaKey)
	if err != nil {
		return "", fmt.Errorf("worker: fetch media %q: %w", j.MediaKey, err)
	}
	defer rc.Close()

	ext := mediastore.Ext(j.Filename)
	if ext == "" {
		ext = mediastore.Ext(j.MediaKey)
	}
	path := filepath.Join(dir, "source"+ext)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("worker: create staged file: %w", err)
	}
	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("worker: stage media: %w", err)
	}
	if n == 0 {
		return "", job.ValidationError("downloaded file is empty")
	}
	return path, nil
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, j *job.Job, cause error) {
	msg := job.MessageOf(cause)
	kind := job.KindOf(cause)
	log.Warn("job failed", "kind", kind, "err", cause)

	if err := w.Jobs.Fail(ctx, j.ID, msg); err != nil {
		log.Error("persist failure", "err", err)
		return
	}
	j.Status = job.StatusFailed
	j.Error = &msg
	w.publish(j, "")
	w.metrics.RecordFinished(ctx, string(job.StatusFailed), string(kind))

	if w.notifier != nil {
		if err := w.notifier.Failed(ctx, j, msg); err != nil {
			log.Warn("notify failure", "err", err)
		}
	}
}

// archive copies the transcript to the owner's or project's archive. Every
// error is logged and dropped.
func (w *Worker) archive(ctx context.Context, log *slog.Logger, j *job.Job, text string) {
	if w.archiver == nil {
		return
	}
	start := time.Now()
	defer func() { w.metrics.RecordStage(ctx, "archive", time.Since(start).Seconds()) }()

	owner, err := w.Accounts.Get(ctx, j.OwnerID)
	if err != nil {
		log.Warn("archive skipped", "err", job.ArchivalError(fmt.Errorf("load owner: %w", err)))
		return
	}
	var project *account.Project
	if j.ProjectID != nil {
		project, err = w.Accounts.Project(ctx, *j.ProjectID)
		if err != nil {
			log.Warn("archive skipped", "err", job.ArchivalError(fmt.Errorf("load project: %w", err)))
			return
		}
	}

	target, ok := archive.ResolveTarget(j, owner, project)
	if !ok {
		log.Debug("no archive destination configured")
		return
	}
	name := archive.FileName(j.CreatedAt, owner.Email, j.Filename)
	fileID, err := w.archiver.Upload(ctx, target, name, text)
	if err != nil {
		w.metrics.RecordProviderError(ctx, "archive", string(target.Scope))
		log.Warn("archive failed", "scope", target.Scope, "err", job.ArchivalError(err))
		return
	}
	if err := w.Jobs.SetArchiveFileID(ctx, j.ID, fileID); err != nil {
		log.Warn("record archive file id", "file_id", fileID, "err", err)
		return
	}
	j.ArchiveFileID = &fileID
	w.publish(j, fileID)
	log.Info("transcript archived", "scope", target.Scope, "file_id", fileID)
}

func (w *Worker) publish(j *job.Job, archiveFileID string) {
	e := events.Event{JobID: j.ID, Status: j.Status, ArchiveFileID: archiveFileID, At: time.Now().UTC()}
	if j.Error != nil {
		e.Error = *j.Error
	}
	w.events.Publish(e)
}
