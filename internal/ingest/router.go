// Package ingest turns uploads from every intake channel into transcript
// jobs.
//
// [Router] is the only place jobs are created. It stores the media blob
// first, then the job row, then hands the job id to the worker dispatcher.
// Chat channels go through [Router.Handle], which adds account linking and the
// optional destination choice on top of [Router.Submit]. Nothing here calls
// the transcoder or the transcription service.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/channel"
	"github.com/MrWong99/voxscribe/internal/job"
	"github.com/MrWong99/voxscribe/internal/mediastore"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/internal/selection"
)

// Replies sent to chat users.
const (
	MsgExpired      = "❌ This request has expired or was already processed."
	MsgNotMember    = "❌ You are not a member of this project."
	MsgRegister     = "❌ Registration required. Please link your account first."
	MsgStarted      = "File received! Transcription started (Personal)."
	msgSelectedFmt  = "✅ Selected: %s. Starting transcription..."
	msgStartFailFmt = "Error starting transcription: %s"
)

// Dispatcher schedules a job for background processing. It must not block.
type Dispatcher interface {
	Dispatch(ctx context.Context, id int64)
}

// Submission is one file to transcribe.
type Submission struct {
	OwnerID   int64
	ProjectID *int64

	Filename  string
	MediaType string
	Language  string
	Body      io.Reader

	// Size is the body length, or -1 when unknown.
	Size int64

	Channel      job.Channel
	NotifyTarget string
	Notify       bool
}

// Deps are the Router's collaborators.
type Deps struct {
	Jobs       job.Store
	Accounts   account.Store
	Media      mediastore.Store
	Mediator   *selection.Mediator
	Dispatcher Dispatcher
}

// Router creates jobs. It is safe for concurrent use.
type Router struct {
	Deps

	language string
	metrics  *observe.Metrics
}

// Option configures a Router.
type Option func(*Router)

// WithDefaultLanguage sets the language used when a submission names none.
func WithDefaultLanguage(lang string) Option {
	return func(r *Router) { r.language = lang }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// NewRouter returns a Router.
func NewRouter(deps Deps, opts ...Option) *Router {
	r := &Router{Deps: deps, language: job.DefaultLanguage}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Submit stores the media, creates a pending job and dispatches it. If the
// job cannot be created the stored blob is removed again.
func (r *Router) Submit(ctx context.Context, s Submission) (*job.Job, error) {
	if s.Filename == "" {
		return nil, errors.New("ingest: submission without filename")
	}
	lang := s.Language
	if lang == "" {
		lang = r.language
	}

	key, err := r.Media.Put(ctx, mediastore.NewKey(s.OwnerID, s.Filename), s.Body, s.Size, s.MediaType)
	if err != nil {
		return nil, fmt.Errorf("ingest: store media: %w", err)
	}

	j, err := r.Jobs.Create(ctx, job.NewJob{
		OwnerID:      s.OwnerID,
		ProjectID:    s.ProjectID,
		MediaKey:     key,
		Filename:     s.Filename,
		MediaType:    s.MediaType,
		Language:     lang,
		Channel:      s.Channel,
		NotifyTarget: s.NotifyTarget,
		Notify:       s.Notify,
	})
	if err != nil {
		if derr := r.Media.Delete(context.WithoutCancel(ctx), key); derr != nil {
			slog.Warn("ingest: remove orphaned media", "key", key, "err", derr)
		}
		return nil, fmt.Errorf("ingest: create job: %w", err)
	}

	r.metrics.RecordSubmitted(ctx, string(s.Channel))
	slog.Info("job created", "job_id", j.ID, "owner_id", j.OwnerID, "channel", j.Channel, "filename", j.Filename)
	r.Dispatcher.Dispatch(ctx, j.ID)
	return j, nil
}

// Handle processes one chat webhook payload from ch. Payloads that cannot be
// parsed are dropped without side effects. The returned error is for logging
// only; webhooks are acknowledged regardless.
func (r *Router) Handle(ctx context.Context, ch channel.Channel, payload []byte) error {
	ctx = observe.WithLogAttrs(ctx, "channel", ch.Kind())
	log := observe.Logger(ctx)

	in, err := ch.ExtractMediaHandle(ctx, payload)
	if err != nil {
		log.Debug("ignoring webhook payload", "err", err)
		return nil
	}
	if in.Sender == "" {
		log.Debug("ignoring webhook payload without sender")
		return nil
	}

	if in.Callback != nil {
		return r.resolveChoice(ctx, ch, in)
	}

	if !in.HasMedia() {
		if conv, ok := ch.(channel.Conversation); ok {
			return conv.Converse(ctx, in)
		}
		return nil
	}

	owner, err := ch.ResolveIdentity(ctx, in)
	if errors.Is(err, channel.ErrUnlinked) {
		r.reply(ctx, ch, in.Sender, MsgRegister)
		if conv, ok := ch.(channel.Conversation); ok {
			if err := conv.RequestLink(ctx, in.Sender); err != nil {
				log.Warn("request account link", "err", err)
			}
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("ingest: resolve sender: %w", err)
	}

	if ch.SupportsChoice() {
		projects, err := r.Accounts.Projects(ctx, owner.ID)
		if err != nil {
			return fmt.Errorf("ingest: list projects: %w", err)
		}
		if len(projects) > 0 {
			if _, err := r.Mediator.Open(ctx, ch, owner, in.Sender, in.Handle, projects); err != nil {
				return fmt.Errorf("ingest: open selection: %w", err)
			}
			return nil
		}
	}

	r.startChatJob(ctx, ch, owner.ID, in.Sender, in.Handle, "", nil)
	return nil
}

func (r *Router) resolveChoice(ctx context.Context, ch channel.Channel, in channel.Inbound) error {
	if !selection.IsToken(in.Callback.Data) {
		return nil
	}
	res, err := r.Mediator.Resolve(ctx, in.Callback.Data, in.Sender)
	if errors.Is(err, selection.ErrNotFound) || errors.Is(err, selection.ErrBadToken) {
		r.reply(ctx, ch, in.Sender, MsgExpired)
		return nil
	}
	if err != nil {
		return fmt.Errorf("ingest: resolve selection: %w", err)
	}

	label := "Personal"
	if res.ProjectID != nil {
		ok, err := r.Accounts.IsMember(ctx, res.OwnerID, *res.ProjectID)
		if err != nil {
			return fmt.Errorf("ingest: check membership: %w", err)
		}
		if !ok {
			r.reply(ctx, ch, res.Target, MsgNotMember)
			return nil
		}
		p, err := r.Accounts.Project(ctx, *res.ProjectID)
		if err != nil {
			return fmt.Errorf("ingest: load project: %w", err)
		}
		label = p.Name
	}

	if err := ch.ConfirmChoice(ctx, res.Target, *in.Callback, fmt.Sprintf(msgSelectedFmt, label)); err != nil {
		slog.Warn("ingest: confirm choice", "channel", ch.Kind(), "err", err)
	}
	r.startChatJob(ctx, ch, res.OwnerID, res.Target, res.FileHandle, res.PathHint, res.ProjectID)
	return nil
}

// startChatJob downloads handle from ch and submits it. Failures are reported
// to the chat. pathHint, when set, is a download path resolved earlier.
func (r *Router) startChatJob(ctx context.Context, ch channel.Channel, ownerID int64, target, handle, pathHint string, projectID *int64) {
	j, err := r.submitFromChannel(ctx, ch, ownerID, target, handle, pathHint, projectID)
	if err != nil {
		slog.Warn("ingest: start chat job", "channel", ch.Kind(), "owner_id", ownerID, "err", err)
		r.reply(ctx, ch, target, fmt.Sprintf(msgStartFailFmt, err))
		return
	}
	if j.Personal() {
		r.reply(ctx, ch, target, MsgStarted)
	}
}

func (r *Router) submitFromChannel(ctx context.Context, ch channel.Channel, ownerID int64, target, handle, pathHint string, projectID *int64) (*job.Job, error) {
	m, err := fetch(ctx, ch, handle, pathHint)
	if err != nil {
		return nil, err
	}
	defer m.Body.Close()

	return r.Submit(ctx, Submission{
		OwnerID:      ownerID,
		ProjectID:    projectID,
		Filename:     m.Filename,
		MediaType:    m.MIMEType,
		Body:         m.Body,
		Size:         m.Size,
		Channel:      ch.Kind(),
		NotifyTarget: target,
		Notify:       true,
	})
}

// fetch uses a cached path when ch supports it and falls back to a full
// Fetch when the path has gone stale.
func fetch(ctx context.Context, ch channel.Channel, handle, pathHint string) (*channel.Media, error) {
	if pr, ok := ch.(channel.PathResolver); ok && pathHint != "" {
		m, err := pr.FetchPath(ctx, handle, pathHint)
		if err == nil {
			return m, nil
		}
		slog.Debug("ingest: cached path failed, resolving again", "channel", ch.Kind(), "err", err)
	}
	return ch.Fetch(ctx, handle)
}

func (r *Router) reply(ctx context.Context, ch channel.Channel, target, text string) {
	if err := ch.SendNotification(ctx, target, text); err != nil {
		slog.Warn("ingest: reply", "channel", ch.Kind(), "err", job.NotificationError(err))
	}
}
