// Package notify tells submitters how their transcript jobs ended.
//
// A [Hub] maps a job's intake channel to the adapter that can reach the
// submitter. Delivery is best effort: every error is classified as a
// [job.NotificationError] and never affects the job.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxscribe/internal/job"
)

// maxMessageRunes keeps notifications under the smallest chat message limit
// (Telegram, 4096 characters) with room for the header.
const maxMessageRunes = 3500

// Sender delivers a text message to a channel address. [channel.Channel]
// implementations satisfy it.
type Sender interface {
	SendNotification(ctx context.Context, target, text string) error
}

// Alerter receives a copy of every job failure for operators.
type Alerter interface {
	JobFailed(ctx context.Context, j *job.Job, msg string) error
}

// Hub routes job outcomes to the right Sender.
type Hub struct {
	senders map[job.Channel]Sender
	alerter Alerter
}

// Option configures a Hub.
type Option func(*Hub)

// WithSender registers s for jobs that arrived through kind.
func WithSender(kind job.Channel, s Sender) Option {
	return func(h *Hub) { h.senders[kind] = s }
}

// WithAlerter registers an operator alert sink for failed jobs.
func WithAlerter(a Alerter) Option {
	return func(h *Hub) { h.alerter = a }
}

// NewHub returns a Hub with the given senders.
func NewHub(opts ...Option) *Hub {
	h := &Hub{senders: make(map[job.Channel]Sender)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Completed tells the submitter the transcript is ready. It returns nil
// without sending when the job did not ask for notification.
func (h *Hub) Completed(ctx context.Context, j *job.Job, text string) error {
	return h.deliver(ctx, j, CompletedText(j.Filename, text))
}

// Failed alerts operators and tells the submitter the job failed.
func (h *Hub) Failed(ctx context.Context, j *job.Job, msg string) error {
	if h.alerter != nil {
		if err := h.alerter.JobFailed(ctx, j, msg); err != nil {
			slog.Warn("notify: ops alert failed", "job_id", j.ID, "err", err)
		}
	}
	return h.deliver(ctx, j, FailedText(j.Filename, msg))
}

func (h *Hub) deliver(ctx context.Context, j *job.Job, text string) error {
	if !j.Notify || j.NotifyTarget == "" {
		return nil
	}
	s, ok := h.senders[j.Channel]
	if !ok {
		return nil
	}
	if err := s.SendNotification(ctx, j.NotifyTarget, text); err != nil {
		return job.NotificationError(fmt.Errorf("notify %s: %w", j.Channel, err))
	}
	return nil
}

// CompletedText is the success message. Long transcripts are cut short; the
// full text stays available through the API.
func CompletedText(filename, text string) string {
	return "✅ Transcription complete: " + filename + "\n\n" + truncate(text, maxMessageRunes)
}

// FailedText is the failure message.
func FailedText(filename, msg string) string {
	return "❌ Transcription failed for " + filename + ": " + msg
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
