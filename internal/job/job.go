// Package job defines the transcript job record, its lifecycle and the
// failure taxonomy shared by every stage of the transcription pipeline.
//
// A job moves strictly forward:
//
//	pending → processing → completed
//	                     ↘ failed
//
// Completed and failed are terminal. Stores enforce the ordering with
// conditional updates and report [ErrInvalidTransition] when a write would
// move a job backwards or out of a terminal state.
package job

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a [Job].
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Channel identifies the intake path a job arrived through. It also selects
// the notifier used to report the outcome.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelTelegram Channel = "telegram"
	ChannelWhatsApp Channel = "whatsapp"
)

// DefaultLanguage is used when a submission does not name a language.
const DefaultLanguage = "en"

// Job is one request to turn a stored media file into text.
type Job struct {
	ID        int64
	OwnerID   int64
	ProjectID *int64

	// MediaKey addresses the uploaded bytes in the media store. The blob
	// exists before the job row is created.
	MediaKey  string
	Filename  string
	MediaType string
	Language  string

	Channel Channel

	// NotifyTarget is the channel-specific address of the submitter (chat id
	// or phone). Empty when there is nobody to notify.
	NotifyTarget string

	// Notify records whether the submitter asked to be told about the outcome.
	Notify bool

	Status        Status
	Text          *string
	Error         *string
	ArchiveFileID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Personal reports whether the job is not attributed to a project.
func (j *Job) Personal() bool { return j.ProjectID == nil }

// NewJob is the input for [Store.Create].
type NewJob struct {
	OwnerID      int64
	ProjectID    *int64
	MediaKey     string
	Filename     string
	MediaType    string
	Language     string
	Channel      Channel
	NotifyTarget string
	Notify       bool
}

// ListOptions paginates [Store.ListByOwner].
type ListOptions struct {
	Offset int
	Limit  int
}

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job: not found")

	// ErrInvalidTransition is returned when a status write is rejected by the
	// lifecycle guard.
	ErrInvalidTransition = errors.New("job: invalid status transition")
)

// Store persists jobs. All status writes are guarded by the expected current
// status so a terminal job can never be modified. Implementations must be safe
// for concurrent use.
type Store interface {
	// Create inserts a pending job and returns it with ID and timestamps set.
	Create(ctx context.Context, nj NewJob) (*Job, error)

	// Get returns the job or [ErrNotFound].
	Get(ctx context.Context, id int64) (*Job, error)

	// ListByOwner returns the owner's jobs, newest first.
	ListByOwner(ctx context.Context, ownerID int64, opts ListOptions) ([]*Job, error)

	// MarkProcessing moves a pending job to processing.
	MarkProcessing(ctx context.Context, id int64) error

	// Complete moves a processing job to completed with the transcript text.
	Complete(ctx context.Context, id int64, text string) error

	// Fail moves a processing job to failed with a human-readable cause.
	Fail(ctx context.Context, id int64, msg string) error

	// SetArchiveFileID records where the transcript was archived. It is only
	// accepted for completed jobs.
	SetArchiveFileID(ctx context.Context, id int64, fileID string) error

	// Delete removes the job record. Only user-initiated deletion calls it.
	Delete(ctx context.Context, id int64) error
}
