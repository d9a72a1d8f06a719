// Package channel defines the capability every intake channel provides to
// the ingestion router.
//
// A channel turns its own wire format into an [Inbound] message, resolves the
// sender to an owner account, fetches media bytes by handle, and talks back to
// the sender. The router never looks at channel-specific payloads.
package channel

import (
	"context"
	"errors"
	"io"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/job"
)

var (
	// ErrUnsupported is returned by optional operations a channel cannot
	// perform, such as presenting an interactive choice.
	ErrUnsupported = errors.New("channel: operation not supported")

	// ErrMalformed is returned by [Channel.ExtractMediaHandle] when the
	// payload does not have the expected shape.
	ErrMalformed = errors.New("channel: malformed payload")

	// ErrUnlinked is returned by [Channel.ResolveIdentity] when the sender is
	// not linked to an account and the channel does not create one.
	ErrUnlinked = errors.New("channel: sender not linked to an account")
)

// Contact is a shared phone contact.
type Contact struct {
	Phone string
	// UserID is the channel user the contact belongs to.
	UserID int64
}

// Callback is the answer to a previously presented choice.
type Callback struct {
	ID   string
	Data string
	// MessageRef identifies the message carrying the choice so it can be
	// edited once resolved.
	MessageRef int
}

// Inbound is one parsed message from a channel.
type Inbound struct {
	// Sender is the channel address replies go to (chat id or phone).
	Sender string

	// SenderUserID is the channel's numeric user id when it has one.
	SenderUserID int64

	// Handle is the channel's media reference. Empty when the message
	// carries no media.
	Handle string

	// MediaKind is the channel's message type ("voice", "audio", "video",
	// "document").
	MediaKind string

	// MIMEType is the declared type when the channel reports one.
	MIMEType string

	Text     string
	Contact  *Contact
	Callback *Callback
}

// HasMedia reports whether the message references a media file.
func (in Inbound) HasMedia() bool { return in.Handle != "" }

// Media is a downloaded file.
type Media struct {
	Body     io.ReadCloser
	Size     int64
	Filename string
	MIMEType string
}

// Choice is one option of an interactive prompt. Token is echoed back in the
// resulting [Callback.Data].
type Choice struct {
	Label string
	Token string
}

// Channel is the capability set of one intake channel. Implementations must
// be safe for concurrent use.
type Channel interface {
	// Kind names the channel.
	Kind() job.Channel

	// ExtractMediaHandle parses a raw webhook payload.
	ExtractMediaHandle(ctx context.Context, payload []byte) (Inbound, error)

	// ResolveIdentity maps the sender to an owner account.
	ResolveIdentity(ctx context.Context, in Inbound) (*account.Account, error)

	// Fetch downloads the media behind handle. The caller closes Body.
	Fetch(ctx context.Context, handle string) (*Media, error)

	// SendNotification delivers a text message to target.
	SendNotification(ctx context.Context, target, text string) error

	// SupportsChoice reports whether PresentChoice and ConfirmChoice work.
	SupportsChoice() bool

	// PresentChoice shows prompt with the given options to target.
	PresentChoice(ctx context.Context, target, prompt string, choices []Choice) error

	// ConfirmChoice acknowledges a resolved callback and replaces the prompt
	// with text.
	ConfirmChoice(ctx context.Context, target string, cb Callback, text string) error
}

// Conversation is implemented by channels with an interactive account
// linking flow. The router hands it every message that carries no media.
type Conversation interface {
	// Converse handles commands, shared contacts and plain chatter.
	Converse(ctx context.Context, in Inbound) error

	// RequestLink asks an unlinked sender to link their account.
	RequestLink(ctx context.Context, target string) error
}

// PathResolver is implemented by channels that download in two steps. The
// path returned by ResolvePath can be cached and later handed to FetchPath,
// which skips the lookup.
type PathResolver interface {
	ResolvePath(ctx context.Context, handle string) (string, error)
	FetchPath(ctx context.Context, handle, filePath string) (*Media, error)
}
