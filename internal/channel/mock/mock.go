// Package mock provides a recording test double for [channel.Channel].
//
// Example:
//
//	ch := &mock.Channel{ChannelKind: job.ChannelTelegram, Choice: true, Content: audio}
//	router.Handle(ctx, ch, payload)
//	ch.Notifications() // → []mock.Notification{...}
package mock

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/channel"
	"github.com/MrWong99/voxscribe/internal/job"
)

var (
	_ channel.Channel      = (*Channel)(nil)
	_ channel.Conversation = (*Channel)(nil)
	_ channel.PathResolver = (*Channel)(nil)
)

// Notification records one SendNotification call.
type Notification struct {
	Target string
	Text   string
}

// Prompt records one PresentChoice call.
type Prompt struct {
	Target  string
	Text    string
	Choices []channel.Choice
}

// Confirmation records one ConfirmChoice call.
type Confirmation struct {
	Target   string
	Callback channel.Callback
	Text     string
}

// Channel is a configurable, recording [channel.Channel].
type Channel struct {
	mu sync.Mutex

	// ChannelKind is returned by Kind. Defaults to telegram.
	ChannelKind job.Channel

	// Choice is returned by SupportsChoice.
	Choice bool

	// Inbound is returned by ExtractMediaHandle; ExtractErr takes precedence.
	Inbound    channel.Inbound
	ExtractErr error

	// Owner is returned by ResolveIdentity; ResolveErr takes precedence.
	Owner      *account.Account
	ResolveErr error

	// Content is served by Fetch under Filename. FetchErr takes precedence.
	Content  []byte
	Filename string
	FetchErr error

	// PathHint is returned by ResolvePath. FetchPath serves Content like
	// Fetch and records the path it was given.
	PathHint string

	// NotifyErr, PresentErr and ConfirmErr are returned by the matching calls
	// after they are recorded.
	NotifyErr  error
	PresentErr error
	ConfirmErr error

	fetches       []string
	pathFetches   []string
	notifications []Notification
	prompts       []Prompt
	confirmations []Confirmation
	conversed     []channel.Inbound
	linkRequests  []string
}

// Kind implements [channel.Channel].
func (c *Channel) Kind() job.Channel {
	if c.ChannelKind == "" {
		return job.ChannelTelegram
	}
	return c.ChannelKind
}

// ExtractMediaHandle implements [channel.Channel].
func (c *Channel) ExtractMediaHandle(_ context.Context, _ []byte) (channel.Inbound, error) {
	if c.ExtractErr != nil {
		return channel.Inbound{}, c.ExtractErr
	}
	return c.Inbound, nil
}

// ResolveIdentity implements [channel.Channel].
func (c *Channel) ResolveIdentity(_ context.Context, _ channel.Inbound) (*account.Account, error) {
	if c.ResolveErr != nil {
		return nil, c.ResolveErr
	}
	return c.Owner, nil
}

// Fetch implements [channel.Channel].
func (c *Channel) Fetch(_ context.Context, handle string) (*channel.Media, error) {
	c.mu.Lock()
	c.fetches = append(c.fetches, handle)
	c.mu.Unlock()
	if c.FetchErr != nil {
		return nil, c.FetchErr
	}
	return &channel.Media{
		Body:     io.NopCloser(bytes.NewReader(c.Content)),
		Size:     int64(len(c.Content)),
		Filename: c.Filename,
	}, nil
}

// ResolvePath implements [channel.PathResolver].
func (c *Channel) ResolvePath(context.Context, string) (string, error) {
	return c.PathHint, nil
}

// FetchPath implements [channel.PathResolver].
func (c *Channel) FetchPath(_ context.Context, _, filePath string) (*channel.Media, error) {
	c.mu.Lock()
	c.pathFetches = append(c.pathFetches, filePath)
	c.mu.Unlock()
	if c.FetchErr != nil {
		return nil, c.FetchErr
	}
	return &channel.Media{
		Body:     io.NopCloser(bytes.NewReader(c.Content)),
		Size:     int64(len(c.Content)),
		Filename: c.Filename,
	}, nil
}

// SendNotification implements [channel.Channel].
func (c *Channel) SendNotification(_ context.Context, target, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, Notification{Target: target, Text: text})
	return c.NotifyErr
}

// SupportsChoice implements [channel.Channel].
func (c *Channel) SupportsChoice() bool { return c.Choice }

// PresentChoice implements [channel.Channel].
func (c *Channel) PresentChoice(_ context.Context, target, prompt string, choices []channel.Choice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, Prompt{Target: target, Text: prompt, Choices: choices})
	return c.PresentErr
}

// ConfirmChoice implements [channel.Channel].
func (c *Channel) ConfirmChoice(_ context.Context, target string, cb channel.Callback, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmations = append(c.confirmations, Confirmation{Target: target, Callback: cb, Text: text})
	return c.ConfirmErr
}

// Converse implements [channel.Conversation].
func (c *Channel) Converse(_ context.Context, in channel.Inbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversed = append(c.conversed, in)
	return nil
}

// RequestLink implements [channel.Conversation].
func (c *Channel) RequestLink(_ context.Context, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linkRequests = append(c.linkRequests, target)
	return nil
}

// Fetches returns a copy of the handles passed to Fetch.
func (c *Channel) Fetches() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.fetches...)
}

// PathFetches returns a copy of the paths passed to FetchPath.
func (c *Channel) PathFetches() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.pathFetches...)
}

// Notifications returns a copy of the recorded notifications.
func (c *Channel) Notifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.notifications...)
}

// Prompts returns a copy of the recorded prompts.
func (c *Channel) Prompts() []Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Prompt(nil), c.prompts...)
}

// Confirmations returns a copy of the recorded confirmations.
func (c *Channel) Confirmations() []Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Confirmation(nil), c.confirmations...)
}

// Conversed returns a copy of the messages handed to Converse.
func (c *Channel) Conversed() []channel.Inbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]channel.Inbound(nil), c.conversed...)
}

// LinkRequests returns a copy of the targets passed to RequestLink.
func (c *Channel) LinkRequests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.linkRequests...)
}
