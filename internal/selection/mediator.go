package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/channel"
)

// Resolution is the outcome of a consumed selection.
type Resolution struct {
	OwnerID    int64
	FileHandle string
	PathHint   string
	Target     string
	ProjectID  *int64
}

// Mediator opens and resolves pending selections.
type Mediator struct {
	store Store
}

// NewMediator returns a Mediator persisting to store.
func NewMediator(store Store) *Mediator {
	return &Mediator{store: store}
}

// Open parks fileHandle for owner and presents the destination choices on
// ch. It must only be called when projects is non-empty. If ch is a
// [channel.PathResolver] the download path is resolved now and kept with the
// record. If the prompt cannot be delivered the parked record is removed
// again.
func (m *Mediator) Open(ctx context.Context, ch channel.Channel, owner *account.Account, target, fileHandle string, projects []account.Project) (*Pending, error) {
	if len(projects) == 0 {
		return nil, errors.New("selection: open: owner has no projects")
	}
	var hint string
	if pr, ok := ch.(channel.PathResolver); ok {
		h, err := pr.ResolvePath(ctx, fileHandle)
		if err != nil {
			slog.Debug("selection: resolve path ahead of choice", "err", err)
		}
		hint = h
	}
	p, err := m.store.Create(ctx, Pending{
		OwnerID:    owner.ID,
		FileHandle: fileHandle,
		PathHint:   hint,
		Target:     target,
	})
	if err != nil {
		return nil, fmt.Errorf("selection: open: %w", err)
	}

	if err := ch.PresentChoice(ctx, target, Prompt, Choices(p.ID, projects)); err != nil {
		if _, takeErr := m.store.Take(ctx, p.ID, target); takeErr != nil && !errors.Is(takeErr, ErrNotFound) {
			slog.Warn("selection: discard undelivered selection", "selection_id", p.ID, "err", takeErr)
		}
		return nil, fmt.Errorf("selection: present choice: %w", err)
	}
	return p, nil
}

// Resolve consumes the selection named by token on behalf of the chat
// target. It returns [ErrNotFound] when the selection is unknown, was already
// consumed or belongs to another chat, and [ErrBadToken] when token cannot be
// parsed. Concurrent calls for the same selection succeed at most once.
func (m *Mediator) Resolve(ctx context.Context, token, target string) (*Resolution, error) {
	t, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	p, err := m.store.Take(ctx, t.SelectionID, target)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("selection: resolve %d: %w", t.SelectionID, err)
	}
	return &Resolution{
		OwnerID:    p.OwnerID,
		FileHandle: p.FileHandle,
		PathHint:   p.PathHint,
		Target:     p.Target,
		ProjectID:  t.ProjectID,
	}, nil
}
