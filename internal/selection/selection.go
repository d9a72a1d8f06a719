// Package selection implements the two-step "pick a destination" interaction
// for chat uploads.
//
// When an owner who belongs to at least one project sends a file, the upload
// is parked as a [Pending] record and the sender is shown one choice per
// project plus a personal option. The answer arrives later as a callback
// token; [Mediator.Resolve] consumes the pending record exactly once and
// hands the file back to the router together with the chosen destination.
package selection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/channel"
)

// ErrNotFound is returned by [Store.Take] and [Mediator.Resolve] when the
// selection does not exist or was already consumed.
var ErrNotFound = errors.New("selection: not found")

// ErrBadToken is returned when callback data is not a selection token.
var ErrBadToken = errors.New("selection: malformed token")

// Prompt is the question shown above the choices.
const Prompt = "Where should this transcript be assigned?"

const (
	tokenPrefix   = "proj_"
	personalToken = "personal"
)

// Pending is an upload waiting for its destination.
type Pending struct {
	ID         int64
	OwnerID    int64
	FileHandle string

	// PathHint caches a resolved download path when the channel provides one.
	PathHint string

	// Target is the chat the prompt was sent to.
	Target    string
	CreatedAt time.Time
}

// Store persists pending selections.
type Store interface {
	// Create inserts p and returns it with ID and CreatedAt set.
	Create(ctx context.Context, p Pending) (*Pending, error)

	// Take atomically removes and returns the selection if it was opened
	// in chat target. A second Take for the same id, or one from another
	// chat, returns [ErrNotFound] and leaves the record in place.
	Take(ctx context.Context, id int64, target string) (*Pending, error)

	// PurgeOlderThan deletes selections created before cutoff and returns
	// how many were removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Target is a parsed destination. ProjectID is nil for the personal option.
type Target struct {
	SelectionID int64
	ProjectID   *int64
}

// Token encodes a destination as callback data:
// "proj_{selectionID}_{personal|projectID}".
func Token(selectionID int64, projectID *int64) string {
	dest := personalToken
	if projectID != nil {
		dest = strconv.FormatInt(*projectID, 10)
	}
	return fmt.Sprintf("%s%d_%s", tokenPrefix, selectionID, dest)
}

// ParseToken decodes callback data produced by [Token].
func ParseToken(data string) (Target, error) {
	rest, ok := strings.CutPrefix(data, tokenPrefix)
	if !ok {
		return Target{}, ErrBadToken
	}
	idPart, dest, ok := strings.Cut(rest, "_")
	if !ok || dest == "" {
		return Target{}, ErrBadToken
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	t := Target{SelectionID: id}
	if dest == personalToken {
		return t, nil
	}
	pid, err := strconv.ParseInt(dest, 10, 64)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	t.ProjectID = &pid
	return t, nil
}

// IsToken reports whether data looks like a selection token.
func IsToken(data string) bool { return strings.HasPrefix(data, tokenPrefix) }

// Choices builds the personal option followed by one option per project.
func Choices(selectionID int64, projects []account.Project) []channel.Choice {
	out := make([]channel.Choice, 0, len(projects)+1)
	out = append(out, channel.Choice{Label: "➡ PERSONAL NOTE", Token: Token(selectionID, nil)})
	for _, p := range projects {
		out = append(out, channel.Choice{Label: "📁 " + p.Name, Token: Token(selectionID, &p.ID)})
	}
	return out
}
