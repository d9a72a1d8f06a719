// Package archive copies finished transcripts to an external document store.
//
// Archiving is best effort: callers log failures and move on. Where a
// transcript goes is decided by [ResolveTarget], a pure function over the job
// and its owner and project.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/job"
)

// Scope names whose settings a [Target] came from.
type Scope string

const (
	ScopeProject  Scope = "project"
	ScopePersonal Scope = "personal"
)

// Target is a resolved archive destination.
type Target struct {
	Scope Scope
	// Credentials is the sealed credential blob.
	Credentials string
	FolderID    string
}

// Archiver uploads a text document.
type Archiver interface {
	// Upload stores content as name in t and returns the remote file id.
	Upload(ctx context.Context, t Target, name, content string) (string, error)
}

// ResolveTarget picks the archive destination for j. A job assigned to a
// project archives with the project's settings only; a personal job uses the
// owner's. Settings need both credentials and a folder. The second result is
// false when the job should not be archived.
func ResolveTarget(j *job.Job, owner *account.Account, project *account.Project) (Target, bool) {
	if j.ProjectID != nil {
		if project == nil || project.ID != *j.ProjectID || !project.Archive.Configured() {
			return Target{}, false
		}
		return Target{Scope: ScopeProject, Credentials: project.Archive.Credentials, FolderID: project.Archive.FolderID}, true
	}
	if owner == nil || !owner.Archive.Configured() {
		return Target{}, false
	}
	return Target{Scope: ScopePersonal, Credentials: owner.Archive.Credentials, FolderID: owner.Archive.FolderID}, true
}

// FileName builds "{YYYY-MM-DD} {email} {filename}.txt" in NFC form. Path
// separators in the parts are replaced so the name stays a single segment.
func FileName(created time.Time, ownerEmail, filename string) string {
	clean := strings.NewReplacer("/", "_", "\\", "_").Replace
	name := fmt.Sprintf("%s %s %s.txt", created.UTC().Format(time.DateOnly), clean(ownerEmail), clean(filename))
	return norm.NFC.String(name)
}
