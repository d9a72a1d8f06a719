// Package gdrive archives transcripts to Google Drive with a service account.
package gdrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/MrWong99/voxscribe/internal/archive"
	"github.com/MrWong99/voxscribe/internal/resilience"
)

var _ archive.Archiver = (*Archiver)(nil)

// Opener decrypts sealed credential blobs.
type Opener interface {
	Open(blob string) ([]byte, error)
}

// ServiceFactory builds a Drive client for one credential document.
type ServiceFactory func(ctx context.Context, credentials []byte) (*drive.Service, error)

// DefaultServiceFactory authenticates with a service-account JSON key limited
// to files the account creates.
func DefaultServiceFactory(ctx context.Context, credentials []byte) (*drive.Service, error) {
	return drive.NewService(ctx,
		option.WithCredentialsJSON(credentials),
		option.WithScopes(drive.DriveFileScope),
	)
}

// Archiver uploads transcripts as plain-text files.
type Archiver struct {
	opener     Opener
	newService ServiceFactory
	breaker    *resilience.CircuitBreaker
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithServiceFactory replaces how Drive clients are built.
func WithServiceFactory(f ServiceFactory) Option {
	return func(a *Archiver) { a.newService = f }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *Archiver) { a.breaker = cb }
}

// New returns an Archiver that opens credentials with opener.
func New(opener Opener, opts ...Option) *Archiver {
	a := &Archiver{
		opener:     opener,
		newService: DefaultServiceFactory,
	}
	for _, o := range opts {
		o(a)
	}
	if a.breaker == nil {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "gdrive"})
	}
	return a
}

// Upload implements [archive.Archiver].
func (a *Archiver) Upload(ctx context.Context, t archive.Target, name, content string) (string, error) {
	creds, err := a.opener.Open(t.Credentials)
	if err != nil {
		return "", fmt.Errorf("gdrive: open %s credentials: %w", t.Scope, err)
	}
	if !json.Valid(creds) {
		return "", fmt.Errorf("gdrive: %s credentials are not a JSON key", t.Scope)
	}

	var id string
	err = a.breaker.Execute(func() error {
		svc, err := a.newService(ctx, creds)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("gdrive: build client: %w", err))
		}
		f, err := svc.Files.Create(&drive.File{
			Name:     name,
			Parents:  []string{t.FolderID},
			MimeType: "text/plain",
		}).
			Media(strings.NewReader(content), googleapi.ContentType("text/plain")).
			SupportsAllDrives(true).
			Fields("id").
			Context(ctx).
			Do()
		if err != nil {
			if clientError(err) {
				return resilience.Permanent(err)
			}
			return err
		}
		id = f.Id
		return nil
	})
	if err != nil {
		if notFound(err) {
			slog.Warn("gdrive: folder not visible to service account; share it with the account",
				"folder_id", t.FolderID, "service_account", ServiceAccountEmail(creds))
		}
		return "", fmt.Errorf("gdrive: upload %q: %w", name, err)
	}
	return id, nil
}

// State exposes the breaker state for health reporting.
func (a *Archiver) State() resilience.State { return a.breaker.State() }

// ServiceAccountEmail returns client_email from a service-account key, or ""
// when the document has none.
func ServiceAccountEmail(credentials []byte) string {
	var key struct {
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(credentials, &key); err != nil {
		return ""
	}
	return key.ClientEmail
}

// clientError reports 4xx answers other than rate limiting. Those are caused
// by one owner's settings and must not open the breaker for everyone.
func clientError(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != http.StatusTooManyRequests
}

func notFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
