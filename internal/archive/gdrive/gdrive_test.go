package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/MrWong99/voxscribe/internal/archive"
	"github.com/MrWong99/voxscribe/internal/resilience"
)

type plainOpener struct{ err error }

func (o plainOpener) Open(blob string) ([]byte, error) {
	if o.err != nil {
		return nil, o.err
	}
	return []byte(blob), nil
}

const testKey = `{"type":"service_account","client_email":"archiver@proj.iam.gserviceaccount.com"}`

// fakeDrive serves the upload endpoint with the given status.
func fakeDrive(t *testing.T, status int, bodies *[]string, hits *atomic.Int32) ServiceFactory {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		data, _ := io.ReadAll(r.Body)
		if bodies != nil {
			*bodies = append(*bodies, r.URL.Path+"?"+r.URL.RawQuery+"\n"+string(data))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = io.WriteString(w, `{"id":"drive-file-1"}`)
			return
		}
		_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"nope"}}`, status)
	}))
	t.Cleanup(srv.Close)
	return func(ctx context.Context, _ []byte) (*drive.Service, error) {
		return drive.NewService(ctx, option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	}
}

var target = archive.Target{Scope: archive.ScopePersonal, Credentials: testKey, FolderID: "folder-9"}

func TestUpload_Success(t *testing.T) {
	var bodies []string
	var hits atomic.Int32
	a := New(plainOpener{}, WithServiceFactory(fakeDrive(t, http.StatusOK, &bodies, &hits)))

	id, err := a.Upload(context.Background(), target, "2024-01-01 a@b.c talk.mp3.txt", "hello transcript")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if id != "drive-file-1" {
		t.Errorf("id = %q", id)
	}
	if len(bodies) != 1 {
		t.Fatalf("requests = %d, want 1", len(bodies))
	}
	req := bodies[0]
	for _, want := range []string{"uploadType=multipart", "fields=id", `"folder-9"`, "talk.mp3.txt", "hello transcript", "text/plain"} {
		if !strings.Contains(req, want) {
			t.Errorf("request missing %q:\n%s", want, req)
		}
	}
}

func TestUpload_CredentialErrors(t *testing.T) {
	var hits atomic.Int32
	factory := fakeDrive(t, http.StatusOK, nil, &hits)

	a := New(plainOpener{err: errors.New("bad key")}, WithServiceFactory(factory))
	if _, err := a.Upload(context.Background(), target, "n", "c"); err == nil {
		t.Error("expected error for undecryptable credentials")
	}

	b := New(plainOpener{}, WithServiceFactory(factory))
	bad := target
	bad.Credentials = "not json"
	if _, err := b.Upload(context.Background(), bad, "n", "c"); err == nil {
		t.Error("expected error for non-JSON credentials")
	}
	if hits.Load() != 0 {
		t.Errorf("drive called %d times with unusable credentials", hits.Load())
	}
}

func TestUpload_ClientErrorsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "gdrive", MaxFailures: 2, ResetTimeout: time.Hour})
	a := New(plainOpener{}, WithServiceFactory(fakeDrive(t, http.StatusNotFound, nil, &hits)), WithBreaker(cb))

	for i := 0; i < 4; i++ {
		if _, err := a.Upload(context.Background(), target, "n", "c"); err == nil {
			t.Fatal("expected error for missing folder")
		}
	}
	if a.State() != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed", a.State())
	}
	if hits.Load() != 4 {
		t.Errorf("hits = %d, want 4", hits.Load())
	}
}

func TestUpload_ServerErrorsOpenBreaker(t *testing.T) {
	var hits atomic.Int32
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "gdrive", MaxFailures: 2, ResetTimeout: time.Hour})
	a := New(plainOpener{}, WithServiceFactory(fakeDrive(t, http.StatusInternalServerError, nil, &hits)), WithBreaker(cb))

	for i := 0; i < 2; i++ {
		_, _ = a.Upload(context.Background(), target, "n", "c")
	}
	before := hits.Load()
	_, err := a.Upload(context.Background(), target, "n", "c")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if hits.Load() != before {
		t.Error("drive called while breaker open")
	}
}

func TestServiceAccountEmail(t *testing.T) {
	if got := ServiceAccountEmail([]byte(testKey)); got != "archiver@proj.iam.gserviceaccount.com" {
		t.Errorf("email = %q", got)
	}
	if got := ServiceAccountEmail([]byte("nope")); got != "" {
		t.Errorf("email from garbage = %q", got)
	}
}
