package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/app"
	archivemock "github.com/MrWong99/voxscribe/internal/archive/mock"
	"github.com/MrWong99/voxscribe/internal/channel"
	chmock "github.com/MrWong99/voxscribe/internal/channel/mock"
	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/internal/ingest"
	"github.com/MrWong99/voxscribe/internal/job"
	mediamock "github.com/MrWong99/voxscribe/internal/mediastore/mock"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/internal/store/memstore"
	"github.com/MrWong99/voxscribe/internal/transcode"
	"github.com/MrWong99/voxscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxscribe/pkg/provider/stt/mock"
)

// passthrough sends every staged file as is.
type passthrough struct{}

func (passthrough) Prepare(_ context.Context, path string) (transcode.Decision, error) {
	return transcode.Decision{Path: path, Tier: transcode.TierNone}, nil
}

// testConfig returns a defaulted config with a local listen address.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Transcription.Provider.Name = "mock"
	cfg.Transcode.ScratchDir = t.TempDir()
	config.ApplyDefaults(cfg)
	cfg.Server.ShutdownTimeout = 5 * time.Second
	return cfg
}

type fixture struct {
	app   *app.App
	store *memstore.Store
	media *mediamock.Store
	stt   *sttmock.Provider
	chat  *chmock.Channel
	owner *account.Account
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}

	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store: memstore.New(),
		media: &mediamock.Store{},
		stt:   &sttmock.Provider{Result: stt.Result{Text: "hello world"}},
		chat:  &chmock.Channel{ChannelKind: job.ChannelTelegram, Content: []byte("OggS"), Filename: "telegram_upload_file-1.oga"},
	}
	f.owner = f.store.Accounts().Add(account.Account{Email: "ada@example.com", APIKey: "key-ada"})
	f.chat.Owner = f.owner

	f.app, err = app.New(context.Background(), cfg, &app.Providers{STT: f.stt},
		app.WithStores(app.Stores{
			Jobs:       f.store.Jobs(),
			Accounts:   f.store.Accounts(),
			Selections: f.store.Selections(),
		}),
		app.WithMediaStore(f.media),
		app.WithPreparer(passthrough{}),
		app.WithArchiver(&archivemock.Archiver{}),
		app.WithTelegram(f.chat),
		app.WithMetrics(metrics),
		app.WithVersion("v0.0.0-test"),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.app.Shutdown(ctx)
	})
	return f
}

// waitStatus polls job id until it reaches want.
func (f *fixture) waitStatus(t *testing.T, id int64, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		j, err := f.store.Jobs().Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if j.Status == want {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %d status = %s, want %s", id, j.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew_RequiresTranscriber(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(t), &app.Providers{})
	if err == nil {
		t.Fatal("expected error without a transcription provider")
	}
}

func TestNew_InMemoryDefaults(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.LocalDir = t.TempDir()
	a, err := app.New(context.Background(), cfg, &app.Providers{STT: &sttmock.Provider{}},
		app.WithPreparer(passthrough{}))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if a.Handler() == nil {
		t.Fatal("Handler() is nil")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
}

func TestApp_UploadIsTranscribed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := httptest.NewServer(f.app.Handler())
	defer srv.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "memo.mp3")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("ID3-audio"))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/transcripts", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(ingest.APIKeyHeader, "key-ada")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status = %d, body %s", resp.StatusCode, b)
	}
	var tr ingest.Transcript
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatal(err)
	}

	j := f.waitStatus(t, tr.ID, job.StatusCompleted)
	if j.Text != "hello world" {
		t.Errorf("text = %q", j.Text)
	}
	if calls := f.stt.Calls(); len(calls) != 1 || calls[0].Req.Language != config.DefaultLanguage {
		t.Errorf("stt calls = %+v", calls)
	}
	if n := f.chat.Notifications(); len(n) != 0 {
		t.Errorf("web uploads must not notify, got %+v", n)
	}
}

func TestApp_TelegramWebhookNotifiesSender(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.chat.Inbound = channel.Inbound{Sender: "42", Handle: "file-1", MediaKind: "voice"}
	srv := httptest.NewServer(f.app.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhooks/telegram", "application/json", strings.NewReader(`{"update_id":1}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var done bool
		for _, n := range f.chat.Notifications() {
			if n.Target == "42" && strings.Contains(n.Text, "hello world") {
				done = true
			}
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no completion notification, got %+v", f.chat.Notifications())
		}
		time.Sleep(10 * time.Millisecond)
	}

	jobs, err := f.store.Jobs().ListByOwner(context.Background(), f.owner.ID, job.ListOptions{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Channel != job.ChannelTelegram || jobs[0].NotifyTarget != "42" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestApp_WhatsAppRoutesAbsentWhenDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := httptest.NewServer(f.app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/webhooks/whatsapp?hub.mode=subscribe")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestApp_Probes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := httptest.NewServer(f.app.Handler())
	defer srv.Close()

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/healthz", http.StatusOK, `"version":"v0.0.0-test"`},
		{"/readyz", http.StatusOK, `"status":"ok"`},
		{config.DefaultMetricsPath, http.StatusOK, ""},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tc.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			if !strings.Contains(string(b), tc.wantBody) {
				t.Errorf("body %s does not contain %s", b, tc.wantBody)
			}
		})
	}
}

func TestApp_ServeAndShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.app.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never answered: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := f.app.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
	// A second call is a no-op.
	if err := f.app.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}
