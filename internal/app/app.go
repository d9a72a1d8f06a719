// Package app wires all voxscribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// drains background work and tears everything down in order.
//
// For testing, inject doubles via functional options (WithStores,
// WithMediaStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/archive"
	"github.com/MrWong99/voxscribe/internal/archive/gdrive"
	"github.com/MrWong99/voxscribe/internal/channel"
	"github.com/MrWong99/voxscribe/internal/channel/telegram"
	"github.com/MrWong99/voxscribe/internal/channel/whatsapp"
	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/internal/events"
	"github.com/MrWong99/voxscribe/internal/health"
	"github.com/MrWong99/voxscribe/internal/identity"
	"github.com/MrWong99/voxscribe/internal/ingest"
	"github.com/MrWong99/voxscribe/internal/job"
	"github.com/MrWong99/voxscribe/internal/mediastore"
	s3store "github.com/MrWong99/voxscribe/internal/mediastore/s3"
	"github.com/MrWong99/voxscribe/internal/notify"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/internal/resilience"
	"github.com/MrWong99/voxscribe/internal/secrets"
	"github.com/MrWong99/voxscribe/internal/selection"
	"github.com/MrWong99/voxscribe/internal/store/memstore"
	"github.com/MrWong99/voxscribe/internal/store/postgres"
	"github.com/MrWong99/voxscribe/internal/sweep"
	"github.com/MrWong99/voxscribe/internal/transcode"
	"github.com/MrWong99/voxscribe/internal/worker"
	"github.com/MrWong99/voxscribe/pkg/provider/stt"
)

// Providers holds the external services built by main.go via the config
// registry.
type Providers struct {
	// STT transcribes prepared media. Required.
	STT stt.Provider
}

// Stores groups the persistence collaborators.
type Stores struct {
	Jobs       job.Store
	Accounts   account.Store
	Selections selection.Store
}

// App owns all subsystem lifetimes and serves the transcription pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	version   string

	// Subsystems, initialised in New and torn down in Shutdown.
	stores     Stores
	media      mediastore.Store
	preparer   worker.Preparer
	archiver   archive.Archiver
	alerter    notify.Alerter
	resolver   *identity.Resolver
	telegram   channel.Channel
	tgBot      *telegram.Channel
	whatsapp   channel.Channel
	bus        *events.Bus
	metrics    *observe.Metrics
	dispatcher *worker.Dispatcher
	router     *ingest.Router
	webhooks   *ingest.Webhooks
	sweeper    *sweep.Sweeper
	checkers   []health.Checker
	handler    http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStores injects the job, account and selection stores instead of
// connecting to the configured database.
func WithStores(s Stores) Option {
	return func(a *App) { a.stores = s }
}

// WithMediaStore injects a media store instead of creating one from config.
func WithMediaStore(m mediastore.Store) Option {
	return func(a *App) { a.media = m }
}

// WithPreparer injects the transcoding step instead of an ffmpeg engine.
func WithPreparer(p worker.Preparer) Option {
	return func(a *App) { a.preparer = p }
}

// WithArchiver injects an archiver. It is used even when archival is
// disabled in the config.
func WithArchiver(ar archive.Archiver) Option {
	return func(a *App) { a.archiver = ar }
}

// WithAlerter injects the operator alert sink.
func WithAlerter(al notify.Alerter) Option {
	return func(a *App) { a.alerter = al }
}

// WithTelegram injects the Telegram channel instead of connecting a bot.
func WithTelegram(ch channel.Channel) Option {
	return func(a *App) { a.telegram = ch }
}

// WithWhatsApp injects the WhatsApp channel.
func WithWhatsApp(ch channel.Channel) Option {
	return func(a *App) { a.whatsapp = ch }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion sets the build version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: store connection, media
// store setup, channel construction, worker and HTTP surface assembly.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: a transcription provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if fb, ok := providers.STT.(*resilience.STTFallback); ok {
		a.checkers = append(a.checkers, health.Circuits("transcription", fb.Names, fb.Open))
	}

	// ── 1. Stores ────────────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 2. Media store ───────────────────────────────────────────────────
	if err := a.initMedia(ctx); err != nil {
		return nil, fmt.Errorf("app: init media: %w", err)
	}

	// ── 3. Transcoding ───────────────────────────────────────────────────
	a.initPreparer()

	// ── 4. Archival ──────────────────────────────────────────────────────
	if err := a.initArchive(); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 5. Channels ──────────────────────────────────────────────────────
	a.resolver = identity.New(a.stores.Accounts)
	if err := a.initChannels(); err != nil {
		return nil, fmt.Errorf("app: init channels: %w", err)
	}

	// ── 6. Worker ────────────────────────────────────────────────────────
	if err := a.initWorker(); err != nil {
		return nil, fmt.Errorf("app: init worker: %w", err)
	}

	// ── 7. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	// ── 8. Sweep ─────────────────────────────────────────────────────────
	a.sweeper = sweep.New(sweep.Config{
		Interval:        cfg.Sweep.Interval,
		MediaMaxAge:     cfg.Sweep.MediaMaxAge,
		SelectionMaxAge: cfg.Sweep.SelectionMaxAge,
		ScratchMaxAge:   cfg.Sweep.ScratchMaxAge,
		ScratchDir:      cfg.Transcode.ScratchDir,
	}, a.media, a.stores.Selections)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStores connects to PostgreSQL, or keeps everything in memory when no
// DSN is configured.
func (a *App) initStores(ctx context.Context) error {
	if a.stores.Jobs != nil && a.stores.Accounts != nil && a.stores.Selections != nil {
		return nil // injected
	}

	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		slog.Warn("database.postgres_dsn is empty; jobs and accounts are kept in memory")
		ms := memstore.New()
		a.stores = Stores{Jobs: ms.Jobs(), Accounts: ms.Accounts(), Selections: ms.Selections()}
		return nil
	}

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.stores = Stores{Jobs: store.Jobs(), Accounts: store.Accounts(), Selections: store.Selections()}
	a.checkers = append(a.checkers, health.Ping("database", store))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initMedia selects S3 when a bucket is configured and a local directory
// otherwise.
func (a *App) initMedia(ctx context.Context) error {
	if a.media == nil {
		sc := a.cfg.Storage
		if sc.Bucket != "" {
			s, err := s3store.New(ctx, s3store.Config{
				Bucket:          sc.Bucket,
				Region:          sc.Region,
				Endpoint:        sc.Endpoint,
				AccessKeyID:     sc.AccessKeyID,
				SecretAccessKey: sc.SecretAccessKey,
				PathStyle:       sc.PathStyle,
			})
			if err != nil {
				return err
			}
			if sc.CreateBucket {
				if err := s.EnsureBucket(ctx); err != nil {
					return err
				}
			}
			a.media = s
			slog.Info("media store", "kind", "s3", "bucket", sc.Bucket)
		} else {
			l, err := mediastore.NewLocal(sc.LocalDir)
			if err != nil {
				return err
			}
			a.media = l
			slog.Info("media store", "kind", "local", "dir", sc.LocalDir)
		}
	}
	if p, ok := a.media.(health.Pinger); ok {
		a.checkers = append(a.checkers, health.Ping("media", p))
	}
	return nil
}

// initPreparer creates the ffmpeg engine unless one was injected.
func (a *App) initPreparer() {
	if a.preparer != nil {
		return
	}
	eng := transcode.New(transcode.WithFFmpegPath(a.cfg.Transcode.FFmpegPath))
	a.preparer = eng
	a.checkers = append(a.checkers, health.FFmpeg(eng.Available))
	if !eng.Available() {
		slog.Warn("ffmpeg not found; oversized and unsupported files are sent unconverted")
	}
}

// initArchive builds the Google Drive archiver when archival is enabled.
func (a *App) initArchive() error {
	if a.archiver != nil || !a.cfg.Archive.Enabled {
		return nil
	}
	opener, err := secrets.New(a.cfg.Archive.EncryptionKey)
	if err != nil {
		return err
	}
	if opener.Passthrough() {
		slog.Warn("archive.encryption_key is empty; stored credentials are read as plain text")
	}
	drive := gdrive.New(opener)
	a.archiver = drive
	a.checkers = append(a.checkers, health.Checker{Name: "archive", Check: func(context.Context) error {
		if drive.State() == resilience.StateOpen {
			return health.Degraded(errors.New("google drive circuit open, transcripts are not archived"))
		}
		return nil
	}})
	return nil
}

// initChannels creates the chat channels that are configured.
func (a *App) initChannels() error {
	if a.telegram == nil && a.cfg.Telegram.Enabled() {
		tc := a.cfg.Telegram
		bot, err := telegram.NewBot(tc.BotToken, tc.APIEndpoint, nil)
		if err != nil {
			return err
		}
		var opts []telegram.Option
		if tc.FileEndpoint != "" {
			opts = append(opts, telegram.WithFileEndpoint(tc.FileEndpoint))
		}
		a.tgBot = telegram.New(bot, a.resolver, opts...)
		a.telegram = a.tgBot
		slog.Info("telegram channel enabled", "bot", bot.Self.UserName)
	}
	if a.whatsapp == nil && a.cfg.WhatsApp.Enabled() {
		wc := a.cfg.WhatsApp
		var opts []whatsapp.Option
		if wc.GraphBaseURL != "" {
			opts = append(opts, whatsapp.WithGraphBaseURL(wc.GraphBaseURL))
		}
		ch, err := whatsapp.New(wc.AccessToken, wc.PhoneNumberID, a.resolver, opts...)
		if err != nil {
			return err
		}
		a.whatsapp = ch
		slog.Info("whatsapp channel enabled", "phone_number_id", wc.PhoneNumberID)
	}
	return nil
}

// initWorker assembles the notifier, the event bus and the job runner.
func (a *App) initWorker() error {
	hubOpts := []notify.Option{}
	if a.telegram != nil {
		hubOpts = append(hubOpts, notify.WithSender(job.ChannelTelegram, a.telegram))
	}
	if a.whatsapp != nil {
		hubOpts = append(hubOpts, notify.WithSender(job.ChannelWhatsApp, a.whatsapp))
	}
	if a.alerter == nil && a.cfg.Notifications.DiscordWebhookURL != "" {
		al, err := notify.NewDiscordAlerter(a.cfg.Notifications.DiscordWebhookURL, nil)
		if err != nil {
			return err
		}
		a.alerter = al
	}
	if a.alerter != nil {
		hubOpts = append(hubOpts, notify.WithAlerter(a.alerter))
	}

	a.bus = events.NewBus()

	workerOpts := []worker.Option{
		worker.WithNotifier(notify.NewHub(hubOpts...)),
		worker.WithPublisher(a.bus),
		worker.WithMetrics(a.metrics),
		worker.WithDeleteMedia(a.cfg.Worker.DeleteMedia),
	}
	if a.archiver != nil {
		workerOpts = append(workerOpts, worker.WithArchiver(a.archiver))
	}
	if dir := a.cfg.Transcode.ScratchDir; dir != "" {
		workerOpts = append(workerOpts, worker.WithScratchDir(dir))
	}
	w := worker.New(worker.Deps{
		Jobs:        a.stores.Jobs,
		Accounts:    a.stores.Accounts,
		Media:       a.media,
		Preparer:    a.preparer,
		Transcriber: a.providers.STT,
	}, workerOpts...)

	a.dispatcher = worker.NewDispatcher(w,
		worker.WithJobTimeout(a.cfg.Worker.JobTimeout),
		worker.WithRecoveryStore(a.stores.Jobs),
	)
	return nil
}

// initHTTP builds the router, the REST API, the webhooks and the probes.
func (a *App) initHTTP() {
	a.router = ingest.NewRouter(ingest.Deps{
		Jobs:       a.stores.Jobs,
		Accounts:   a.stores.Accounts,
		Media:      a.media,
		Mediator:   selection.NewMediator(a.stores.Selections),
		Dispatcher: a.dispatcher,
	},
		ingest.WithDefaultLanguage(a.cfg.Transcription.Language),
		ingest.WithMetrics(a.metrics),
	)

	var hookOpts []ingest.WebhookOption
	if a.telegram != nil {
		hookOpts = append(hookOpts, ingest.WithTelegram(a.telegram, a.cfg.Telegram.WebhookSecret))
	}
	if a.whatsapp != nil {
		hookOpts = append(hookOpts, ingest.WithWhatsApp(a.whatsapp, a.cfg.WhatsApp.VerifyToken, a.cfg.WhatsApp.AppSecret))
	}
	a.webhooks = ingest.NewWebhooks(a.router, hookOpts...)

	mux := http.NewServeMux()
	ingest.NewAPI(a.router,
		ingest.WithMaxUploadBytes(a.cfg.Server.MaxUploadBytes),
		ingest.WithEvents(a.bus),
	).Register(mux)
	a.webhooks.Register(mux)
	health.New(a.version, a.checkers...).Register(mux)
	mux.Handle("GET "+a.cfg.Telemetry.MetricsPath, observe.MetricsHandler())

	a.handler = observe.Middleware(a.metrics)(mux)
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and runs the sweeper until ctx
// is cancelled. When ctx is done, Run stops accepting requests and returns
// context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener. It takes ownership of ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})
	if a.tgBot != nil && a.cfg.Telegram.WebhookURL != "" {
		g.Go(func() error {
			if err := a.tgBot.SetWebhook(a.cfg.Telegram.WebhookURL, a.cfg.Telegram.WebhookSecret); err != nil {
				slog.Error("telegram webhook registration failed", "err", err)
			}
			return nil
		})
	}

	slog.Info("app running", "addr", ln.Addr().String(),
		"telegram", a.telegram != nil, "whatsapp", a.whatsapp != nil, "sweep", a.sweeper.Enabled())

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown waits for webhook handlers and running jobs, then tears down all
// subsystems. It respects the context deadline: if ctx expires while jobs are
// still running, the closers still run and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Webhook handlers dispatch jobs, so they drain first.
		if err := a.webhooks.Wait(ctx); err != nil {
			slog.Warn("webhook handlers still running", "err", err)
			shutdownErr = err
		}
		if err := a.dispatcher.Wait(ctx); err != nil {
			slog.Warn("jobs still running", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
