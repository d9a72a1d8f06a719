package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxUploadBytes  = 512 << 20
	DefaultJobTimeout      = 30 * time.Minute
	DefaultLanguage        = "en"
	DefaultLocalDir        = "data/media"
	DefaultServiceName     = "voxscribe"
	DefaultMetricsPath     = "/metrics"
	DefaultSweepInterval   = time.Hour
)

// ValidProviderNames lists the built-in transcription providers.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai", "whisper"}

// envRef matches ${NAME} references.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${NAME} references with the environment value. Unset
// variables expand to the empty string. A bare $ is left alone so secrets
// containing dollar signs survive.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands environment references, decodes a YAML config from
// r, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Storage.Bucket == "" && cfg.Storage.LocalDir == "" {
		cfg.Storage.LocalDir = DefaultLocalDir
	}
	if cfg.Transcription.Language == "" {
		cfg.Transcription.Language = DefaultLanguage
	}
	if cfg.Worker.JobTimeout == 0 {
		cfg.Worker.JobTimeout = DefaultJobTimeout
	}
	if cfg.Sweep.Interval == 0 && (cfg.Sweep.MediaMaxAge > 0 || cfg.Sweep.SelectionMaxAge > 0 || cfg.Sweep.ScratchMaxAge > 0) {
		cfg.Sweep.Interval = DefaultSweepInterval
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must not be negative"))
	}

	// Storage
	if cfg.Storage.Bucket != "" && cfg.Storage.LocalDir != "" {
		slog.Warn("storage.bucket is set; storage.local_dir is ignored")
	}
	if (cfg.Storage.AccessKeyID == "") != (cfg.Storage.SecretAccessKey == "") {
		errs = append(errs, errors.New("storage.access_key_id and storage.secret_access_key must be set together"))
	}

	// Transcription
	if cfg.Transcription.Provider.Name == "" {
		errs = append(errs, errors.New("transcription.provider.name is required"))
	}
	entries := append([]ProviderEntry{cfg.Transcription.Provider}, cfg.Transcription.Fallbacks...)
	for i, e := range entries {
		prefix := "transcription.provider"
		if i > 0 {
			prefix = fmt.Sprintf("transcription.fallbacks[%d]", i-1)
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			}
		}
		validateProviderName(prefix, e.Name)
	}

	// Worker
	if cfg.Worker.JobTimeout < 0 {
		errs = append(errs, errors.New("worker.job_timeout must not be negative"))
	}

	// Channels
	if cfg.Telegram.WebhookURL != "" {
		if !cfg.Telegram.Enabled() {
			errs = append(errs, errors.New("telegram.webhook_url requires telegram.bot_token"))
		}
		if u, err := url.Parse(cfg.Telegram.WebhookURL); err != nil || u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("telegram.webhook_url %q must be an https URL", cfg.Telegram.WebhookURL))
		}
	}
	if cfg.Telegram.Enabled() && cfg.Telegram.WebhookSecret == "" {
		slog.Warn("telegram.webhook_secret is empty; webhook deliveries are not authenticated")
	}
	if cfg.WhatsApp.Enabled() {
		if cfg.WhatsApp.VerifyToken == "" {
			errs = append(errs, errors.New("whatsapp.verify_token is required when whatsapp is enabled"))
		}
		if cfg.WhatsApp.PhoneNumberID == "" {
			slog.Warn("whatsapp.phone_number_id is empty; WhatsApp senders will not be notified")
		}
		if cfg.WhatsApp.AppSecret == "" {
			slog.Warn("whatsapp.app_secret is empty; webhook signatures are not checked")
		}
	}

	// Notifications
	if u := cfg.Notifications.DiscordWebhookURL; u != "" {
		if _, err := url.ParseRequestURI(u); err != nil {
			errs = append(errs, fmt.Errorf("notifications.discord_webhook_url: %w", err))
		}
	}

	// Sweep
	for name, d := range map[string]time.Duration{
		"sweep.interval":          cfg.Sweep.Interval,
		"sweep.media_max_age":     cfg.Sweep.MediaMaxAge,
		"sweep.selection_max_age": cfg.Sweep.SelectionMaxAge,
		"sweep.scratch_max_age":   cfg.Sweep.ScratchMaxAge,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if cfg.Sweep.ScratchMaxAge > 0 && cfg.Sweep.ScratchMaxAge <= cfg.Worker.JobTimeout {
		errs = append(errs, fmt.Errorf("sweep.scratch_max_age %s must exceed worker.job_timeout %s", cfg.Sweep.ScratchMaxAge, cfg.Worker.JobTimeout))
	}
	if cfg.Sweep.MediaMaxAge > 0 && cfg.Sweep.MediaMaxAge <= cfg.Worker.JobTimeout {
		errs = append(errs, fmt.Errorf("sweep.media_max_age %s must exceed worker.job_timeout %s", cfg.Sweep.MediaMaxAge, cfg.Worker.JobTimeout))
	}

	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be between 0 and 1", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown transcription provider; it must be registered before startup",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
