package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxscribe/internal/channel"
)

const (
	// TelegramSecretHeader carries the secret token registered with
	// setWebhook.
	TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

	// WhatsAppSignatureHeader carries the HMAC of the body keyed with the app
	// secret.
	WhatsAppSignatureHeader = "X-Hub-Signature-256"

	// DefaultWebhookBodyBytes caps a webhook payload. Media never travels in
	// the payload itself.
	DefaultWebhookBodyBytes int64 = 1 << 20

	// DefaultHandleTimeout bounds the processing of one webhook, including the
	// media download.
	DefaultHandleTimeout = 10 * time.Minute
)

// Webhooks receives chat channel callbacks. Every accepted request is answered
// with 200 immediately and handled in the background, so the provider never
// retries because of slow downloads.
type Webhooks struct {
	router *Router

	telegram       channel.Channel
	telegramSecret string

	whatsapp       channel.Channel
	whatsappVerify string
	whatsappSecret string

	maxBody int64
	timeout time.Duration

	wg sync.WaitGroup
}

// WebhookOption configures Webhooks.
type WebhookOption func(*Webhooks)

// WithTelegram enables POST /webhooks/telegram. A non-empty secret must match
// the [TelegramSecretHeader] of every request.
func WithTelegram(ch channel.Channel, secret string) WebhookOption {
	return func(w *Webhooks) {
		w.telegram = ch
		w.telegramSecret = secret
	}
}

// WithWhatsApp enables the WhatsApp verification and delivery endpoints.
// appSecret, when set, turns on signature checking.
func WithWhatsApp(ch channel.Channel, verifyToken, appSecret string) WebhookOption {
	return func(w *Webhooks) {
		w.whatsapp = ch
		w.whatsappVerify = verifyToken
		w.whatsappSecret = appSecret
	}
}

// WithHandleTimeout bounds background handling of one payload.
func WithHandleTimeout(d time.Duration) WebhookOption {
	return func(w *Webhooks) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithWebhookBodyLimit caps payload size.
func WithWebhookBodyLimit(n int64) WebhookOption {
	return func(w *Webhooks) {
		if n > 0 {
			w.maxBody = n
		}
	}
}

// NewWebhooks returns webhook handlers feeding router.
func NewWebhooks(router *Router, opts ...WebhookOption) *Webhooks {
	w := &Webhooks{router: router, maxBody: DefaultWebhookBodyBytes, timeout: DefaultHandleTimeout}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Register adds the enabled webhook routes to mux.
func (w *Webhooks) Register(mux *http.ServeMux) {
	if w.telegram != nil {
		mux.HandleFunc("POST /webhooks/telegram", w.telegramUpdate)
	}
	if w.whatsapp != nil {
		mux.HandleFunc("GET /webhooks/whatsapp", w.whatsappVerifyChallenge)
		mux.HandleFunc("POST /webhooks/whatsapp", w.whatsappUpdate)
	}
}

func (w *Webhooks) telegramUpdate(rw http.ResponseWriter, r *http.Request) {
	if w.telegramSecret != "" {
		got := r.Header.Get(TelegramSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(w.telegramSecret)) != 1 {
			writeError(rw, http.StatusUnauthorized, "invalid secret token")
			return
		}
	}
	body, ok := w.readBody(rw, r)
	if !ok {
		return
	}
	w.handleAsync(r.Context(), w.telegram, body)
	acknowledge(rw)
}

// whatsappVerifyChallenge answers the subscription handshake by echoing
// hub.challenge when the verify token matches.
func (w *Webhooks) whatsappVerifyChallenge(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || w.whatsappVerify == "" ||
		subtle.ConstantTimeCompare([]byte(q.Get("hub.verify_token")), []byte(w.whatsappVerify)) != 1 {
		writeError(rw, http.StatusForbidden, "Verification failed")
		return
	}
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(rw, q.Get("hub.challenge"))
}

func (w *Webhooks) whatsappUpdate(rw http.ResponseWriter, r *http.Request) {
	body, ok := w.readBody(rw, r)
	if !ok {
		return
	}
	if w.whatsappSecret != "" && !ValidSignature(w.whatsappSecret, body, r.Header.Get(WhatsAppSignatureHeader)) {
		slog.Warn("ingest: rejecting whatsapp payload with bad signature", "remote", r.RemoteAddr)
		writeError(rw, http.StatusUnauthorized, "invalid signature")
		return
	}
	w.handleAsync(r.Context(), w.whatsapp, body)
	acknowledge(rw)
}

func (w *Webhooks) readBody(rw http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, w.maxBody))
	if err != nil {
		writeError(rw, http.StatusRequestEntityTooLarge, "payload too large")
		return nil, false
	}
	return body, true
}

func (w *Webhooks) handleAsync(ctx context.Context, ch channel.Channel, payload []byte) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				slog.Error("ingest: webhook handler panicked", "channel", ch.Kind(), "panic", p)
			}
		}()
		if err := w.router.Handle(ctx, ch, payload); err != nil {
			slog.Error("ingest: handle webhook", "channel", ch.Kind(), "err", err)
		}
	}()
}

// Wait blocks until all background handlers have returned or ctx is done.
func (w *Webhooks) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ValidSignature reports whether header is "sha256=<hex>" of the HMAC-SHA256
// of body under secret.
func ValidSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func acknowledge(rw http.ResponseWriter) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}
