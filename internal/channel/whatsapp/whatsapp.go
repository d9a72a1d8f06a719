// Package whatsapp adapts the WhatsApp Cloud API to [channel.Channel].
//
// Senders are identified by phone number. Unknown numbers get a placeholder
// account, so every WhatsApp upload is accepted. The channel has no
// interactive choice; uploads always go to the personal destination.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/channel"
	"github.com/MrWong99/voxscribe/internal/identity"
	"github.com/MrWong99/voxscribe/internal/job"
)

var _ channel.Channel = (*Channel)(nil)

const (
	// DefaultGraphBaseURL is the Graph API version the adapter speaks.
	DefaultGraphBaseURL = "https://graph.facebook.com/v18.0"

	defaultTimeout = 5 * time.Minute
	maxErrorBody   = 512
	defaultExt     = ".mp4"
)

var extensions = map[string]string{
	"audio/ogg":  ".ogg",
	"audio/opus": ".ogg",
	"audio/mpeg": ".mp3",
	"audio/mp4":  ".m4a",
	"audio/aac":  ".aac",
	"audio/amr":  ".amr",
	"audio/wav":  ".wav",
	"audio/webm": ".webm",
	"video/mp4":  ".mp4",
	"video/3gpp": ".3gp",
	"video/webm": ".webm",
}

// ExtensionFor maps a declared MIME type, parameters included, to a file
// extension. Unknown types map to ".mp4".
func ExtensionFor(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mimeType))
	}
	if ext, ok := extensions[mt]; ok {
		return ext
	}
	return defaultExt
}

// Channel is the WhatsApp intake and notification channel.
type Channel struct {
	token         string
	phoneNumberID string
	baseURL       string
	resolver      *identity.Resolver
	httpClient    *http.Client
}

// Option configures a Channel.
type Option func(*Channel)

// WithGraphBaseURL overrides [DefaultGraphBaseURL].
func WithGraphBaseURL(u string) Option {
	return func(c *Channel) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client used for Graph calls and media
// downloads.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Channel) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New returns a Channel authenticating with accessToken and sending from
// phoneNumberID.
func New(accessToken, phoneNumberID string, resolver *identity.Resolver, opts ...Option) (*Channel, error) {
	if accessToken == "" {
		return nil, errors.New("whatsapp: access token must not be empty")
	}
	c := &Channel{
		token:         accessToken,
		phoneNumberID: phoneNumberID,
		baseURL:       DefaultGraphBaseURL,
		resolver:      resolver,
		httpClient:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Kind implements [channel.Channel].
func (c *Channel) Kind() job.Channel { return job.ChannelWhatsApp }

type mediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
}

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From     string    `json:"from"`
					Type     string    `json:"type"`
					Audio    *mediaRef `json:"audio"`
					Voice    *mediaRef `json:"voice"`
					Video    *mediaRef `json:"video"`
					Document *mediaRef `json:"document"`
					Text     *struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ExtractMediaHandle implements [channel.Channel]. Only the first message of
// the first change is considered. Delivery receipts and other payloads
// without messages are [channel.ErrMalformed].
func (c *Channel) ExtractMediaHandle(_ context.Context, payload []byte) (channel.Inbound, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return channel.Inbound{}, fmt.Errorf("%w: %v", channel.ErrMalformed, err)
	}
	if len(p.Entry) == 0 || len(p.Entry[0].Changes) == 0 || len(p.Entry[0].Changes[0].Value.Messages) == 0 {
		return channel.Inbound{}, fmt.Errorf("%w: no message", channel.ErrMalformed)
	}
	m := p.Entry[0].Changes[0].Value.Messages[0]
	in := channel.Inbound{Sender: m.From, MediaKind: m.Type}

	var ref *mediaRef
	switch m.Type {
	case "audio":
		ref = m.Audio
	case "voice":
		ref = m.Voice
	case "video":
		ref = m.Video
	case "document":
		ref = m.Document
	case "text":
		if m.Text != nil {
			in.Text = m.Text.Body
		}
	}
	if ref != nil {
		in.Handle, in.MIMEType = ref.ID, ref.MimeType
	}
	return in, nil
}

// ResolveIdentity implements [channel.Channel]. Unknown phone numbers get a
// placeholder account.
func (c *Channel) ResolveIdentity(ctx context.Context, in channel.Inbound) (*account.Account, error) {
	a, err := c.resolver.Resolve(ctx, job.ChannelWhatsApp, in.Sender)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: resolve sender: %w", err)
	}
	return a, nil
}

// Fetch implements [channel.Channel]. The media id is first exchanged for a
// short-lived download URL, which needs the same bearer token.
func (c *Channel) Fetch(ctx context.Context, handle string) (*channel.Media, error) {
	var info struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/"+handle, &info); err != nil {
		return nil, fmt.Errorf("whatsapp: media lookup: %w", err)
	}
	if info.URL == "" {
		return nil, errors.New("whatsapp: media lookup: no download url")
	}

	resp, err := c.do(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: download: %w", err)
	}
	return &channel.Media{
		Body:     resp.Body,
		Size:     resp.ContentLength,
		Filename: "whatsapp_" + handle + ExtensionFor(info.MimeType),
		MIMEType: info.MimeType,
	}, nil
}

// SendNotification implements [channel.Channel] with a plain text message.
func (c *Channel) SendNotification(ctx context.Context, target, text string) error {
	if c.phoneNumberID == "" {
		return errors.New("whatsapp: send: no phone number id configured")
	}
	body, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                target,
		"type":              "text",
		"text":              map[string]string{"body": text},
	})
	if err != nil {
		return fmt.Errorf("whatsapp: send: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/"+c.phoneNumberID+"/messages", body)
	if err != nil {
		return fmt.Errorf("whatsapp: send: %w", err)
	}
	resp.Body.Close()
	return nil
}

// SupportsChoice implements [channel.Channel].
func (c *Channel) SupportsChoice() bool { return false }

// PresentChoice implements [channel.Channel]. It is not supported.
func (c *Channel) PresentChoice(context.Context, string, string, []channel.Choice) error {
	return channel.ErrUnsupported
}

// ConfirmChoice implements [channel.Channel]. It is not supported.
func (c *Channel) ConfirmChoice(context.Context, string, channel.Callback, string) error {
	return channel.ErrUnsupported
}

func (c *Channel) getJSON(ctx context.Context, url string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("parse JSON response: %w", err)
	}
	return nil
}

// do sends an authenticated request and turns non-2xx answers into errors.
// The caller closes the body of a successful response.
func (c *Channel) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("graph returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}
