// Package telegram adapts the Telegram Bot API to [channel.Channel].
//
// Uploads require an account linked to the chat. Linking happens by sharing
// one's own contact with the bot; the phone number must match an existing
// account.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/channel"
	"github.com/MrWong99/voxscribe/internal/identity"
	"github.com/MrWong99/voxscribe/internal/job"
)

var (
	_ channel.Channel      = (*Channel)(nil)
	_ channel.Conversation = (*Channel)(nil)
	_ channel.PathResolver = (*Channel)(nil)
)

// Replies of the linking conversation.
const (
	MsgWelcome      = "Welcome! 👋\n\nPlease link your account by sharing your contact to start transcribing files."
	MsgLinkFirst    = "❌ Please link your account first by sharing your contact."
	MsgSendFile     = "Please send an audio or video file to transcribe."
	MsgNoAccount    = "❌ No account found with this phone number. Please register on the website first."
	MsgOwnContact   = "❌ Please share your own contact."
	LinkButtonLabel = "📱 Link Account"
	msgConnectedFmt = "✅ Connected as: %s\nYou can send audio/video files to transcribe."
	msgLinkedFmt    = "✅ Account linked successfully!\nUser: %s\n\nYou can now send files."
)

// handlePrefixSize is how much of a file id ends up in the stored filename.
const handlePrefixSize = 8

// Channel is the Telegram intake and notification channel.
type Channel struct {
	bot          *tgbotapi.BotAPI
	resolver     *identity.Resolver
	fileEndpoint string
	client       *http.Client
}

// Option configures a Channel.
type Option func(*Channel)

// WithFileEndpoint sets the download URL format, with placeholders for the
// bot token and the file path. Defaults to [tgbotapi.FileEndpoint].
func WithFileEndpoint(format string) Option {
	return func(c *Channel) {
		if format != "" {
			c.fileEndpoint = format
		}
	}
}

// WithHTTPClient sets the client used for file downloads.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Channel) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewBot authenticates token against the Bot API. apiEndpoint is a format
// with placeholders for the token and the method; empty selects the public
// API.
func NewBot(token, apiEndpoint string, hc *http.Client) (*tgbotapi.BotAPI, error) {
	if apiEndpoint == "" {
		apiEndpoint = tgbotapi.APIEndpoint
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, hc)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect bot: %w", err)
	}
	return bot, nil
}

// New returns a Channel driving bot.
func New(bot *tgbotapi.BotAPI, resolver *identity.Resolver, opts ...Option) *Channel {
	c := &Channel{
		bot:          bot,
		resolver:     resolver,
		fileEndpoint: tgbotapi.FileEndpoint,
		client:       http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Kind implements [channel.Channel].
func (c *Channel) Kind() job.Channel { return job.ChannelTelegram }

// SetWebhook registers url with Telegram. A non-empty secret is echoed by
// Telegram in the X-Telegram-Bot-Api-Secret-Token header of every delivery.
func (c *Channel) SetWebhook(url, secret string) error {
	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secret)
	if _, err := c.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("telegram: set webhook: %w", err)
	}
	slog.Info("telegram webhook registered", "url", url, "bot", c.bot.Self.UserName)
	return nil
}

// ExtractMediaHandle implements [channel.Channel]. Media messages carry the
// file id of a voice note, audio, video, video note or document.
func (c *Channel) ExtractMediaHandle(_ context.Context, payload []byte) (channel.Inbound, error) {
	var u tgbotapi.Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return channel.Inbound{}, fmt.Errorf("%w: %v", channel.ErrMalformed, err)
	}

	if cq := u.CallbackQuery; cq != nil {
		if cq.Message == nil || cq.Message.Chat == nil {
			return channel.Inbound{}, fmt.Errorf("%w: callback without message", channel.ErrMalformed)
		}
		in := channel.Inbound{
			Sender: strconv.FormatInt(cq.Message.Chat.ID, 10),
			Callback: &channel.Callback{
				ID:         cq.ID,
				Data:       cq.Data,
				MessageRef: cq.Message.MessageID,
			},
		}
		if cq.From != nil {
			in.SenderUserID = cq.From.ID
		}
		return in, nil
	}

	m := u.Message
	if m == nil || m.Chat == nil {
		return channel.Inbound{}, fmt.Errorf("%w: no message", channel.ErrMalformed)
	}
	in := channel.Inbound{
		Sender: strconv.FormatInt(m.Chat.ID, 10),
		Text:   m.Text,
	}
	if m.From != nil {
		in.SenderUserID = m.From.ID
	}
	if m.Contact != nil {
		in.Contact = &channel.Contact{Phone: m.Contact.PhoneNumber, UserID: m.Contact.UserID}
	}

	switch {
	case m.Voice != nil:
		in.Handle, in.MediaKind, in.MIMEType = m.Voice.FileID, "voice", m.Voice.MimeType
	case m.Audio != nil:
		in.Handle, in.MediaKind, in.MIMEType = m.Audio.FileID, "audio", m.Audio.MimeType
	case m.Video != nil:
		in.Handle, in.MediaKind, in.MIMEType = m.Video.FileID, "video", m.Video.MimeType
	case m.VideoNote != nil:
		in.Handle, in.MediaKind = m.VideoNote.FileID, "video"
	case m.Document != nil:
		in.Handle, in.MediaKind, in.MIMEType = m.Document.FileID, "document", m.Document.MimeType
	}
	return in, nil
}

// ResolveIdentity implements [channel.Channel]. Only linked chats resolve.
func (c *Channel) ResolveIdentity(ctx context.Context, in channel.Inbound) (*account.Account, error) {
	a, err := c.resolver.Linked(ctx, job.ChannelTelegram, in.Sender)
	if errors.Is(err, account.ErrNotFound) {
		return nil, channel.ErrUnlinked
	}
	if err != nil {
		return nil, fmt.Errorf("telegram: resolve chat %s: %w", in.Sender, err)
	}
	return a, nil
}

// Fetch implements [channel.Channel].
func (c *Channel) Fetch(ctx context.Context, handle string) (*channel.Media, error) {
	filePath, err := c.ResolvePath(ctx, handle)
	if err != nil {
		return nil, err
	}
	return c.FetchPath(ctx, handle, filePath)
}

// ResolvePath implements [channel.PathResolver] with getFile. Telegram keeps
// the returned path downloadable for at least an hour.
func (c *Channel) ResolvePath(_ context.Context, handle string) (string, error) {
	f, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: handle})
	if err != nil {
		return "", fmt.Errorf("telegram: get file info: %w", err)
	}
	if f.FilePath == "" {
		return "", errors.New("telegram: get file info: no file path")
	}
	return f.FilePath, nil
}

// FetchPath implements [channel.PathResolver]. The file is named after the
// first characters of handle and keeps the extension of filePath.
func (c *Channel) FetchPath(ctx context.Context, handle, filePath string) (*channel.Media, error) {
	url := fmt.Sprintf(c.fileEndpoint, c.bot.Token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: download: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("telegram: download: status %d", resp.StatusCode)
	}

	prefix := handle
	if len(prefix) > handlePrefixSize {
		prefix = prefix[:handlePrefixSize]
	}
	return &channel.Media{
		Body:     resp.Body,
		Size:     resp.ContentLength,
		Filename: "telegram_upload_" + prefix + path.Ext(filePath),
		MIMEType: resp.Header.Get("Content-Type"),
	}, nil
}

// SendNotification implements [channel.Channel].
func (c *Channel) SendNotification(_ context.Context, target, text string) error {
	chatID, err := chatID(target)
	if err != nil {
		return err
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

// SupportsChoice implements [channel.Channel].
func (c *Channel) SupportsChoice() bool { return true }

// PresentChoice implements [channel.Channel] with one inline button per row.
func (c *Channel) PresentChoice(_ context.Context, target, prompt string, choices []channel.Choice) error {
	chatID, err := chatID(target)
	if err != nil {
		return err
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(choices))
	for _, ch := range choices {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(ch.Label, ch.Token)))
	}
	msg := tgbotapi.NewMessage(chatID, prompt)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: present choice: %w", err)
	}
	return nil
}

// ConfirmChoice implements [channel.Channel]. It stops the client's loading
// indicator and replaces the prompt with text.
func (c *Channel) ConfirmChoice(_ context.Context, target string, cb channel.Callback, text string) error {
	chatID, err := chatID(target)
	if err != nil {
		return err
	}
	if cb.ID != "" {
		if _, err := c.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
			slog.Debug("telegram: answer callback", "err", err)
		}
	}
	if _, err := c.bot.Request(tgbotapi.NewEditMessageText(chatID, cb.MessageRef, text)); err != nil {
		return fmt.Errorf("telegram: edit prompt: %w", err)
	}
	return nil
}

// Converse implements [channel.Conversation].
func (c *Channel) Converse(ctx context.Context, in channel.Inbound) error {
	if in.Contact != nil {
		return c.linkContact(ctx, in)
	}

	linked, err := c.resolver.Linked(ctx, job.ChannelTelegram, in.Sender)
	if err != nil && !errors.Is(err, account.ErrNotFound) {
		return fmt.Errorf("telegram: resolve chat %s: %w", in.Sender, err)
	}

	if in.Text == "/start" {
		if linked != nil {
			return c.SendNotification(ctx, in.Sender, fmt.Sprintf(msgConnectedFmt, linked.Email))
		}
		return c.RequestLink(ctx, in.Sender)
	}

	if linked != nil {
		return c.SendNotification(ctx, in.Sender, MsgSendFile)
	}
	if err := c.SendNotification(ctx, in.Sender, MsgLinkFirst); err != nil {
		return err
	}
	return c.RequestLink(ctx, in.Sender)
}

func (c *Channel) linkContact(ctx context.Context, in channel.Inbound) error {
	chat, err := chatID(in.Sender)
	if err != nil {
		return err
	}
	a, err := c.resolver.LinkContact(ctx, chat, in.SenderUserID, in.Contact.UserID, in.Contact.Phone)
	switch {
	case errors.Is(err, identity.ErrNotOwnContact):
		return c.SendNotification(ctx, in.Sender, MsgOwnContact)
	case errors.Is(err, identity.ErrNoAccountForPhone):
		return c.SendNotification(ctx, in.Sender, MsgNoAccount)
	case err != nil:
		return fmt.Errorf("telegram: link contact: %w", err)
	}
	slog.Info("telegram chat linked", "owner_id", a.ID)
	return c.SendNotification(ctx, in.Sender, fmt.Sprintf(msgLinkedFmt, a.Email))
}

// RequestLink implements [channel.Conversation] with a one-time keyboard
// whose only button shares the user's contact.
func (c *Channel) RequestLink(_ context.Context, target string) error {
	chatID, err := chatID(target)
	if err != nil {
		return err
	}
	kb := tgbotapi.NewReplyKeyboard(tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButtonContact(LinkButtonLabel)))
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	msg := tgbotapi.NewMessage(chatID, MsgWelcome)
	msg.ReplyMarkup = kb
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: request link: %w", err)
	}
	return nil
}

func chatID(target string) (int64, error) {
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: chat id %q: %w", target, err)
	}
	return id, nil
}
