package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxscribe/internal/job"
)

// WebhookExecutor is the subset of [discordgo.Session] used for alerts.
type WebhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// colorFailed is the embed colour of failure alerts.
const colorFailed = 0xE74C3C

// DiscordAlerter posts failed jobs to a Discord channel webhook.
type DiscordAlerter struct {
	exec  WebhookExecutor
	id    string
	token string
}

var _ Alerter = (*DiscordAlerter)(nil)

// NewDiscordAlerter parses a webhook URL of the form
// https://discord.com/api/webhooks/{id}/{token}. exec may be nil, in which
// case an unauthenticated [discordgo.Session] is used.
func NewDiscordAlerter(webhookURL string, exec WebhookExecutor) (*DiscordAlerter, error) {
	id, token, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		s, err := discordgo.New("")
		if err != nil {
			return nil, fmt.Errorf("notify: discord session: %w", err)
		}
		exec = s
	}
	return &DiscordAlerter{exec: exec, id: id, token: token}, nil
}

// ParseWebhookURL extracts the webhook id and token.
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("notify: parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", errors.New("notify: webhook url must end in /webhooks/{id}/{token}")
}

// JobFailed implements [Alerter].
func (d *DiscordAlerter) JobFailed(ctx context.Context, j *job.Job, msg string) error {
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Transcript job %d failed", j.ID),
		Description: truncate(msg, 1024),
		Color:       colorFailed,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Channel", Value: string(j.Channel), Inline: true},
			{Name: "Owner", Value: fmt.Sprint(j.OwnerID), Inline: true},
			{Name: "File", Value: j.Filename, Inline: true},
		},
	}
	_, err := d.exec.WebhookExecute(d.id, d.token, false, &discordgo.WebhookParams{
		Username: "voxscribe",
		Embeds:   []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("notify: discord webhook: %w", err)
	}
	return nil
}
