package notify_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	chmock "github.com/MrWong99/voxscribe/internal/channel/mock"
	"github.com/MrWong99/voxscribe/internal/job"
	"github.com/MrWong99/voxscribe/internal/notify"
)

type fakeWebhook struct {
	id, token string
	params    []*discordgo.WebhookParams
	err       error
}

func (f *fakeWebhook) WebhookExecute(id, token string, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.id, f.token = id, token
	f.params = append(f.params, data)
	return nil, f.err
}

type recordingAlerter struct{ msgs []string }

func (r *recordingAlerter) JobFailed(_ context.Context, _ *job.Job, msg string) error {
	r.msgs = append(r.msgs, msg)
	return errors.New("alert sink down")
}

func TestHub_RoutesByChannel(t *testing.T) {
	t.Parallel()
	tg := &chmock.Channel{}
	wa := &chmock.Channel{ChannelKind: job.ChannelWhatsApp}
	hub := notify.NewHub(notify.WithSender(job.ChannelTelegram, tg), notify.WithSender(job.ChannelWhatsApp, wa))

	j := &job.Job{ID: 1, Channel: job.ChannelWhatsApp, Notify: true, NotifyTarget: "4915", Filename: "a.ogg"}
	if err := hub.Completed(context.Background(), j, "hello"); err != nil {
		t.Fatalf("Completed: %v", err)
	}
	if len(tg.Notifications()) != 0 {
		t.Error("telegram received a whatsapp notification")
	}
	got := wa.Notifications()
	if len(got) != 1 || got[0].Target != "4915" {
		t.Fatalf("notifications = %+v", got)
	}
	if got[0].Text != "✅ Transcription complete: a.ogg\n\nhello" {
		t.Errorf("text = %q", got[0].Text)
	}
}

func TestHub_SkipsWithoutTargetOrConsent(t *testing.T) {
	t.Parallel()
	tg := &chmock.Channel{}
	hub := notify.NewHub(notify.WithSender(job.ChannelTelegram, tg))
	ctx := context.Background()

	jobs := []*job.Job{
		{Channel: job.ChannelTelegram, Notify: false, NotifyTarget: "1"},
		{Channel: job.ChannelTelegram, Notify: true, NotifyTarget: ""},
		{Channel: job.ChannelWeb, Notify: true, NotifyTarget: "x"},
	}
	for _, j := range jobs {
		if err := hub.Completed(ctx, j, "t"); err != nil {
			t.Errorf("Completed(%+v): %v", j, err)
		}
	}
	if n := len(tg.Notifications()); n != 0 {
		t.Errorf("sent %d notifications, want 0", n)
	}
}

func TestHub_ClassifiesDeliveryFailure(t *testing.T) {
	t.Parallel()
	tg := &chmock.Channel{NotifyErr: errors.New("chat not found")}
	alerts := &recordingAlerter{}
	hub := notify.NewHub(notify.WithSender(job.ChannelTelegram, tg), notify.WithAlerter(alerts))

	j := &job.Job{ID: 2, Channel: job.ChannelTelegram, Notify: true, NotifyTarget: "9", Filename: "b.mp3"}
	err := hub.Failed(context.Background(), j, "file too large")
	if job.KindOf(err) != job.KindNotification {
		t.Fatalf("KindOf(err) = %s, want notification", job.KindOf(err))
	}
	if len(alerts.msgs) != 1 || alerts.msgs[0] != "file too large" {
		t.Errorf("alerts = %v", alerts.msgs)
	}
	if got := tg.Notifications(); len(got) != 1 || got[0].Text != "❌ Transcription failed for b.mp3: file too large" {
		t.Errorf("notifications = %+v", got)
	}
}

func TestCompletedText_Truncates(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("ä", 5000)
	got := notify.CompletedText("x", long)
	if !strings.HasSuffix(got, "…") {
		t.Error("long transcript not truncated")
	}
	if n := len([]rune(got)); n > 3600 {
		t.Errorf("message has %d runes", n)
	}
}

func TestParseWebhookURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		url       string
		id, token string
		wantErr   bool
	}{
		{url: "https://discord.com/api/webhooks/123/abc", id: "123", token: "abc"},
		{url: "https://discordapp.com/api/v10/webhooks/9/tok/", id: "9", token: "tok"},
		{url: "https://discord.com/api/webhooks/123", wantErr: true},
		{url: "https://example.com/", wantErr: true},
	}
	for _, tt := range tests {
		id, token, err := notify.ParseWebhookURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseWebhookURL(%q) err = %v", tt.url, err)
			continue
		}
		if id != tt.id || token != tt.token {
			t.Errorf("ParseWebhookURL(%q) = %q, %q", tt.url, id, token)
		}
	}
}

func TestDiscordAlerter(t *testing.T) {
	t.Parallel()
	fw := &fakeWebhook{}
	a, err := notify.NewDiscordAlerter("https://discord.com/api/webhooks/42/secret", fw)
	if err != nil {
		t.Fatal(err)
	}
	j := &job.Job{ID: 77, OwnerID: 5, Channel: job.ChannelWeb, Filename: "talk.wav"}
	if err := a.JobFailed(context.Background(), j, "upstream 500"); err != nil {
		t.Fatalf("JobFailed: %v", err)
	}
	if fw.id != "42" || fw.token != "secret" {
		t.Errorf("webhook = %s/%s", fw.id, fw.token)
	}
	if len(fw.params) != 1 || len(fw.params[0].Embeds) != 1 {
		t.Fatalf("params = %+v", fw.params)
	}
	e := fw.params[0].Embeds[0]
	if e.Title != "Transcript job 77 failed" || e.Description != "upstream 500" {
		t.Errorf("embed = %+v", e)
	}

	fw.err = errors.New("429")
	if err := a.JobFailed(context.Background(), j, "x"); err == nil {
		t.Error("expected error from failing webhook")
	}
}
