package ingest_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/channel"
	chmock "github.com/MrWong99/voxscribe/internal/channel/mock"
	"github.com/MrWong99/voxscribe/internal/ingest"
	"github.com/MrWong99/voxscribe/internal/job"
	mediamock "github.com/MrWong99/voxscribe/internal/mediastore/mock"
	"github.com/MrWong99/voxscribe/internal/selection"
	"github.com/MrWong99/voxscribe/internal/store/memstore"
)

// dispatched records job ids handed to the worker.
type dispatched struct {
	mu  sync.Mutex
	ids []int64
}

func (d *dispatched) Dispatch(_ context.Context, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
}

func (d *dispatched) IDs() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.ids...)
}

type harness struct {
	store  *memstore.Store
	media  *mediamock.Store
	disp   *dispatched
	router *ingest.Router
	owner  *account.Account
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: memstore.New(),
		media: &mediamock.Store{},
		disp:  &dispatched{},
	}
	h.owner = h.store.Accounts().Add(account.Account{Email: "ada@example.com", APIKey: "key-ada"})
	h.router = ingest.NewRouter(ingest.Deps{
		Jobs:       h.store.Jobs(),
		Accounts:   h.store.Accounts(),
		Media:      h.media,
		Mediator:   selection.NewMediator(h.store.Selections()),
		Dispatcher: h.disp,
	})
	return h
}

func (h *harness) jobs(t *testing.T) []*job.Job {
	t.Helper()
	jobs, err := h.store.Jobs().ListByOwner(context.Background(), h.owner.ID, job.ListOptions{Limit: 100})
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	return jobs
}

func TestSubmit_StoresMediaThenJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	j, err := h.router.Submit(context.Background(), ingest.Submission{
		OwnerID:   h.owner.ID,
		Filename:  "Meeting.MP3",
		MediaType: "audio/mpeg",
		Body:      strings.NewReader("audio"),
		Size:      5,
		Channel:   job.ChannelWeb,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j.Status != job.StatusPending {
		t.Errorf("status = %q, want pending", j.Status)
	}
	if j.Language != job.DefaultLanguage {
		t.Errorf("language = %q, want default", j.Language)
	}
	if !strings.HasPrefix(j.MediaKey, "uploads/1/") || !strings.HasSuffix(j.MediaKey, ".mp3") {
		t.Errorf("media key = %q", j.MediaKey)
	}
	if !h.media.Has(j.MediaKey) {
		t.Error("media not stored")
	}
	if got := h.disp.IDs(); len(got) != 1 || got[0] != j.ID {
		t.Errorf("dispatched = %v, want [%d]", got, j.ID)
	}
}

func TestSubmit_PutFailureCreatesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.media.PutErr = errors.New("bucket gone")

	_, err := h.router.Submit(context.Background(), ingest.Submission{
		OwnerID: h.owner.ID, Filename: "a.mp3", Body: strings.NewReader("x"), Size: 1, Channel: job.ChannelWeb,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if n := len(h.jobs(t)); n != 0 {
		t.Errorf("jobs = %d, want 0", n)
	}
	if len(h.disp.IDs()) != 0 {
		t.Error("dispatched despite failure")
	}
}

type failingJobs struct {
	job.Store
}

func (failingJobs) Create(context.Context, job.NewJob) (*job.Job, error) {
	return nil, errors.New("db down")
}

func TestSubmit_CreateFailureRemovesBlob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.router.Jobs = failingJobs{h.store.Jobs()}

	_, err := h.router.Submit(context.Background(), ingest.Submission{
		OwnerID: h.owner.ID, Filename: "a.mp3", Body: strings.NewReader("x"), Size: 1, Channel: job.ChannelWeb,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if keys := h.media.Keys(); len(keys) != 0 {
		t.Errorf("orphaned blobs: %v", keys)
	}
	if len(h.media.Deleted()) != 1 {
		t.Errorf("deleted = %v, want one key", h.media.Deleted())
	}
}

func TestHandle_IgnoresMalformedPayload(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ch := &chmock.Channel{ExtractErr: channel.ErrMalformed}

	if err := h.router.Handle(context.Background(), ch, []byte("{}")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(ch.Notifications()) != 0 || len(ch.Fetches()) != 0 {
		t.Error("malformed payload caused side effects")
	}
}

func TestHandle_UnlinkedSenderAskedToRegister(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ch := &chmock.Channel{
		Inbound:    channel.Inbound{Sender: "42", Handle: "file-1"},
		ResolveErr: channel.ErrUnlinked,
	}

	if err := h.router.Handle(context.Background(), ch, nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	n := ch.Notifications()
	if len(n) != 1 || n[0].Text != ingest.MsgRegister || n[0].Target != "42" {
		t.Errorf("notifications = %+v", n)
	}
	if lr := ch.LinkRequests(); len(lr) != 1 || lr[0] != "42" {
		t.Errorf("link requests = %v", lr)
	}
	if len(ch.Fetches()) != 0 {
		t.Error("fetched media for unlinked sender")
	}
}

func TestHandle_NoMediaGoesToConversation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ch := &chmock.Channel{Inbound: channel.Inbound{Sender: "42", Text: "/start"}}

	if err := h.router.Handle(context.Background(), ch, nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if c := ch.Conversed(); len(c) != 1 || c[0].Text != "/start" {
		t.Errorf("conversed = %+v", c)
	}
}

func TestHandle_PersonalUploadWithoutProjects(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ch := &chmock.Channel{
		Choice:   true,
		Inbound:  channel.Inbound{Sender: "42", Handle: "file-1"},
		Owner:    h.owner,
		Content:  []byte("ogg"),
		Filename: "telegram_upload_file-1.ogg",
	}

	if err := h.router.Handle(context.Background(), ch, nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(ch.Prompts()) != 0 {
		t.Error("prompted owner without projects")
	}
	jobs := h.jobs(t)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	j := jobs[0]
	if !j.Notify || j.NotifyTarget != "42" || j.Channel != job.ChannelTelegram || j.ProjectID != nil {
		t.Errorf("job = %+v", j)
	}
	if n := ch.Notifications(); len(n) != 1 || n[0].Text != ingest.MsgStarted {
		t.Errorf("notifications = %+v", n)
	}
}

func TestHandle_FetchFailureReported(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ch := &chmock.Channel{
		Inbound:  channel.Inbound{Sender: "42", Handle: "file-1"},
		Owner:    h.owner,
		FetchErr: errors.New("file is too big"),
	}

	if err := h.router.Handle(context.Background(), ch, nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	n := ch.Notifications()
	if len(n) != 1 || n[0].Text != "Error starting transcription: file is too big" {
		t.Errorf("notifications = %+v", n)
	}
	if len(h.jobs(t)) != 0 {
		t.Error("job created despite fetch failure")
	}
}

// choose sends the file, then answers the prompt with the choice whose label
// contains label.
func choose(t *testing.T, h *harness, ch *chmock.Channel, label string) string {
	t.Helper()
	ctx := context.Background()
	ch.Inbound = channel.Inbound{Sender: "42", Handle: "file-1"}
	if err := h.router.Handle(ctx, ch, nil); err != nil {
		t.Fatalf("Handle upload: %v", err)
	}
	prompts := ch.Prompts()
	if len(prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(prompts))
	}
	for _, c := range prompts[0].Choices {
		if strings.Contains(c.Label, label) {
			return c.Token
		}
	}
	t.Fatalf("no choice labelled %q in %+v", label, prompts[0].Choices)
	return ""
}

func answer(t *testing.T, h *harness, ch *chmock.Channel, token string) {
	t.Helper()
	ch.Inbound = channel.Inbound{
		Sender:   "42",
		Callback: &channel.Callback{ID: "cb", Data: token, MessageRef: 7},
	}
	if err := h.router.Handle(context.Background(), ch, nil); err != nil {
		t.Fatalf("Handle callback: %v", err)
	}
}

func TestHandle_ProjectChoice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Accounts().AddProject(account.Project{ID: 9, Name: "Podcast"})
	h.store.Accounts().AddMember(h.owner.ID, 9)
	ch := &chmock.Channel{Choice: true, Owner: h.owner, Content: []byte("ogg"), Filename: "voice.ogg"}

	token := choose(t, h, ch, "Podcast")
	if len(h.jobs(t)) != 0 {
		t.Fatal("job created before choice")
	}
	answer(t, h, ch, token)

	jobs := h.jobs(t)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].ProjectID == nil || *jobs[0].ProjectID != 9 {
		t.Errorf("project = %v, want 9", jobs[0].ProjectID)
	}
	conf := ch.Confirmations()
	if len(conf) != 1 || conf[0].Text != "✅ Selected: Podcast. Starting transcription..." || conf[0].Callback.MessageRef != 7 {
		t.Errorf("confirmations = %+v", conf)
	}
	for _, n := range ch.Notifications() {
		if n.Text == ingest.MsgStarted {
			t.Error("personal start message sent for project job")
		}
	}
	if h.store.Selections().Len() != 0 {
		t.Error("selection not consumed")
	}
}

func TestHandle_PersonalChoice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Accounts().AddProject(account.Project{ID: 9, Name: "Podcast"})
	h.store.Accounts().AddMember(h.owner.ID, 9)
	ch := &chmock.Channel{Choice: true, Owner: h.owner, Content: []byte("ogg"), Filename: "voice.ogg"}

	answer(t, h, ch, choose(t, h, ch, "PERSONAL"))

	jobs := h.jobs(t)
	if len(jobs) != 1 || jobs[0].ProjectID != nil {
		t.Fatalf("jobs = %+v", jobs)
	}
	if conf := ch.Confirmations(); len(conf) != 1 || conf[0].Text != "✅ Selected: Personal. Starting transcription..." {
		t.Errorf("confirmations = %+v", conf)
	}
	if n := ch.Notifications(); len(n) != 1 || n[0].Text != ingest.MsgStarted {
		t.Errorf("notifications = %+v", n)
	}
}

func TestHandle_ChoiceUsesCachedPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Accounts().AddProject(account.Project{ID: 9, Name: "Podcast"})
	h.store.Accounts().AddMember(h.owner.ID, 9)
	ch := &chmock.Channel{Choice: true, Owner: h.owner, Content: []byte("ogg"), Filename: "voice.ogg", PathHint: "voice/file_7.oga"}

	answer(t, h, ch, choose(t, h, ch, "Podcast"))

	if n := len(h.jobs(t)); n != 1 {
		t.Fatalf("jobs = %d, want 1", n)
	}
	if got := ch.PathFetches(); len(got) != 1 || got[0] != "voice/file_7.oga" {
		t.Errorf("path fetches = %v", got)
	}
	if got := ch.Fetches(); len(got) != 0 {
		t.Errorf("full fetches = %v, want none", got)
	}
}

func TestHandle_ReplayedChoiceExpires(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Accounts().AddProject(account.Project{ID: 9, Name: "Podcast"})
	h.store.Accounts().AddMember(h.owner.ID, 9)
	ch := &chmock.Channel{Choice: true, Owner: h.owner, Content: []byte("ogg"), Filename: "voice.ogg"}

	token := choose(t, h, ch, "Podcast")
	answer(t, h, ch, token)
	answer(t, h, ch, token)

	if n := len(h.jobs(t)); n != 1 {
		t.Errorf("jobs = %d, want 1", n)
	}
	n := ch.Notifications()
	if len(n) == 0 || n[len(n)-1].Text != ingest.MsgExpired {
		t.Errorf("notifications = %+v, want expiry last", n)
	}
}

func TestHandle_ChoiceForForeignProjectRefused(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Accounts().AddProject(account.Project{ID: 9, Name: "Podcast"})
	h.store.Accounts().AddMember(h.owner.ID, 9)
	ch := &chmock.Channel{Choice: true, Owner: h.owner, Content: []byte("ogg"), Filename: "voice.ogg"}

	choose(t, h, ch, "Podcast")
	foreign := int64(77)
	answer(t, h, ch, selection.Token(1, &foreign))

	if n := len(h.jobs(t)); n != 0 {
		t.Errorf("jobs = %d, want 0", n)
	}
	n := ch.Notifications()
	if len(n) != 1 || n[0].Text != ingest.MsgNotMember {
		t.Errorf("notifications = %+v", n)
	}
}

func TestHandle_ChoiceFromOtherChatExpires(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.Accounts().AddProject(account.Project{ID: 9, Name: "Podcast"})
	h.store.Accounts().AddMember(h.owner.ID, 9)
	ch := &chmock.Channel{Choice: true, Owner: h.owner, Content: []byte("ogg"), Filename: "voice.ogg"}

	token := choose(t, h, ch, "PERSONAL")
	ch.Inbound = channel.Inbound{
		Sender:   "66",
		Callback: &channel.Callback{ID: "cb", Data: token, MessageRef: 7},
	}
	if err := h.router.Handle(context.Background(), ch, nil); err != nil {
		t.Fatalf("Handle callback: %v", err)
	}

	if n := len(h.jobs(t)); n != 0 {
		t.Fatalf("jobs = %d, want 0", n)
	}
	n := ch.Notifications()
	if len(n) != 1 || n[0].Target != "66" || n[0].Text != ingest.MsgExpired {
		t.Errorf("notifications = %+v", n)
	}
	if h.store.Selections().Len() != 1 {
		t.Fatal("selection consumed by another chat")
	}

	answer(t, h, ch, token)
	if n := len(h.jobs(t)); n != 1 {
		t.Errorf("jobs after owner's answer = %d, want 1", n)
	}
}

func TestHandle_UnrelatedCallbackIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ch := &chmock.Channel{Choice: true, Owner: h.owner}
	answer(t, h, ch, "something_else")
	if len(ch.Notifications()) != 0 || len(ch.Confirmations()) != 0 {
		t.Error("unrelated callback produced replies")
	}
}
