// Package memstore provides thread-safe in-memory implementations of the job,
// account and selection stores. It backs tests and database-less development
// runs; nothing survives a restart.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/job"
	"github.com/MrWong99/voxscribe/internal/selection"
)

var (
	_ job.Store       = (*Jobs)(nil)
	_ account.Store   = (*Accounts)(nil)
	_ selection.Store = (*Selections)(nil)
)

// Store groups the three in-memory stores. The stores share no state with
// each other; they are bundled only for convenient wiring.
type Store struct {
	jobs       *Jobs
	accounts   *Accounts
	selections *Selections
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:       &Jobs{jobs: make(map[int64]*job.Job)},
		accounts:   &Accounts{accounts: make(map[int64]*account.Account), projects: make(map[int64]*account.Project), members: make(map[[2]int64]bool)},
		selections: &Selections{pending: make(map[int64]*selection.Pending)},
	}
}

// Jobs returns the job store.
func (s *Store) Jobs() *Jobs { return s.jobs }

// Accounts returns the account store.
func (s *Store) Accounts() *Accounts { return s.accounts }

// Selections returns the pending-selection store.
func (s *Store) Selections() *Selections { return s.selections }

// ─── Jobs ────────────────────────────────────────────────────────────────────

// Jobs is an in-memory [job.Store].
type Jobs struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*job.Job
}

// Create implements [job.Store.Create].
func (s *Jobs) Create(_ context.Context, nj job.NewJob) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := time.Now().UTC()
	lang := nj.Language
	if lang == "" {
		lang = job.DefaultLanguage
	}
	j := &job.Job{
		ID:           s.nextID,
		OwnerID:      nj.OwnerID,
		ProjectID:    nj.ProjectID,
		MediaKey:     nj.MediaKey,
		Filename:     nj.Filename,
		MediaType:    nj.MediaType,
		Language:     lang,
		Channel:      nj.Channel,
		NotifyTarget: nj.NotifyTarget,
		Notify:       nj.Notify,
		Status:       job.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.jobs[j.ID] = j
	return cloneJob(j), nil
}

// Get implements [job.Store.Get].
func (s *Jobs) Get(_ context.Context, id int64) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return cloneJob(j), nil
}

// ListByOwner implements [job.Store.ListByOwner].
func (s *Jobs) ListByOwner(_ context.Context, ownerID int64, opts job.ListOptions) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*job.Job
	for _, j := range s.jobs {
		if j.OwnerID == ownerID {
			out = append(out, cloneJob(j))
		}
	}
	slices.SortFunc(out, func(a, b *job.Job) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// MarkProcessing implements [job.Store.MarkProcessing].
func (s *Jobs) MarkProcessing(_ context.Context, id int64) error {
	return s.transition(id, job.StatusProcessing, func(*job.Job) {})
}

// Complete implements [job.Store.Complete].
func (s *Jobs) Complete(_ context.Context, id int64, text string) error {
	return s.transition(id, job.StatusCompleted, func(j *job.Job) {
		j.Text = &text
	})
}

// Fail implements [job.Store.Fail].
func (s *Jobs) Fail(_ context.Context, id int64, msg string) error {
	return s.transition(id, job.StatusFailed, func(j *job.Job) {
		j.Error = &msg
	})
}

// SetArchiveFileID implements [job.Store.SetArchiveFileID].
func (s *Jobs) SetArchiveFileID(_ context.Context, id int64, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if j.Status != job.StatusCompleted {
		return fmt.Errorf("%w: archive id on %s job", job.ErrInvalidTransition, j.Status)
	}
	j.ArchiveFileID = &fileID
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete implements [job.Store.Delete].
func (s *Jobs) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return job.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *Jobs) transition(id int64, to job.Status, apply func(*job.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if !job.CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s → %s", job.ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	apply(j)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneJob(j *job.Job) *job.Job {
	c := *j
	return &c
}

// ─── Accounts ────────────────────────────────────────────────────────────────

// Accounts is an in-memory [account.Store]. Use [Accounts.Add],
// [Accounts.AddProject] and [Accounts.AddMember] to seed it.
type Accounts struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[int64]*account.Account
	projects map[int64]*account.Project
	members  map[[2]int64]bool
}

// Add inserts a and returns it with an ID assigned when a.ID is zero.
func (s *Accounts) Add(a account.Account) *account.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		s.nextID++
		a.ID = s.nextID
	} else if a.ID > s.nextID {
		s.nextID = a.ID
	}
	c := a
	s.accounts[a.ID] = &c
	return &a
}

// AddProject inserts p.
func (s *Accounts) AddProject(p account.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := p
	s.projects[p.ID] = &c
}

// AddMember records ownerID as a member of projectID.
func (s *Accounts) AddMember(ownerID, projectID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[[2]int64{ownerID, projectID}] = true
}

// Get implements [account.Store.Get].
func (s *Accounts) Get(_ context.Context, id int64) (*account.Account, error) {
	return s.find(func(a *account.Account) bool { return a.ID == id })
}

// ByTelegramChat implements [account.Store.ByTelegramChat].
func (s *Accounts) ByTelegramChat(_ context.Context, chatID int64) (*account.Account, error) {
	return s.find(func(a *account.Account) bool {
		return a.TelegramChatID != nil && *a.TelegramChatID == chatID
	})
}

// ByPhone implements [account.Store.ByPhone].
func (s *Accounts) ByPhone(_ context.Context, phone string) (*account.Account, error) {
	return s.find(func(a *account.Account) bool { return a.Phone != "" && a.Phone == phone })
}

// ByEmail implements [account.Store.ByEmail].
func (s *Accounts) ByEmail(_ context.Context, email string) (*account.Account, error) {
	return s.find(func(a *account.Account) bool { return a.Email == email })
}

// ByAPIKey implements [account.Store.ByAPIKey].
func (s *Accounts) ByAPIKey(_ context.Context, key string) (*account.Account, error) {
	if key == "" {
		return nil, account.ErrNotFound
	}
	return s.find(func(a *account.Account) bool { return a.APIKey == key })
}

// CreatePlaceholder implements [account.Store.CreatePlaceholder].
func (s *Accounts) CreatePlaceholder(_ context.Context, a account.Account) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.Email == a.Email {
			c := *existing
			return &c, nil
		}
	}
	s.nextID++
	a.ID = s.nextID
	a.Placeholder = true
	c := a
	s.accounts[a.ID] = &c
	return &a, nil
}

// LinkTelegram implements [account.Store.LinkTelegram].
func (s *Accounts) LinkTelegram(_ context.Context, accountID, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return account.ErrNotFound
	}
	for _, other := range s.accounts {
		if other.ID != accountID && other.TelegramChatID != nil && *other.TelegramChatID == chatID {
			other.TelegramChatID = nil
		}
	}
	a.TelegramChatID = &chatID
	return nil
}

// Projects implements [account.Store.Projects].
func (s *Accounts) Projects(_ context.Context, ownerID int64) ([]account.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []account.Project
	for key := range s.members {
		if key[0] != ownerID {
			continue
		}
		if p, ok := s.projects[key[1]]; ok {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b account.Project) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// Project implements [account.Store.Project].
func (s *Accounts) Project(_ context.Context, id int64) (*account.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	c := *p
	return &c, nil
}

// IsMember implements [account.Store.IsMember].
func (s *Accounts) IsMember(_ context.Context, ownerID, projectID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[[2]int64{ownerID, projectID}], nil
}

func (s *Accounts) find(match func(*account.Account) bool) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if match(a) {
			c := *a
			return &c, nil
		}
	}
	return nil, account.ErrNotFound
}

// ─── Selections ──────────────────────────────────────────────────────────────

// Selections is an in-memory [selection.Store].
type Selections struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*selection.Pending
}

// Create implements [selection.Store.Create].
func (s *Selections) Create(_ context.Context, p selection.Pending) (*selection.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	c := p
	s.pending[p.ID] = &c
	return &p, nil
}

// Take implements [selection.Store.Take].
func (s *Selections) Take(_ context.Context, id int64, target string) (*selection.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok || p.Target != target {
		return nil, selection.ErrNotFound
	}
	delete(s.pending, id)
	return p, nil
}

// PurgeOlderThan implements [selection.Store.PurgeOlderThan].
func (s *Selections) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, p := range s.pending {
		if p.CreatedAt.Before(cutoff) {
			delete(s.pending, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of parked selections.
func (s *Selections) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
