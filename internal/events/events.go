// Package events fans job status changes out to in-process subscribers.
//
// The worker publishes one [Event] per lifecycle transition. Subscribers
// (currently the websocket stream behind GET /transcripts/{id}/events) watch a
// single job. Delivery is lossy: a subscriber that does not keep up misses
// events rather than stalling the worker.
package events

import (
	"sync"
	"time"

	"github.com/MrWong99/voxscribe/internal/job"
)

// subscriberBuffer is the per-subscriber queue depth. A job produces at most
// a handful of events, so this only overflows for stuck readers.
const subscriberBuffer = 16

// Event describes one job transition.
type Event struct {
	JobID         int64      `json:"job_id"`
	Status        job.Status `json:"status"`
	Error         string     `json:"error,omitempty"`
	ArchiveFileID string     `json:"archive_file_id,omitempty"`
	At            time.Time  `json:"at"`
}

// Snapshot builds an Event from the current state of j.
func Snapshot(j *job.Job) Event {
	e := Event{JobID: j.ID, Status: j.Status, At: j.UpdatedAt}
	if j.Error != nil {
		e.Error = *j.Error
	}
	if j.ArchiveFileID != nil {
		e.ArchiveFileID = *j.ArchiveFileID
	}
	return e
}

// Publisher accepts events. Publish must not block.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

type subscriber struct {
	ch chan Event
}

// Bus is an in-process [Publisher] with per-job subscriptions. The zero value
// is not usable; call [NewBus].
type Bus struct {
	mu   sync.Mutex
	subs map[int64]map[*subscriber]struct{}
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int64]map[*subscriber]struct{})}
}

// Publish delivers e to every subscriber of e.JobID. Subscribers with a full
// queue skip the event.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[e.JobID] {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe registers for events of jobID. The returned cancel function
// unregisters and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(jobID int64) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[jobID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[jobID], s)
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
			close(s.ch)
		})
	}
}

// Subscribers returns the number of active subscriptions for jobID.
func (b *Bus) Subscribers(jobID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}
