// Package statusbus fans out job status updates to in-process subscribers.
// It is the transport behind the per-preflight status subscription: the
// durable snapshot lives in the store, the bus only carries change
// notifications.
package statusbus

import (
	"log/slog"
	"sync"

	"github.com/repolens-dev/repolens/internal/store"
)

const subscriberBufSize = 64

// JobEvent is the signal emitted on successful enqueue.
type JobEvent struct {
	JobID       string `json:"job_id"`
	PreflightID string `json:"preflight_id"`
	Tier        string `json:"tier"`
	Priority    int    `json:"priority"`
}

// Bus is the in-process broadcast hub. Publishing never blocks: a subscriber
// that falls behind loses intermediate updates but can always re-read the
// durable snapshot.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[string]map[int]chan *store.JobStatus
	jobSubs map[int]chan JobEvent
}

// New creates a Bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[string]map[int]chan *store.JobStatus),
		jobSubs: make(map[int]chan JobEvent),
	}
}

// Publish delivers a status snapshot to every subscriber of its preflight.
func (b *Bus) Publish(st *store.JobStatus) {
	if st == nil {
		return
	}
	b.mu.RLock()
	subs := b.subs[st.PreflightID]
	for _, ch := range subs {
		select {
		case ch <- st:
		default:
			slog.Warn("status subscriber channel full, update dropped",
				"preflight_id", st.PreflightID)
		}
	}
	b.mu.RUnlock()
}

// Subscribe registers for updates on one preflight. The returned cancel
// function must be called to release the subscription.
func (b *Bus) Subscribe(preflightID string) (<-chan *store.JobStatus, func()) {
	ch := make(chan *store.JobStatus, subscriberBufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[preflightID] == nil {
		b.subs[preflightID] = make(map[int]chan *store.JobStatus)
	}
	b.subs[preflightID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.subs[preflightID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, preflightID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// PublishJob emits the new_audit_job signal. Best effort only: enqueue never
// fails because nobody is listening.
func (b *Bus) PublishJob(ev JobEvent) {
	b.mu.RLock()
	for _, ch := range b.jobSubs {
		select {
		case ch <- ev:
		default:
			slog.Warn("job event subscriber channel full, event dropped",
				"job_id", ev.JobID)
		}
	}
	b.mu.RUnlock()
}

// SubscribeJobs registers for enqueue signals, typically the dispatcher's
// wake path.
func (b *Bus) SubscribeJobs() (<-chan JobEvent, func()) {
	ch := make(chan JobEvent, subscriberBufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.jobSubs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.jobSubs, id)
		b.mu.Unlock()
	}
	return ch, cancel
}
