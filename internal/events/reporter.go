package events

import (
	"sync"

	"github.com/dusk-indust/reelgate/internal/job"
)

// subscriberBuffer is the channel capacity handed to each subscriber.
const subscriberBuffer = 64

// Reporter fans events out to live subscribers through buffered channels.
type Reporter struct {
	mu     sync.Mutex
	subs   map[int]subscriber
	nextID int
	closed bool
}

type subscriber struct {
	jobID string // empty receives every job
	ch    chan job.Event
}

// NewReporter creates a Reporter with no subscribers.
func NewReporter() *Reporter {
	return &Reporter{subs: make(map[int]subscriber)}
}

// Emit sends an event to every matching subscriber in a non-blocking
// fashion. A subscriber whose buffer is full misses the event.
func (r *Reporter) Emit(e job.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.jobID != "" && s.jobID != e.JobID {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events for jobID (every job when empty) and
// a function that unsubscribes and closes the channel.
func (r *Reporter) Subscribe(jobID string) (<-chan job.Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan job.Event, subscriberBuffer)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = subscriber{jobID: jobID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if s, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(s.ch)
			}
		})
	}
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, s := range r.subs {
		close(s.ch)
		delete(r.subs, id)
	}
}
