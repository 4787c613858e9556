package engine

import (
	"log/slog"
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// The oldest buffered event is dropped when a subscriber falls this far
// behind, so a slow consumer never blocks dispatch.
const subscriberBufferSize = 256

// Event types delivered to subscribers.
const (
	EventTaskStatus   = "task_status"
	EventOutputLine   = "output_line"
	EventJobCompleted = "job_completed"
)

// Event is one job-scoped notification: a task status change, an appended
// output line, or the final job completion marker.
type Event struct {
	Type     string    `json:"type"`
	JobID    string    `json:"job_id"`
	Host     string    `json:"host,omitempty"`
	Status   string    `json:"status,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Seq      int       `json:"seq,omitempty"`
	Line     string    `json:"line,omitempty"`
	Time     time.Time `json:"time"`
}

// Broker manages per-job event streaming to subscribers. It is safe for
// concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for
// the expected job volume.
type Broker struct {
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates a new event broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger: logger,
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives events for the given job and
// an unsubscribe function. If the job has already finished (Close was
// called), the returned channel is immediately closed.
func (b *Broker) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[jobID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers an event to all subscribers of the event's job. When a
// subscriber's buffer is full, the oldest buffered event is dropped to
// make room so that dispatch never blocks on a slow consumer.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.JobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
			continue
		default:
		}

		// Buffer full: drop the oldest event, then retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}

		eventsDropped.Inc()
		b.logger.Warn("subscriber lagging, dropped oldest event", "job_id", ev.JobID)
	}
}

// Close signals that no more events will be published for the given job.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[jobID] = &topic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
