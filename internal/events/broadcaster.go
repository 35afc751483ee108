// Package events fans out execution outcomes to live subscribers.
package events

import (
	"sync"
	"time"

	"github.com/vadiminshakov/spendflow/internal/domain"
)

type Kind string

const (
	KindExecution Kind = "execution"
	KindRun       Kind = "run"
)

// Event carries either an execution record or a run audit.
type Event struct {
	Kind      Kind                    `json:"kind"`
	At        time.Time               `json:"at"`
	Execution *domain.ExecutionRecord `json:"execution,omitempty"`
	Run       *domain.RunAudit        `json:"run,omitempty"`
}

// Broadcaster fans out events to all subscribers via buffered channels.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	buffer int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[chan Event]struct{}),
		buffer: buffer,
	}
}

// Publish sends e to all subscribers, dropping it for readers whose buffer is full.
func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// slow consumer
		}
	}
}

// Subscribe returns a channel that receives events until Unsubscribe is called.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers reports how many readers are attached.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type executionStore interface {
	AppendExecution(r *domain.ExecutionRecord) error
	SaveRun(a domain.RunAudit) error
}

// Recorder publishes what it persists. Events are emitted only after the
// underlying write succeeded.
type Recorder struct {
	store executionStore
	b     *Broadcaster
	now   func() time.Time
}

func NewRecorder(store executionStore, b *Broadcaster) *Recorder {
	return &Recorder{store: store, b: b, now: time.Now}
}

func (r *Recorder) AppendExecution(rec *domain.ExecutionRecord) error {
	if err := r.store.AppendExecution(rec); err != nil {
		return err
	}
	cp := *rec
	r.b.Publish(Event{Kind: KindExecution, At: r.now().UTC(), Execution: &cp})
	return nil
}

func (r *Recorder) SaveRun(a domain.RunAudit) error {
	if err := r.store.SaveRun(a); err != nil {
		return err
	}
	r.b.Publish(Event{Kind: KindRun, At: r.now().UTC(), Run: &a})
	return nil
}
