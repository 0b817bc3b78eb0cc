package event

import (
	"sync"

	"github.com/rs/zerolog"
)

// observerBuffer bounds how far an observer may fall behind before it is
// dropped from the feed.
const observerBuffer = 64

// Observer is one subscriber's view of the feed. Its channel is closed by
// the broadcaster, either on Unsubscribe or when the observer falls behind.
type Observer struct {
	id     string
	events chan Event
}

func (o *Observer) ID() string { return o.id }

func (o *Observer) Events() <-chan Event { return o.events }

// Broadcaster fans published events out to every registered observer.
// Publishing never blocks on a consumer: an observer whose buffer is full
// is unsubscribed and its channel closed.
type Broadcaster struct {
	mu        sync.Mutex
	observers map[string]*Observer
	log       zerolog.Logger
}

func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		observers: make(map[string]*Observer),
		log:       log.With().Str("component", "broadcaster").Logger(),
	}
}

// Subscribe registers a new observer under the given id. Ids must be unique
// across live observers.
func (b *Broadcaster) Subscribe(id string) *Observer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.register(id)
}

// SubscribeWithSnapshot registers a new observer and runs snapshot while the
// observer set is locked. Publishes are serialized on the same lock, so the
// returned frame is strictly ordered: it reflects everything published
// before the subscription and nothing after, and every later event reaches
// the observer's channel.
func (b *Broadcaster) SubscribeWithSnapshot(id string, snapshot func() (Event, error)) (*Observer, Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	initial, err := snapshot()
	if err != nil {
		return nil, Event{}, err
	}
	return b.register(id), initial, nil
}

func (b *Broadcaster) register(id string) *Observer {
	obs := &Observer{id: id, events: make(chan Event, observerBuffer)}
	b.observers[id] = obs
	return obs
}

// Unsubscribe removes the observer and closes its channel. Safe to call
// after the broadcaster already dropped the observer for falling behind.
func (b *Broadcaster) Unsubscribe(obs *Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.observers[obs.id]; ok {
		delete(b.observers, obs.id)
		close(obs.events)
	}
}

// Publish delivers the event to every live observer. All observers see the
// same event sequence.
func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(event)
}

// PublishAfter runs fn and publishes the events it returns as one atomic
// step: no other publisher and no snapshot can interleave between fn's side
// effect and its events reaching the observers. Enqueue and claim both go
// through here, which is what keeps job_created ahead of job_claimed even
// though they come from different goroutines. fn's error aborts the publish.
func (b *Broadcaster) PublishAfter(fn func() ([]Event, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	events, err := fn()
	if err != nil {
		return err
	}
	for _, event := range events {
		b.publishLocked(event)
	}
	return nil
}

func (b *Broadcaster) publishLocked(event Event) {
	for id, obs := range b.observers {
		select {
		case obs.events <- event:
		default:
			delete(b.observers, id)
			close(obs.events)
			b.log.Warn().Str("observer", id).Msg("observer too slow, dropping from feed")
		}
	}
}

func (b *Broadcaster) ObserverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Close drops every observer, closing their channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, obs := range b.observers {
		delete(b.observers, id)
		close(obs.events)
	}
}
