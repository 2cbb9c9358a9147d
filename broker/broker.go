// Package broker implements live event dispatch to "live" channel
// subscribers: each subscriber registers a filter.Predicate and
// receives a buffered channel of matching events. The dispatch design
// is adapted from the teacher's EventLog.Subscribe — a buffered
// channel per subscriber with a non-blocking send, so a slow
// subscriber is evicted rather than stalling ingest.
package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/theia-log/theia/event"
	"github.com/theia-log/theia/filter"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that cannot keep up with dispatch for one full buffer's worth of
// events has individual events dropped rather than allowed to block
// Dispatch.
const subscriberBuffer = 256

// subscriberGracePeriod bounds how long a subscriber's buffer may stay
// continuously full before it is evicted outright, matching the write
// timeout the collector applies to a single outbound message.
const subscriberGracePeriod = 5 * time.Second

// Broker multicasts published events to live subscribers whose filter
// matches.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

type subscription struct {
	pred filter.Predicate
	ch   chan event.Event

	// fullSince is the UnixNano time the buffer was first observed full
	// with no successful send since, or 0 if the last send succeeded.
	fullSince atomic.Int64
}

// New creates an empty Broker.
func New() *Broker {
	return &Broker{subs: make(map[string]*subscription)}
}

// Subscribe registers a new live subscriber matching d, returning its
// subscription id and the channel it will receive matching events on.
// The channel is closed by Unsubscribe.
func (b *Broker) Subscribe(d filter.Descriptor) (id string, ch <-chan event.Event, err error) {
	pred, err := filter.Compile(d)
	if err != nil {
		return "", nil, err
	}

	sub := &subscription{
		pred: pred,
		ch:   make(chan event.Event, subscriberBuffer),
	}
	subID := uuid.NewString()

	b.mu.Lock()
	b.subs[subID] = sub
	b.mu.Unlock()

	return subID, sub.ch, nil
}

// Unsubscribe removes a subscription and closes its channel. It is a
// no-op if id is unknown (e.g. already unsubscribed).
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// Dispatch offers e to every subscriber whose filter matches. Dispatch
// never blocks: a subscriber whose buffer is full has the event dropped
// for it, not for the publisher or any other subscriber. A subscriber
// whose buffer has stayed continuously full for longer than
// subscriberGracePeriod is evicted outright, per the spec's "bounded
// outbound buffer full past a grace period" removal condition.
func (b *Broker) Dispatch(e event.Event) {
	b.mu.RLock()
	var evict []string
	for id, sub := range b.subs {
		if !sub.pred(e) {
			continue
		}
		select {
		case sub.ch <- e:
			sub.fullSince.Store(0)
		default:
			now := time.Now().UnixNano()
			since := sub.fullSince.Load()
			if since == 0 {
				sub.fullSince.Store(now)
			} else if time.Duration(now-since) > subscriberGracePeriod {
				evict = append(evict, id)
			}
		}
	}
	b.mu.RUnlock()

	for _, id := range evict {
		b.Unsubscribe(id)
	}
}

// Count returns the number of active subscriptions, primarily for
// diagnostics and tests.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
