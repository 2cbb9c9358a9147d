package broker

import (
	"testing"
	"time"

	"github.com/theia-log/theia/event"
	"github.com/theia-log/theia/filter"
)

// S5 — a subscriber whose buffer has stayed continuously full past the
// grace period is evicted outright, not just dropped-per-event. This
// needs white-box access to backdate fullSince, since waiting out the
// real grace period would make the test needlessly slow.
func TestDispatchEvictsSubscriberPastGracePeriod(t *testing.T) {
	b := New()

	pred, err := filter.Compile(filter.Descriptor{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	sub := &subscription{pred: pred, ch: make(chan event.Event, 1)}
	sub.ch <- event.Event{ID: "fills-the-one-slot"} // buffer is now full
	sub.fullSince.Store(time.Now().Add(-subscriberGracePeriod - time.Second).UnixNano())

	const id = "stale-subscriber"
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	b.Dispatch(event.Event{ID: "e"})

	if b.Count() != 0 {
		t.Fatalf("Count = %d, want 0 (stale subscriber should have been evicted)", b.Count())
	}
	<-sub.ch // drain the one buffered event
	if _, open := <-sub.ch; open {
		t.Fatal("channel still open after eviction")
	}
}

// A subscriber whose buffer only just became full is not evicted — only
// sustained staleness past the grace period triggers removal.
func TestDispatchDoesNotEvictWithinGracePeriod(t *testing.T) {
	b := New()

	id, _, err := b.Subscribe(filter.Descriptor{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.mu.RLock()
	sub := b.subs[id]
	b.mu.RUnlock()

	// Fill the buffer completely, then dispatch one more event so the
	// next send hits the full branch and starts the staleness clock.
	for i := 0; i < subscriberBuffer; i++ {
		b.Dispatch(event.Event{ID: "fill"})
	}
	b.Dispatch(event.Event{ID: "overflow"})

	if b.Count() != 1 {
		t.Fatalf("Count = %d, want 1 (grace period not yet exceeded)", b.Count())
	}
	if sub.fullSince.Load() == 0 {
		t.Fatal("fullSince was not recorded once the buffer filled")
	}
}
