// Package store defines the Collector's durable event store contract,
// shared by the file-segment backend (store/filestore) and the
// relational backend (store/rdbs).
package store

import (
	"context"

	"github.com/theia-log/theia/event"
	"github.com/theia-log/theia/filter"
)

// Store is the durable, append-only event store. Implementations must
// make Save durable before it returns (the event must survive a crash
// immediately after), and Search must never block on events that arrive
// after the call — it is historical-only.
type Store interface {
	// Save durably appends e. Must not corrupt existing data on error.
	Save(ctx context.Context, e event.Event) error

	// Search returns events matching d in the order d.EffectiveOrder()
	// requests. The returned Iterator must be closed by the caller.
	Search(ctx context.Context, d filter.Descriptor) (Iterator, error)

	// Close flushes and releases all resources held by the store.
	Close() error
}

// Iterator is a lazy, forward-only sequence of events. Callers must call
// Close when done, whether or not Next ever returned false due to
// exhaustion. After Next returns false, call Err to distinguish a clean
// end of sequence (nil) from a read failure.
type Iterator interface {
	// Next advances to the next matching event, returning false when the
	// sequence is exhausted or an error occurred.
	Next(ctx context.Context) bool

	// Event returns the event most recently advanced to by Next. Only
	// valid after a call to Next that returned true.
	Event() event.Event

	// Err returns the first error encountered, or nil if the sequence
	// ended cleanly.
	Err() error

	// Close releases resources held by the iterator.
	Close() error
}
