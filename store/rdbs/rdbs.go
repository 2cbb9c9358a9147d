// Package rdbs implements the relational event store backend on
// Postgres, using github.com/jackc/pgx/v5/pgxpool the same way the
// teacher codebase's examples/orderflow package queries its orders
// table: pool.Exec for writes, pool.Query/Scan for reads.
package rdbs

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/theia-log/theia/event"
	"github.com/theia-log/theia/filter"
	"github.com/theia-log/theia/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id        TEXT PRIMARY KEY,
	timestamp DOUBLE PRECISION NOT NULL,
	source    TEXT NOT NULL DEFAULT '',
	tags      TEXT NOT NULL DEFAULT '',
	content   TEXT NOT NULL DEFAULT ''
)`

// Store is the Postgres-backed Store implementation.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and ensures the events table exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("rdbs: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("rdbs: create schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Save inserts e. A duplicate id is a silent no-op — the relational
// backend deduplicates ingest, unlike the file backend which appends.
func (s *Store) Save(ctx context.Context, e event.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, timestamp, source, tags, content)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Timestamp, e.Source, event.JoinTags(e.Tags), string(e.Content),
	)
	if err != nil {
		return fmt.Errorf("rdbs: insert: %w", err)
	}
	return nil
}

// Search pushes the time window down to SQL, then applies the rest of
// the predicate (id/source/content/tags regexes, and the exact
// floor-based time comparison filter.Compile performs) in-process on
// the streamed rows — SQL LIKE cannot express arbitrary regex matching.
//
// The SQL bound is deliberately a superset of the filter's integer-floor
// window, not an exact match: filter.Compile compares int64(math.Floor(
// e.Timestamp)) against start/end, so an event at e.g. end=250 and
// Timestamp=250.7 must still match (floor(250.7)=250<=250). Pushing
// "timestamp <= end" down to SQL would exclude it before the in-process
// predicate ever saw it. Using an exclusive upper bound of end+1 makes
// the SQL query a safe superset; the in-process predicate then applies
// the exact comparison.
func (s *Store) Search(ctx context.Context, d filter.Descriptor) (store.Iterator, error) {
	pred, err := filter.Compile(d)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, timestamp, source, tags, content FROM events WHERE timestamp >= $1 AND timestamp < $2 ORDER BY timestamp`
	start, end := boundsOf(d)
	if d.EffectiveOrder() == filter.Desc {
		query += " DESC"
	} else {
		query += " ASC"
	}

	rows, err := s.pool.Query(ctx, query, start, end+1)
	if err != nil {
		return nil, fmt.Errorf("rdbs: query: %w", err)
	}
	return &iterator{rows: rows, pred: pred}, nil
}

// boundsOf returns the inclusive [start, end] window in seconds that a
// descriptor restricts the SQL query to, defaulting to the widest
// representable range when a bound is absent. The caller widens end by
// one before using it as an exclusive SQL upper bound (see Search).
func boundsOf(d filter.Descriptor) (start, end float64) {
	const wide = 1 << 62
	start, end = -wide, wide
	if d.Start != nil {
		start = float64(*d.Start)
	}
	if d.End != nil {
		end = float64(*d.End)
	}
	return start, end
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// iterator adapts pgx.Rows to store.Iterator, applying the non-SQL part
// of the predicate as rows are streamed.
type iterator struct {
	rows interface {
		Next() bool
		Scan(dest ...any) error
		Err() error
		Close()
	}
	pred filter.Predicate
	cur  event.Event
	err  error
}

func (it *iterator) Next(ctx context.Context) bool {
	for it.rows.Next() {
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}
		var (
			id, source, tags, content string
			ts                        float64
		)
		if err := it.rows.Scan(&id, &ts, &source, &tags, &content); err != nil {
			it.err = fmt.Errorf("rdbs: scan: %w", err)
			return false
		}
		e := event.Event{
			ID:        id,
			Timestamp: ts,
			Source:    source,
			Tags:      event.SplitTags(tags),
			Content:   []byte(content),
		}
		if it.pred(e) {
			it.cur = e
			return true
		}
	}
	it.err = it.rows.Err()
	return false
}

func (it *iterator) Event() event.Event { return it.cur }
func (it *iterator) Err() error         { return it.err }
func (it *iterator) Close() error {
	it.rows.Close()
	return nil
}
