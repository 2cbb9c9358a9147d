// Package filestore implements the file-per-bucket event store backend:
// one directory, one append-only segment file per time bucket, each
// record framed by a trailing "\x1e<length>\x1e\n" marker so a forward
// scan can locate record boundaries without fully parsing every event.
package filestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/theia-log/theia/event"
	"github.com/theia-log/theia/filter"
	"github.com/theia-log/theia/store"
)

// DefaultBucketWidth is the default bucket width W in seconds.
const DefaultBucketWidth int64 = 60

const recordSeparator = 0x1e

// maxRecoveryConcurrency bounds how many segment files Open validates in
// parallel at startup; recovery of each bucket is independent I/O, so a
// deployment with many buckets need not recover them one at a time.
const maxRecoveryConcurrency = 8

// FileStore is the file-per-bucket Store backend.
type FileStore struct {
	dir   string
	width int64

	mu       sync.Mutex
	segments map[int64]*segmentMeta
	writers  map[int64]*os.File
}

// segmentMeta tracks one bucket's on-disk segment.
type segmentMeta struct {
	size int64 // bytes of validated (framed) records
}

// Open rebuilds the in-memory bucket index by listing dir and validating
// each segment's trailing record; a torn tail left by a crash mid-write
// is truncated away so it is never surfaced by Search.
func Open(dir string, width int64) (*FileStore, error) {
	if width <= 0 {
		width = DefaultBucketWidth
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: mkdir %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: read dir %s: %w", dir, err)
	}

	fs := &FileStore{
		dir:      dir,
		width:    width,
		segments: make(map[int64]*segmentMeta),
		writers:  make(map[int64]*os.File),
	}

	var g errgroup.Group
	g.SetLimit(maxRecoveryConcurrency)
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		bucket, err := strconv.ParseInt(ent.Name(), 10, 64)
		if err != nil {
			continue // names that don't parse as integers are ignored
		}
		g.Go(func() error { return fs.recoverSegment(bucket) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return fs, nil
}

// recoverSegment reads a segment file, truncates any torn tail record,
// and records its validated size in the index. Safe to call concurrently
// for distinct buckets.
func (fs *FileStore) recoverSegment(bucket int64) error {
	path := fs.segmentPath(bucket)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("filestore: read segment %d: %w", bucket, err)
	}
	_, validLen := scanRecords(data)
	if validLen != len(data) {
		if err := os.Truncate(path, int64(validLen)); err != nil {
			return fmt.Errorf("filestore: truncate torn tail in segment %d: %w", bucket, err)
		}
	}
	fs.mu.Lock()
	fs.segments[bucket] = &segmentMeta{size: int64(validLen)}
	fs.mu.Unlock()
	return nil
}

func (fs *FileStore) segmentPath(bucket int64) string {
	return filepath.Join(fs.dir, strconv.FormatInt(bucket, 10))
}

// BucketFor returns the bucket lower bound for a given timestamp.
func (fs *FileStore) BucketFor(ts float64) int64 {
	return bucketFor(ts, fs.width)
}

func bucketFor(ts float64, width int64) int64 {
	return int64(math.Floor(ts/float64(width))) * width
}

// Save appends e to its bucket's segment, fsyncing before returning so
// the event is recoverable after an immediate crash.
func (fs *FileStore) Save(ctx context.Context, e event.Event) error {
	bucket := fs.BucketFor(e.Timestamp)
	wire := event.Serialize(e)
	trailer := fmt.Sprintf("%c%d%c\n", recordSeparator, len(wire), recordSeparator)
	record := append(append([]byte{}, wire...), trailer...)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := fs.writerFor(bucket)
	if err != nil {
		return err
	}
	n, err := f.Write(record)
	if err != nil {
		return fmt.Errorf("filestore: write segment %d: %w", bucket, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("filestore: sync segment %d: %w", bucket, err)
	}

	meta := fs.segments[bucket]
	if meta == nil {
		meta = &segmentMeta{}
		fs.segments[bucket] = meta
	}
	meta.size += int64(n)
	return nil
}

// writerFor returns the open append handle for bucket, opening it if
// needed. Caller must hold fs.mu.
func (fs *FileStore) writerFor(bucket int64) (*os.File, error) {
	if f, ok := fs.writers[bucket]; ok {
		return f, nil
	}
	f, err := os.OpenFile(fs.segmentPath(bucket), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filestore: open segment %d: %w", bucket, err)
	}
	fs.writers[bucket] = f
	return f, nil
}

// Search returns an iterator over the events matching d, walking the
// buckets that intersect the filter's time window (all buckets if
// unbounded) in the order the filter's Order requests.
func (fs *FileStore) Search(ctx context.Context, d filter.Descriptor) (store.Iterator, error) {
	pred, err := filter.Compile(d)
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	buckets := make([]int64, 0, len(fs.segments))
	sizes := make(map[int64]int64, len(fs.segments))
	for b, meta := range fs.segments {
		if !bucketIntersects(b, fs.width, d.Start, d.End) {
			continue
		}
		buckets = append(buckets, b)
		sizes[b] = meta.size
	}
	fs.mu.Unlock()

	desc := d.EffectiveOrder() == filter.Desc
	sort.Slice(buckets, func(i, j int) bool {
		if desc {
			return buckets[i] > buckets[j]
		}
		return buckets[i] < buckets[j]
	})

	return &fileIterator{
		fs:      fs,
		buckets: buckets,
		sizes:   sizes,
		desc:    desc,
		pred:    pred,
	}, nil
}

func bucketIntersects(bucket, width int64, start, end *int64) bool {
	if end != nil && bucket > *end {
		return false
	}
	if start != nil && bucket+width <= *start {
		return false
	}
	return true
}

// Close flushes and closes all open segment writers.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var firstErr error
	for bucket, f := range fs.writers {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("filestore: close segment %d: %w", bucket, err)
		}
	}
	fs.writers = make(map[int64]*os.File)
	return firstErr
}

// fileIterator walks candidate buckets in order, buffering one bucket's
// records at a time.
type fileIterator struct {
	fs      *FileStore
	buckets []int64
	sizes   map[int64]int64
	desc    bool
	pred    filter.Predicate

	bi      int // index into buckets of the bucket currently buffered
	records [][]byte
	ri      int

	cur event.Event
	err error
}

func (it *fileIterator) Next(ctx context.Context) bool {
	for {
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}
		if it.ri >= len(it.records) {
			if !it.loadNextBucket(ctx) {
				return false
			}
			continue
		}
		raw := it.records[it.ri]
		it.ri++
		e, err := event.Parse(raw)
		if err != nil {
			// A record that fails to parse indicates corruption beyond the
			// torn-tail case handled at open; surface it and stop.
			it.err = fmt.Errorf("filestore: parse record: %w", err)
			return false
		}
		if it.pred(e) {
			it.cur = e
			return true
		}
	}
}

// loadNextBucket reads and frames the next candidate bucket's segment,
// advancing it.bi. Returns false when buckets are exhausted or a read
// error occurs.
func (it *fileIterator) loadNextBucket(ctx context.Context) bool {
	if it.bi >= len(it.buckets) {
		return false
	}
	bucket := it.buckets[it.bi]
	it.bi++

	path := it.fs.segmentPath(bucket)
	snapshotSize := it.sizes[bucket]

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			it.records, it.ri = nil, 0
			return true // bucket removed between snapshot and read; skip
		}
		it.err = fmt.Errorf("filestore: open segment %d: %w", bucket, err)
		return false
	}
	defer f.Close()

	data := make([]byte, snapshotSize)
	if _, err := io.ReadFull(f, data); err != nil {
		it.err = fmt.Errorf("filestore: read segment %d: %w", bucket, err)
		return false
	}

	records, _ := scanRecords(data)
	if it.desc {
		reverse(records)
	}
	it.records, it.ri = records, 0
	return true
}

func reverse(s [][]byte) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func (it *fileIterator) Event() event.Event { return it.cur }
func (it *fileIterator) Err() error         { return it.err }
func (it *fileIterator) Close() error       { return nil }

// scanRecords splits data into validated event-byte records framed by
// "\x1e<length>\x1e\n" trailers. validLen is the byte offset up to which
// data formed complete, validated records — any remaining bytes are a
// torn tail (from a crash mid-write) and should not be surfaced.
func scanRecords(data []byte) (records [][]byte, validLen int) {
	pos := 0    // start of the record being framed
	search := 0 // where to look for its trailer; moves past false candidates
	n := len(data)
	for search < n {
		rel := bytes.IndexByte(data[search:], recordSeparator)
		if rel == -1 {
			break
		}
		trailerStart := search + rel
		rest := data[trailerStart+1:]

		digits := 0
		for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
			digits++
		}
		if digits == 0 || digits >= len(rest) || rest[digits] != recordSeparator {
			search = trailerStart + 1
			continue
		}
		if digits+1 >= len(rest) || rest[digits+1] != '\n' {
			search = trailerStart + 1
			continue
		}

		length, err := strconv.Atoi(string(rest[:digits]))
		if err != nil {
			search = trailerStart + 1
			continue
		}
		eventLen := trailerStart - pos
		if length != eventLen {
			search = trailerStart + 1
			continue
		}

		records = append(records, data[pos:trailerStart])
		pos = trailerStart + 1 + digits + 2
		search = pos
		validLen = pos
	}
	return records, validLen
}
