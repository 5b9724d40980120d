// Package calllog records which consumer asked for images from which provider.
// Recording never blocks or fails a request: entries are buffered and written
// by a background worker, and dropped (and counted) when the buffer is full.
package calllog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Close when called more than once.
var ErrClosed = errors.New("call log recorder closed")

// Entry is one recorded transform call.
type Entry struct {
	At       time.Time
	Provider string
	Consumer string
}

// Usage is an aggregated call count for a provider.
type Usage struct {
	Provider string
	Calls    int64
}

// Recorder accepts call log entries.
type Recorder interface {
	Record(provider, consumer string)
}

// Repository defines the interface for call log persistence
type Repository interface {
	// InsertBatch writes entries in a single statement.
	InsertBatch(ctx context.Context, entries []Entry) error

	// CountSince returns per-provider call counts at or after since, busiest first.
	CountSince(ctx context.Context, since time.Time) ([]Usage, error)
}

// NopRecorder discards every entry.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(string, string) {}

// Options tunes an AsyncRecorder.
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// DefaultOptions returns the recorder defaults.
func DefaultOptions() Options {
	return Options{
		BufferSize:    1024,
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

// AsyncRecorder batches entries to a Repository from a single worker goroutine.
type AsyncRecorder struct {
	repo    Repository
	entries chan Entry
	done    chan struct{}
	opts    Options
	now     func() time.Time

	mu     sync.RWMutex
	closed bool

	dropped       atomic.Int64
	written       atomic.Int64
	failedBatches atomic.Int64
}

// NewAsyncRecorder starts the background worker. Callers must Close it.
func NewAsyncRecorder(repo Repository, opts Options) *AsyncRecorder {
	def := DefaultOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}

	r := &AsyncRecorder{
		repo:    repo,
		entries: make(chan Entry, opts.BufferSize),
		done:    make(chan struct{}),
		opts:    opts,
		now:     time.Now,
	}
	go r.run()
	return r
}

// Record enqueues an entry without blocking.
func (r *AsyncRecorder) Record(provider, consumer string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.entries <- Entry{Provider: provider, Consumer: consumer, At: r.now()}:
	default:
		n := r.dropped.Add(1)
		if n == 1 || n%1000 == 0 {
			slog.Warn("[CALL-LOG] buffer full, dropping entries", "total_dropped", n)
		}
	}
}

// Dropped returns the number of entries discarded because the buffer was full
// or the recorder was closed.
func (r *AsyncRecorder) Dropped() int64 { return r.dropped.Load() }

// Written returns the number of entries persisted.
func (r *AsyncRecorder) Written() int64 { return r.written.Load() }

// FailedBatches returns the number of batches the repository rejected.
func (r *AsyncRecorder) FailedBatches() int64 { return r.failedBatches.Load() }

// Close stops accepting entries and flushes what is buffered.
// It returns ctx.Err() if the flush does not finish in time.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.entries)
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, r.opts.BatchSize)
	for {
		select {
		case e, ok := <-r.entries:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= r.opts.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *AsyncRecorder) flush(batch []Entry) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()

	if err := r.repo.InsertBatch(ctx, batch); err != nil {
		failed := r.failedBatches.Add(1)
		slog.Error("[CALL-LOG] failed to write batch",
			"entries", len(batch),
			"error", err,
			"total_failed_batches", failed,
		)
		return
	}
	r.written.Add(int64(len(batch)))
}
