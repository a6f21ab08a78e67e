package journal

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	defaultWriterQueue = 256
	appendTimeout      = 5 * time.Second
	drainTimeout       = 2 * time.Second
)

// Writer appends entries to a Store on a background goroutine. Record never
// blocks: entries are dropped when the queue is full.
type Writer struct {
	store   Store
	queue   chan Entry
	dropped atomic.Uint64
	now     func() time.Time

	// OnDrop is called for each dropped entry. Optional; set before use.
	OnDrop func()
}

// NewWriter returns a Writer for store with room for queue pending entries.
func NewWriter(store Store, queue int) *Writer {
	if queue <= 0 {
		queue = defaultWriterQueue
	}
	return &Writer{
		store: store,
		queue: make(chan Entry, queue),
		now:   time.Now,
	}
}

// Record queues e. A zero At is set to the current time.
func (w *Writer) Record(e Entry) {
	if e.At.IsZero() {
		e.At = w.now()
	}
	select {
	case w.queue <- e:
	default:
		w.dropped.Add(1)
		if w.OnDrop != nil {
			w.OnDrop()
		}
		slog.Warn("journal: queue full, entry dropped", "kind", e.Kind)
	}
}

// Dropped returns the number of entries discarded so far.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Run appends queued entries until ctx is cancelled, then flushes what is
// left within a short grace period. It returns nil on shutdown.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case e := <-w.queue:
			w.append(ctx, e)
		}
	}
}

func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case e := <-w.queue:
			w.append(ctx, e)
		default:
			return
		}
	}
}

func (w *Writer) append(ctx context.Context, e Entry) {
	actx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()
	if err := w.store.Append(actx, e); err != nil {
		slog.Warn("journal: append failed", "kind", e.Kind, "err", err)
	}
}
