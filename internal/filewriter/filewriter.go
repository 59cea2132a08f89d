// Package filewriter implements the Async File Writer (§4.C): a single
// background worker draining a FIFO of (converted-buffer, destination-path)
// pairs, overlapping disk I/O with acquisition.
package filewriter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ethan/camrig/internal/adapter"
)

// saveRequest is one queued (buffer, path) pair.
type saveRequest struct {
	buf    adapter.ConvertedBuffer
	path   string
	format string
}

// Writer is the single dedicated save worker. Zero value is not usable;
// construct with New.
type Writer struct {
	sdk    adapter.SDK
	logger *slog.Logger

	queue chan saveRequest
	done  chan struct{}

	pending atomic.Int64

	drainMu   sync.Mutex
	drainCond *sync.Cond
}

// New constructs a Writer. capacity bounds the in-flight queue depth before
// Enqueue starts applying backpressure to its caller (the spec's "FIFO of
// pairs" has no stated bound; a generous buffer keeps acquisition workers
// from blocking on a slow disk without growing unbounded).
func New(sdk adapter.SDK, logger *slog.Logger, capacity int) *Writer {
	w := &Writer{
		sdk:    sdk,
		logger: logger,
		queue:  make(chan saveRequest, capacity),
		done:   make(chan struct{}),
	}
	w.drainCond = sync.NewCond(&w.drainMu)
	return w
}

// Start launches the dedicated worker goroutine. Call once.
func (w *Writer) Start() {
	go w.run()
}

func (w *Writer) run() {
	for {
		select {
		case req, ok := <-w.queue:
			if !ok {
				return
			}
			w.save(req)
		case <-w.done:
			// Drain whatever remains before exiting, so Stop's Drain+Close
			// sequencing never loses a queued save.
			for {
				select {
				case req := <-w.queue:
					w.save(req)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) save(req saveRequest) {
	if err := w.sdk.SaveBuffer(req.buf, req.path, req.format); err != nil {
		w.logger.Error("save failed", "path", req.path, "error", err)
	}
	w.decrementPending()
}

func (w *Writer) decrementPending() {
	if w.pending.Add(-1) == 0 {
		w.drainMu.Lock()
		w.drainCond.Broadcast()
		w.drainMu.Unlock()
	}
}

// Enqueue is non-blocking (modulo the capacity buffer): it increments the
// pending counter and returns immediately. A nil buffer or empty path is
// rejected up front with a logged error and no counter increment.
func (w *Writer) Enqueue(buf adapter.ConvertedBuffer, path, format string) {
	if buf == nil || path == "" {
		w.logger.Error("rejected save request", "reason", "nil buffer or empty path", "path", path)
		return
	}
	w.pending.Add(1)
	w.queue <- saveRequest{buf: buf, path: path, format: format}
}

// Pending returns the current count of enqueued-but-not-yet-saved requests.
func (w *Writer) Pending() int64 {
	return w.pending.Load()
}

// AwaitDrain blocks until the pending counter reaches zero or ctx is done.
func (w *Writer) AwaitDrain(ctx context.Context) error {
	if w.pending.Load() == 0 {
		return nil
	}

	waited := make(chan struct{})
	go func() {
		w.drainMu.Lock()
		for w.pending.Load() != 0 {
			w.drainCond.Wait()
		}
		w.drainMu.Unlock()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop blocks until every pending save has completed, then signals the
// worker to exit. Any request enqueued strictly before Stop is called is
// still saved. Stop does not wait for the worker goroutine to return.
func (w *Writer) Stop(ctx context.Context) error {
	if err := w.AwaitDrain(ctx); err != nil {
		return err
	}
	close(w.done)
	return nil
}
