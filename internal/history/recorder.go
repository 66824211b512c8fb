package history

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/callshield/internal/metrics"
	"github.com/mbd888/callshield/internal/retry"
	"github.com/mbd888/callshield/internal/session"
)

const (
	queueSize      = 256
	insertAttempts = 3
	insertBaseWait = 200 * time.Millisecond
	drainTimeout   = 5 * time.Second
)

// Recorder turns finalized sessions into immutable history records.
// Enqueueing never blocks; when the queue is full the record is dropped
// and counted rather than stalling session teardown.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	queue   chan *Record
	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
}

// NewRecorder creates a recorder writing to store. Call Start in a
// goroutine to begin consuming.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan *Record, queueSize),
		// Buffered so a stop requested mid-write is not lost.
		stop: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Record enqueues a finalized session for persistence. Safe to call
// from the registry finalizer.
func (r *Recorder) Record(s *session.Session) {
	rec := FromSession(s)
	select {
	case r.queue <- rec:
	default:
		metrics.HistoryWritesTotal.WithLabelValues("dropped").Inc()
		r.logger.Warn("history queue full, record dropped",
			"session_id", rec.SessionID)
	}
}

// Running reports whether the consumer loop is active.
func (r *Recorder) Running() bool {
	return r.running.Load()
}

// Start consumes the queue until ctx is done or Stop is called.
// Queued records are flushed before returning.
func (r *Recorder) Start(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	defer r.running.Store(false)
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case <-r.stop:
			r.drain()
			return
		case rec := <-r.queue:
			r.write(ctx, rec)
		}
	}
}

// Stop signals the consumer to flush and exit, then waits for it.
func (r *Recorder) Stop() {
	if !r.running.Load() {
		return
	}
	select {
	case r.stop <- struct{}{}:
	default:
	}
	select {
	case <-r.done:
	case <-time.After(drainTimeout):
	}
}

// drain flushes whatever is already queued. The write deadline is
// detached from the consumer context so shutdown still persists records.
func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec *Record) {
	err := retry.Do(ctx, insertAttempts, insertBaseWait, func() error {
		return r.store.Insert(ctx, rec)
	})
	if err != nil {
		metrics.HistoryWritesTotal.WithLabelValues("error").Inc()
		r.logger.Error("history write failed",
			"record_id", rec.ID,
			"session_id", rec.SessionID,
			"error", err)
		return
	}
	metrics.HistoryWritesTotal.WithLabelValues("ok").Inc()
}
