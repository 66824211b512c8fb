package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/callshield/internal/classify"
	"github.com/mbd888/callshield/internal/idgen"
	"github.com/mbd888/callshield/internal/metrics"
)

// Registry holds all live sessions. Reads return deep copies; mutations
// on the same session are serialized through a sharded mutex so two
// bridge goroutines appending concurrently never interleave a partial
// update.
//
// Lock order is always shard lock first, then the map lock. The map
// lock is never held while acquiring a shard lock.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	locks     *idLocks
	finalizer func(*Session)
	logger    *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		locks:    newIDLocks(),
		logger:   logger,
	}
}

// SetFinalizer installs a hook invoked exactly once per session, with a
// deep copy, when the session enters a terminal state. The hook must
// not block: it runs inside the session's critical section. Not safe to
// call once traffic is flowing.
func (r *Registry) SetFinalizer(fn func(*Session)) {
	r.finalizer = fn
}

// Create registers a new pending session for a call to number.
func (r *Registry) Create(number, deviceID string) (*Session, error) {
	if number == "" {
		return nil, ErrNumberRequired
	}

	now := time.Now()
	sess := &Session{
		ID:        idgen.Session(),
		Number:    number,
		DeviceID:  deviceID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	unlock := r.locks.lock(sess.ID)
	defer unlock()

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	metrics.SessionsCreatedTotal.Inc()
	metrics.ActiveSessions.Inc()

	return sess.clone(), nil
}

// Get returns a deep copy of the session.
func (r *Registry) Get(id string) (*Session, error) {
	unlock := r.locks.lock(id)
	defer unlock()

	sess, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return sess.clone(), nil
}

// UpdateStatus moves the session forward in its lifecycle. Backwards
// moves, repeats, and transitions out of a terminal state are rejected
// with ErrInvalidTransition (ErrClosed for terminal sessions). Moving
// to a terminal status behaves like Close with a cause named after the
// status.
func (r *Registry) UpdateStatus(id string, next Status) error {
	if _, ok := statusRank[next]; !ok {
		return ErrInvalidTransition
	}

	unlock := r.locks.lock(id)
	defer unlock()

	sess, err := r.lookup(id)
	if err != nil {
		return err
	}

	if sess.Status.Terminal() {
		return ErrClosed
	}
	if statusRank[next] <= statusRank[sess.Status] {
		return ErrInvalidTransition
	}

	if next.Terminal() {
		r.closeLocked(sess, next, Cause(next))
		return nil
	}

	now := time.Now()
	sess.Status = next
	if next == StatusConnected {
		sess.ConnectedAt = now
	}
	sess.UpdatedAt = now
	return nil
}

// AppendResult records one analysis verdict on the session, evicting
// the oldest entry once the result log is full.
func (r *Registry) AppendResult(id string, entry ResultEntry) error {
	unlock := r.locks.lock(id)
	defer unlock()

	sess, err := r.mutable(id)
	if err != nil {
		return err
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now()
	}
	sess.Results = appendBounded(sess.Results, entry, MaxResultLog)
	sess.UpdatedAt = time.Now()
	return nil
}

// AppendTranscript records one transcript fragment on the session.
func (r *Registry) AppendTranscript(id string, entry TranscriptEntry) error {
	unlock := r.locks.lock(id)
	defer unlock()

	sess, err := r.mutable(id)
	if err != nil {
		return err
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now()
	}
	sess.Transcripts = appendBounded(sess.Transcripts, entry, MaxTranscriptLog)
	sess.UpdatedAt = time.Now()
	return nil
}

// AppendWarning records one emitted warning on the session.
func (r *Registry) AppendWarning(id string, w classify.Warning) error {
	unlock := r.locks.lock(id)
	defer unlock()

	sess, err := r.mutable(id)
	if err != nil {
		return err
	}
	sess.Warnings = appendBounded(sess.Warnings, w, MaxWarningLog)
	sess.UpdatedAt = time.Now()
	return nil
}

// Close moves the session to a terminal state and fires the finalizer.
// Closing an already-closed session is a no-op that returns the current
// state, so both ends of the relay can close without coordinating.
func (r *Registry) Close(id string, cause Cause) (*Session, error) {
	unlock := r.locks.lock(id)
	defer unlock()

	sess, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	if sess.Status.Terminal() {
		return sess.clone(), nil
	}

	status := StatusDisconnected
	if cause == CauseUpstreamError {
		status = StatusError
	}
	r.closeLocked(sess, status, cause)
	return sess.clone(), nil
}

// closeLocked finishes a session. Caller holds the session's shard lock
// and has verified the session is not already terminal.
func (r *Registry) closeLocked(sess *Session, status Status, cause Cause) {
	now := time.Now()
	sess.Status = status
	sess.CloseCause = cause
	sess.ClosedAt = now
	sess.UpdatedAt = now

	metrics.SessionsClosedTotal.WithLabelValues(string(cause)).Inc()

	if r.finalizer != nil {
		r.finalizer(sess.clone())
	}
}

// Sweep evicts sessions untouched since the cutoff. Pending or
// connected sessions past the cutoff are closed first (cause expired)
// so the finalizer still sees them. Returns the number evicted.
//
// Each session is handled in its own critical section; a long sweep
// never stalls unrelated calls.
func (r *Registry) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	evicted := 0
	for _, id := range ids {
		unlock := r.locks.lock(id)

		sess, err := r.lookup(id)
		if err != nil || sess.UpdatedAt.After(cutoff) {
			unlock()
			continue
		}

		if !sess.Status.Terminal() {
			r.closeLocked(sess, StatusDisconnected, CauseExpired)
		}

		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		unlock()

		metrics.SweepEvictionsTotal.Inc()
		metrics.ActiveSessions.Dec()
		evicted++

		r.logger.Debug("evicted stale session", "session_id", id, "status", sess.Status)
	}

	return evicted
}

// Len returns the number of resident sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// lookup finds the live session pointer. Caller holds the shard lock.
func (r *Registry) lookup(id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// mutable is lookup plus a closed-session check, for the append paths.
func (r *Registry) mutable(id string) (*Session, error) {
	sess, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, ErrClosed
	}
	return sess, nil
}

// appendBounded pushes entry onto log, dropping the oldest entries to
// stay within max.
func appendBounded[T any](log []T, entry T, max int) []T {
	log = append(log, entry)
	if len(log) > max {
		log = log[len(log)-max:]
	}
	return log
}
