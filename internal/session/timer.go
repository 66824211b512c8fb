package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically evicts stale sessions from the registry so a
// device that vanished mid-call cannot leak memory forever.
type Sweeper struct {
	registry *Registry
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	onSweep  func(evicted int)
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper that evicts sessions untouched for ttl,
// checking every interval.
func NewSweeper(registry *Registry, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry: registry,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// SetOnSweep registers a callback invoked after every sweep that
// evicted at least one session. Set before Start.
func (s *Sweeper) SetOnSweep(fn func(evicted int)) {
	s.onSweep = fn
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep()
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in session sweeper", "panic", fmt.Sprint(r))
		}
	}()

	if evicted := s.registry.Sweep(s.ttl); evicted > 0 {
		s.logger.Info("session sweep complete",
			"evicted", evicted,
			"resident", s.registry.Len(),
		)
		if s.onSweep != nil {
			s.onSweep(evicted)
		}
	}
}
