// Package overrides manages operator-maintained allow and block rules
// for phone numbers.
//
// Overrides sit in front of vendor intelligence: a block rule rejects a
// number no matter what the providers say, and an allow rule clears a
// number that vendors keep flagging (a hospital callback line, a relative
// on a VoIP plan). When a number somehow carries both, block wins.
package overrides

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/callshield/internal/idgen"
)

// Errors
var (
	ErrNotFound       = errors.New("overrides: entry not found")
	ErrInvalidAction  = errors.New("overrides: action must be block or allow")
	ErrNumberRequired = errors.New("overrides: phone number required")
)

// Action is what an override does to a number.
type Action string

const (
	ActionBlock Action = "block"
	ActionAllow Action = "allow"
)

// Entry is one operator rule. A number holds at most one entry per
// action; setting again replaces it.
type Entry struct {
	ID        string    `json:"id"`
	Number    string    `json:"number"`
	Action    Action    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"` // zero = never expires
}

// Expired reports whether the entry has lapsed.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store persists override entries.
type Store interface {
	Set(ctx context.Context, entry *Entry) error
	Remove(ctx context.Context, number string, action Action) error
	RemoveByID(ctx context.Context, id string) error
	Get(ctx context.Context, number string) ([]*Entry, error)
	List(ctx context.Context, limit int) ([]*Entry, error)
}

// Service implements override business logic over a store.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates an override service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Set creates or replaces a rule for the number. A positive ttl makes
// the rule lapse on its own; zero means it stays until removed.
func (s *Service) Set(ctx context.Context, number string, action Action, reason, createdBy string, ttl time.Duration) (*Entry, error) {
	if number == "" {
		return nil, ErrNumberRequired
	}
	if action != ActionBlock && action != ActionAllow {
		return nil, ErrInvalidAction
	}

	entry := &Entry{
		ID:        idgen.Override(),
		Number:    number,
		Action:    action,
		Reason:    reason,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
	}
	if ttl > 0 {
		entry.ExpiresAt = entry.CreatedAt.Add(ttl)
	}

	if err := s.store.Set(ctx, entry); err != nil {
		return nil, err
	}

	s.logger.Info("override set",
		"id", entry.ID,
		"action", entry.Action,
		"createdBy", createdBy,
	)
	return entry, nil
}

// Remove deletes a rule.
func (s *Service) Remove(ctx context.Context, number string, action Action) error {
	if action != ActionBlock && action != ActionAllow {
		return ErrInvalidAction
	}
	return s.store.Remove(ctx, number, action)
}

// RemoveByID deletes a rule by its id.
func (s *Service) RemoveByID(ctx context.Context, id string) error {
	if err := s.store.RemoveByID(ctx, id); err != nil {
		return err
	}
	s.logger.Info("override removed", "id", id)
	return nil
}

// Get returns every rule for a number, including expired ones.
func (s *Service) Get(ctx context.Context, number string) ([]*Entry, error) {
	return s.store.Get(ctx, number)
}

// List returns the newest rules across all numbers.
func (s *Service) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, limit)
}

// Check resolves the effective rule for a number: an unexpired block
// entry wins over an unexpired allow entry. Returns nil when no live
// rule matches. This is the seam the blocklist provider and the
// pre-call check consume.
func (s *Service) Check(ctx context.Context, number string) (*Entry, error) {
	entries, err := s.store.Get(ctx, number)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var allow *Entry
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		if e.Action == ActionBlock {
			return e, nil
		}
		allow = e
	}
	return allow, nil
}
