// Package notify delivers warning events to registered webhook endpoints.
//
// Carrier integrations and companion apps register a URL to hear about
// warnings as the relay pushes them to devices. Deliveries are signed
// with a per-subscription secret and retried with backoff; a hook that
// keeps failing is disabled instead of retried forever.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/callshield/internal/idgen"
	"github.com/mbd888/callshield/internal/retry"
	"github.com/mbd888/callshield/internal/security"
)

// ErrNotFound is returned when a webhook subscription does not exist.
var ErrNotFound = errors.New("notify: webhook not found")

// EventType represents the type of webhook event
type EventType string

const (
	EventWarningScam    EventType = "warning.scam"
	EventWarningPrivacy EventType = "warning.privacy"
	EventCallBlocked    EventType = "call.blocked"

	// EventTest is sent by the test-delivery endpoint only; it cannot
	// be subscribed to.
	EventTest EventType = "test.ping"
)

// SubscribableEvents lists the event types a webhook may register for.
var SubscribableEvents = []EventType{EventWarningScam, EventWarningPrivacy, EventCallBlocked}

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig controls delivery retries and the failure cutoff.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxFailures int // consecutive failures before the hook is disabled
}

// DefaultRetryConfig returns the production delivery policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxFailures: 20,
	}
}

const deliverTimeout = 30 * time.Second

// Dispatcher sends webhook events
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger
	retry  RetryConfig

	// urlValidator rejects endpoints that point into our own network.
	urlValidator func(string) error
}

// NewDispatcher creates a dispatcher with the default retry policy.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithRetry(store, DefaultRetryConfig(), logger)
}

// NewDispatcherWithRetry creates a dispatcher with an explicit retry policy.
func NewDispatcherWithRetry(store Store, cfg RetryConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       logger,
		retry:        cfg,
		urlValidator: security.ValidateSubscriberURL,
	}
}

// Dispatch sends an event to all active subscribers of its type.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Send async to avoid blocking
		go d.send(sub, event)
	}

	return nil
}

// TestDelivery performs one signed delivery attempt without retries or
// failure bookkeeping. Admin endpoints use it to verify a hook.
func (d *Dispatcher) TestDelivery(ctx context.Context, sub *Subscription) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return err
	}
	event := &Event{
		ID:        idgen.Event(),
		Type:      EventTest,
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"webhookId": sub.ID},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return d.post(ctx, sub, event, payload)
}

// send runs a full delivery attempt for one subscription. It carries
// its own deadline so a caller's request context cannot cancel an
// in-flight delivery.
func (d *Dispatcher) send(sub *Subscription, event *Event) {
	if err := d.urlValidator(sub.URL); err != nil {
		d.updateFailure(sub, fmt.Sprintf("blocked url: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateFailure(sub, "failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	err = retry.Do(ctx, d.retry.MaxAttempts, d.retry.BaseDelay, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		d.updateFailure(sub, err.Error())
		return
	}
	d.updateSuccess(sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Callshield-Event", string(event.Type))
	req.Header.Set("X-Callshield-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		req.Header.Set("X-Callshield-Signature", d.sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		// Other 4xx means the receiver rejected the event shape or
		// auth; repeating the same request will not change that.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	d.persist(sub)
}

func (d *Dispatcher) updateFailure(sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if d.retry.MaxFailures > 0 && sub.ConsecutiveFailures >= d.retry.MaxFailures && sub.Active {
		sub.Active = false
		d.logger.Warn("webhook disabled after repeated failures",
			"webhook_id", sub.ID, "failures", sub.ConsecutiveFailures)
	}
	d.persist(sub)
}

func (d *Dispatcher) persist(sub *Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook state update failed", "webhook_id", sub.ID, "error", err)
	}
}

// MemoryStore keeps subscriptions in memory. It backs deployments
// without a database and the test suite.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = cloneSub(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return cloneSub(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, cloneSub(sub))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, cloneSub(sub))
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = cloneSub(sub)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func cloneSub(sub *Subscription) *Subscription {
	c := *sub
	c.Events = append([]EventType(nil), sub.Events...)
	if sub.LastSuccess != nil {
		t := *sub.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
