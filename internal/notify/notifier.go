package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/callshield/internal/classify"
	"github.com/mbd888/callshield/internal/idgen"
	"github.com/mbd888/callshield/internal/logging"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callshield",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callshield",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Notifier turns relay warnings into webhook events. All methods are
// fire-and-forget: errors are logged but never returned, and dispatch
// runs off the caller's goroutine so the relay is never stalled.
type Notifier struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewNotifier creates a new warning notifier.
func NewNotifier(d *Dispatcher, logger *slog.Logger) *Notifier {
	return &Notifier{d: d, logger: logger}
}

// NotifyWarning emits a webhook event for a warning pushed to a device.
// An auto-blocked call additionally emits call.blocked, so receivers
// can subscribe to blocks without parsing warning payloads. The number
// is masked before it enters any payload; subscriber endpoints never
// see full numbers.
func (n *Notifier) NotifyWarning(sessionID, number string, w classify.Warning) {
	eventType := EventWarningPrivacy
	if w.Level == classify.LevelScam {
		eventType = EventWarningScam
	}
	masked := logging.MaskNumber(number)

	n.emit(eventType, map[string]interface{}{
		"sessionId":   sessionID,
		"number":      masked,
		"level":       string(w.Level),
		"warningType": string(w.Type),
		"title":       w.Title,
		"message":     w.Message,
		"actions":     w.Actions,
		"confidence":  string(w.Confidence),
		"autoBlocked": w.AutoBlocked,
		"emittedAt":   w.Timestamp,
	})

	if w.AutoBlocked {
		n.emit(EventCallBlocked, map[string]interface{}{
			"sessionId": sessionID,
			"number":    masked,
			"emittedAt": w.Timestamp,
		})
	}
}

func (n *Notifier) emit(eventType EventType, data map[string]interface{}) {
	if n == nil || n.d == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.Event(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()
		if err := n.d.Dispatch(ctx, event); err != nil {
			notifyEmitErrors.WithLabelValues(string(eventType)).Inc()
			n.logger.Warn("notification dispatch failed", "event", eventType, "error", err)
		}
	}()
}
