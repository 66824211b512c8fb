// Package session tracks the lifecycle of active protected calls.
//
// Flow:
//  1. Device registers a call → session created in pending
//  2. Relay bridge connects upstream → session moves to connected
//  3. Analysis results, transcripts, and warnings accumulate on the session
//  4. Call ends (either side) → session closes, finalizer hands it to history
//
// The registry is purely in-memory. Every operation is O(1) and never
// touches disk or network; durable history is someone else's job, fed
// through the close finalizer.
package session

import (
	"errors"
	"time"

	"github.com/mbd888/callshield/internal/classify"
)

// Errors
var (
	ErrNotFound          = errors.New("session: not found")
	ErrClosed            = errors.New("session: already closed")
	ErrInvalidTransition = errors.New("session: invalid status transition")
	ErrNumberRequired    = errors.New("session: phone number required")
)

// Status represents session state. Transitions are monotonic:
// pending → connected → {disconnected, error}. A session never moves
// backwards and never re-enters connected.
type Status string

const (
	StatusPending      Status = "pending"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// statusRank orders statuses for the monotonic transition check. The
// two terminal states share a rank; neither can follow the other.
var statusRank = map[Status]int{
	StatusPending:      0,
	StatusConnected:    1,
	StatusDisconnected: 2,
	StatusError:        2,
}

// Terminal reports whether the status ends the session.
func (s Status) Terminal() bool {
	return s == StatusDisconnected || s == StatusError
}

// Cause labels why a session closed.
type Cause string

const (
	CauseClientClose   Cause = "client_close"
	CauseUpstreamClose Cause = "upstream_close"
	CauseUpstreamError Cause = "upstream_error"
	CauseExpired       Cause = "expired"
	CauseShutdown      Cause = "shutdown"
)

// Per-session log caps. When a log is full the oldest entry is dropped
// to make room; the session itself stays bounded no matter how long the
// call runs.
const (
	MaxResultLog     = 50
	MaxTranscriptLog = 200
	MaxWarningLog    = 20
)

// ResultEntry is one analysis verdict received during the call.
type ResultEntry struct {
	Raw        classify.RawAnalysisResult `json:"raw"`
	RiskLevel  classify.RiskLevel         `json:"riskLevel"`
	ReceivedAt time.Time                  `json:"receivedAt"`
}

// TranscriptEntry is one transcript fragment received during the call.
type TranscriptEntry struct {
	Text       string    `json:"text"`
	Final      bool      `json:"final"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Session represents one protected call.
type Session struct {
	ID          string             `json:"id"`
	Number      string             `json:"number"`
	DeviceID    string             `json:"deviceId,omitempty"`
	Status      Status             `json:"status"`
	CloseCause  Cause              `json:"closeCause,omitempty"`
	Results     []ResultEntry      `json:"results,omitempty"`
	Transcripts []TranscriptEntry  `json:"transcripts,omitempty"`
	Warnings    []classify.Warning `json:"warnings,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	ConnectedAt time.Time          `json:"connectedAt"`
	ClosedAt    time.Time          `json:"closedAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// HighestRisk returns the most severe risk level logged on the session,
// or LOW when no results arrived.
func (s *Session) HighestRisk() classify.RiskLevel {
	highest := classify.RiskLow
	for _, r := range s.Results {
		switch r.RiskLevel {
		case classify.RiskHigh:
			return classify.RiskHigh
		case classify.RiskMedium:
			highest = classify.RiskMedium
		}
	}
	return highest
}

// clone returns a deep copy safe to hand outside the registry.
func (s *Session) clone() *Session {
	cp := *s
	if s.Results != nil {
		cp.Results = make([]ResultEntry, len(s.Results))
		copy(cp.Results, s.Results)
	}
	if s.Transcripts != nil {
		cp.Transcripts = make([]TranscriptEntry, len(s.Transcripts))
		copy(cp.Transcripts, s.Transcripts)
	}
	if s.Warnings != nil {
		cp.Warnings = make([]classify.Warning, len(s.Warnings))
		copy(cp.Warnings, s.Warnings)
	}
	return &cp
}
