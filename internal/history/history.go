// Package history persists finished calls for later review.
//
// Live sessions stay in memory; the moment one closes, the session
// registry's finalizer hands it to the Recorder, which writes a durable
// record without ever blocking call handling. Operators and companion-app
// backends query the records to review recent calls and the warnings
// that fired.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/callshield/internal/classify"
	"github.com/mbd888/callshield/internal/idgen"
	"github.com/mbd888/callshield/internal/pagination"
	"github.com/mbd888/callshield/internal/session"
)

// Errors
var (
	ErrNotFound = errors.New("history: record not found")
)

// defaultListLimit applies when a listing does not name a page size.
const defaultListLimit = 50

// Record is the durable summary of one finished call.
type Record struct {
	ID              string             `json:"id"`
	SessionID       string             `json:"sessionId"`
	Number          string             `json:"number"`
	DeviceID        string             `json:"deviceId,omitempty"`
	Status          string             `json:"status"`
	CloseCause      string             `json:"closeCause,omitempty"`
	RiskLevel       string             `json:"riskLevel"`
	AutoBlocked     bool               `json:"autoBlocked"`
	ResultCount     int                `json:"resultCount"`
	TranscriptCount int                `json:"transcriptCount"`
	Warnings        []classify.Warning `json:"warnings,omitempty"`
	StartedAt       time.Time          `json:"startedAt"`
	EndedAt         time.Time          `json:"endedAt"`
	DurationMs      int64              `json:"durationMs"`
	CreatedAt       time.Time          `json:"createdAt"`
}

// FromSession builds the durable record for a closed session.
func FromSession(s *session.Session) *Record {
	rec := &Record{
		ID:              idgen.Record(),
		SessionID:       s.ID,
		Number:          s.Number,
		DeviceID:        s.DeviceID,
		Status:          string(s.Status),
		CloseCause:      string(s.CloseCause),
		RiskLevel:       string(s.HighestRisk()),
		ResultCount:     len(s.Results),
		TranscriptCount: len(s.Transcripts),
		Warnings:        s.Warnings,
		StartedAt:       s.CreatedAt,
		EndedAt:         s.ClosedAt,
		CreatedAt:       time.Now(),
	}

	for _, w := range s.Warnings {
		if w.AutoBlocked {
			rec.AutoBlocked = true
		}
	}
	if !rec.EndedAt.IsZero() {
		rec.DurationMs = rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	}
	return rec
}

// Query filters a history listing. Limit is the page size; the store
// fetches one extra row so the caller can compute the next cursor.
type Query struct {
	Number    string // optional exact match
	RiskLevel string // optional exact match
	Limit     int
	Cursor    *pagination.Cursor
}

// Store persists call history records.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetBySession(ctx context.Context, sessionID string) (*Record, error)
	List(ctx context.Context, q Query) ([]*Record, error)
}
