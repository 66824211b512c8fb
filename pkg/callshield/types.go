// Package callshield implements the Callshield wire types and client
// This is the foundation for device and partner integrations
package callshield

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame types on the stream connection. Warning frames carry the
// warning template name as their type; anything else arriving on the
// stream was relayed verbatim from the analysis engine.
const (
	FrameReady          = "ready"
	FrameResult         = "result"
	FrameTranscript     = "transcript"
	FrameError          = "error"
	FrameScamWarning    = "scamWarning"
	FramePrivacyWarning = "privacyWarning"
)

// Error codes reported on a rejected stream handshake.
const (
	CodeBadHandshake        = "BAD_HANDSHAKE"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionNotActive    = "SESSION_NOT_ACTIVE"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
)

// Error is a Callshield API error response
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CreatedSession is returned when a call session is registered
type CreatedSession struct {
	SessionID string `json:"sessionId"`
	ExpiresIn int    `json:"expiresIn"` // seconds until an unconnected session is swept
}

// Session is the server's view of a call session. Number comes back
// masked; the backend never echoes the full digits.
type Session struct {
	SessionID   string     `json:"sessionId"`
	Number      string     `json:"number"`
	DeviceID    string     `json:"deviceId,omitempty"`
	Status      string     `json:"status"`
	CloseCause  string     `json:"closeCause,omitempty"`
	HighestRisk string     `json:"highestRisk"`
	Results     int        `json:"results"`
	Transcripts int        `json:"transcripts"`
	Warnings    int        `json:"warnings"`
	CreatedAt   time.Time  `json:"createdAt"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Verdict is an aggregated pre-call risk assessment
type Verdict struct {
	PhoneNumber string         `json:"phoneNumber"`
	RiskLevel   string         `json:"riskLevel"`
	Confidence  string         `json:"confidence"`
	Action      string         `json:"action"`
	AutoReject  bool           `json:"autoReject"`
	Category    string         `json:"category"`
	Score       float64        `json:"score"`
	Provider    string         `json:"provider"`
	Responders  []string       `json:"responders"`
	Exclusions  []Exclusion    `json:"exclusions,omitempty"`
	CheckedAt   time.Time      `json:"checkedAt"`
	Features    map[string]any `json:"features,omitempty"`
}

// Exclusion names a provider that did not contribute to a verdict
type Exclusion struct {
	Provider string `json:"provider"`
	Cause    string `json:"cause"`
	Detail   string `json:"detail,omitempty"`
}

// AnalysisResult is one analysis frame from the engine, relayed verbatim
type AnalysisResult struct {
	Type               string `json:"type"`
	CallScamRisk       string `json:"callScamRisk"`
	CallOriginatorRisk string `json:"callOriginatorRisk"`
	ScamDialog         struct {
		ScamDialogRisk string `json:"scamDialogRisk"`
		Confidence     string `json:"confidence"`
	} `json:"scamDialog"`
	SyntheticVoice struct {
		SyntheticVoiceDetected bool    `json:"syntheticVoiceDetected"`
		Score                  float64 `json:"score"`
	} `json:"syntheticVoice"`
}

// Transcript is one transcript fragment from the engine
type Transcript struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Warning is a user-facing alert pushed when a call turns risky
type Warning struct {
	Type        string    `json:"type"`
	Level       string    `json:"level"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Actions     []string  `json:"actions"`
	Confidence  string    `json:"confidence"`
	AutoBlocked bool      `json:"autoBlocked"`
	Timestamp   time.Time `json:"timestamp"`
}

// Frame is one message received on a stream connection. Text frames
// carry their type discriminator; binary frames are raw engine output
// relayed as-is with Binary set.
type Frame struct {
	Type   string
	Binary bool
	Data   []byte
}

// ParseFrame classifies a text frame by its type discriminator. Frames
// without one (including non-JSON payloads) come back with an empty
// Type; the relay forwards such frames untouched and so does this.
func ParseFrame(data []byte) *Frame {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &head)
	return &Frame{Type: head.Type, Data: data}
}

// IsWarning reports whether the frame is a pushed warning
func (f *Frame) IsWarning() bool {
	return f.Type == FrameScamWarning || f.Type == FramePrivacyWarning
}

// Result decodes an analysis result frame
func (f *Frame) Result() (*AnalysisResult, error) {
	if f.Type != FrameResult {
		return nil, fmt.Errorf("not a result frame: %q", f.Type)
	}
	var r AnalysisResult
	if err := json.Unmarshal(f.Data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse result frame: %w", err)
	}
	return &r, nil
}

// Transcript decodes a transcript frame
func (f *Frame) Transcript() (*Transcript, error) {
	if f.Type != FrameTranscript {
		return nil, fmt.Errorf("not a transcript frame: %q", f.Type)
	}
	var t Transcript
	if err := json.Unmarshal(f.Data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse transcript frame: %w", err)
	}
	return &t, nil
}

// Warning decodes a warning frame
func (f *Frame) Warning() (*Warning, error) {
	if !f.IsWarning() {
		return nil, fmt.Errorf("not a warning frame: %q", f.Type)
	}
	var w Warning
	if err := json.Unmarshal(f.Data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse warning frame: %w", err)
	}
	return &w, nil
}

// Err decodes an error frame into an *Error
func (f *Frame) Err() (*Error, error) {
	if f.Type != FrameError {
		return nil, fmt.Errorf("not an error frame: %q", f.Type)
	}
	var frame struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(f.Data, &frame); err != nil {
		return nil, fmt.Errorf("failed to parse error frame: %w", err)
	}
	return &Error{Code: frame.Code, Message: frame.Message}, nil
}
