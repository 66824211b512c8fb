package bridge

import "github.com/mbd888/callshield/internal/classify"

// Frame type discriminators on the upstream feed and the bridge's own
// client messages.
const (
	frameResult     = "result"
	frameTranscript = "transcript"
	frameError      = "error"
	frameReady      = "ready"
)

// Error codes reported to the client before the relay closes.
const (
	CodeBadHandshake        = "BAD_HANDSHAKE"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionNotActive    = "SESSION_NOT_ACTIVE"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
)

// handshake is the first message a client must send on a stream
// connection.
type handshake struct {
	SessionID string `json:"sessionId"`
}

// frameHeader is the minimal decode used to route an upstream text
// frame. Anything without a recognized type is forwarded untouched.
type frameHeader struct {
	Type string `json:"type"`
}

// readyFrame acknowledges a completed handshake.
type readyFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// errorFrame is sent to the client on a failed handshake and decoded
// from upstream error reports.
type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// resultFrame is one analysis payload from the upstream engine.
type resultFrame struct {
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

// raw maps the wire fields onto the classifier's input. Absent signal
// enums default to UNKNOWN explicitly; nothing is coerced.
func (f *resultFrame) raw() classify.RawAnalysisResult {
	return classify.RawAnalysisResult{
		ScamRisk:         classify.ScamRisk(f.CallScamRisk),
		OriginatorRisk:   signalOrUnknown(f.CallOriginatorRisk),
		DialogRisk:       signalOrUnknown(f.ScamDialog.ScamDialogRisk),
		DialogConfidence: signalOrUnknown(f.ScamDialog.Confidence),
		SyntheticVoice:   f.SyntheticVoice.SyntheticVoiceDetected,
		SyntheticScore:   f.SyntheticVoice.Score,
	}
}

func signalOrUnknown(s string) classify.Signal {
	if s == "" {
		return classify.SignalUnknown
	}
	return classify.Signal(s)
}

// transcriptFrame is one transcript fragment from the upstream engine.
type transcriptFrame struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}
