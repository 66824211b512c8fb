// Package classify turns raw call-analysis results into user-facing
// risk decisions.
//
// The upstream analysis engine reports a scam assessment plus secondary
// signals (originator reputation, dialog confidence, synthetic-voice
// detection). Classification is a fixed first-match decision table over
// those signals: the first rule that matches determines the risk level,
// the call action, and the warning shown on the device. Identical input
// always yields identical output.
package classify

import "time"

// ScamRisk is the analysis engine's overall assessment of the call.
type ScamRisk string

const (
	ScamRiskHigh   ScamRisk = "HIGH_SCAM_RISK"
	ScamRiskMedium ScamRisk = "MEDIUM_SCAM_RISK"
	ScamRiskNone   ScamRisk = "NOT_SCAM"
)

// Signal grades a secondary analysis dimension such as originator
// reputation or dialog confidence.
type Signal string

const (
	SignalUnknown Signal = "UNKNOWN"
	SignalLow     Signal = "LOW"
	SignalMedium  Signal = "MEDIUM"
	SignalHigh    Signal = "HIGH"
)

// RiskLevel is the classified severity of the call.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Action tells the device what to do with the call.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// WarningType identifies the warning template shown on the device.
type WarningType string

const (
	WarningScam    WarningType = "scamWarning"
	WarningPrivacy WarningType = "privacyWarning"
)

// WarningLevel is the severity band carried on a warning.
type WarningLevel string

const (
	LevelScam    WarningLevel = "SCAM"
	LevelPrivacy WarningLevel = "PRIVACY"
)

// Client actions offered on a warning. The device renders these as
// buttons; the backend only names them.
const (
	ClientActionDismiss             = "dismiss"
	ClientActionViewDetails         = "viewDetails"
	ClientActionReportFalsePositive = "reportFalsePositive"
	ClientActionHangUp              = "hangUp"
	ClientActionHangUpAndReport     = "hangUpAndReport"
)

// RawAnalysisResult is one analysis payload from the upstream engine.
// Fields the engine omitted stay at their zero values, which the table
// treats as "no signal": empty enums never match a rule.
type RawAnalysisResult struct {
	ScamRisk         ScamRisk `json:"scamRisk"`
	OriginatorRisk   Signal   `json:"originatorRisk"`
	DialogRisk       Signal   `json:"dialogRisk"`
	DialogConfidence Signal   `json:"dialogConfidence"`
	SyntheticVoice   bool     `json:"syntheticVoice"`
	SyntheticScore   float64  `json:"syntheticScore"`
}

// Warning is the payload pushed to the device when a call needs a
// user-visible alert. Timestamp is stamped by the caller at emission
// time so classification itself stays deterministic.
type Warning struct {
	Type        WarningType  `json:"type"`
	Level       WarningLevel `json:"level"`
	Title       string       `json:"title"`
	Message     string       `json:"message"`
	Actions     []string     `json:"actions"`
	Confidence  Signal       `json:"confidence"`
	AutoBlocked bool         `json:"autoBlocked"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Classification is the outcome of running one analysis result through
// the decision table.
type Classification struct {
	RiskLevel  RiskLevel `json:"riskLevel"`
	Action     Action    `json:"action"`
	AutoReject bool      `json:"autoReject"`
	Warning    *Warning  `json:"warning,omitempty"`
}

// Warning copy shown on the device.
const (
	scamWarningTitle   = "Scam call blocked"
	scamWarningMessage = "This call matches known scam patterns and was ended automatically."

	privacyWarningTitle   = "Information sharing warning"
	privacyWarningMessage = "Be careful sharing personal or financial information on this call."
)

// Classify runs the decision table over one analysis result. Rules are
// evaluated top to bottom and the first match wins, so a call that is
// both a confirmed scam and synthetic-voiced classifies HIGH, not
// MEDIUM.
func Classify(raw RawAnalysisResult) Classification {
	if raw.ScamRisk == ScamRiskHigh || (raw.OriginatorRisk == SignalHigh && raw.DialogConfidence == SignalHigh) {
		return Classification{
			RiskLevel:  RiskHigh,
			Action:     ActionBlock,
			AutoReject: true,
			Warning: &Warning{
				Type:        WarningScam,
				Level:       LevelScam,
				Title:       scamWarningTitle,
				Message:     scamWarningMessage,
				Actions:     []string{ClientActionDismiss, ClientActionViewDetails, ClientActionReportFalsePositive},
				Confidence:  confidence(raw),
				AutoBlocked: true,
			},
		}
	}

	if raw.ScamRisk == ScamRiskMedium || raw.SyntheticVoice || raw.OriginatorRisk == SignalMedium {
		return Classification{
			RiskLevel:  RiskMedium,
			Action:     ActionAllow,
			AutoReject: false,
			Warning: &Warning{
				Type:        WarningPrivacy,
				Level:       LevelPrivacy,
				Title:       privacyWarningTitle,
				Message:     privacyWarningMessage,
				Actions:     []string{ClientActionDismiss, ClientActionHangUp, ClientActionHangUpAndReport},
				Confidence:  confidence(raw),
				AutoBlocked: false,
			},
		}
	}

	return Classification{
		RiskLevel:  RiskLow,
		Action:     ActionAllow,
		AutoReject: false,
	}
}

// confidence picks the confidence band surfaced on a warning. Dialog
// confidence is the engine's own certainty about the conversation; when
// the engine did not report one we fall back to UNKNOWN rather than
// inventing a band.
func confidence(raw RawAnalysisResult) Signal {
	if raw.DialogConfidence == "" {
		return SignalUnknown
	}
	return raw.DialogConfidence
}
