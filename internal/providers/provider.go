// Package providers aggregates scam-risk intelligence about phone
// numbers from external reputation vendors.
//
// Flow:
//  1. Providers register with a weight, a priority, and a timeout
//  2. A number check fans out to every enabled provider concurrently
//  3. Vendors that fail, time out, or have a tripped circuit are
//     excluded from the aggregate instead of dragging the score down
//  4. The surviving verdicts combine into one weighted score
//
// When every vendor is down the check fails open: an unscored call
// rings through rather than being blocked on missing data.
package providers

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotRegistered = errors.New("providers: provider not registered")
	ErrInvalidWeight = errors.New("providers: weight must not be negative")
)

// Aggregate score thresholds. At or above HighRiskThreshold a number is
// HIGH risk; at or above MediumRiskThreshold it is MEDIUM.
const (
	HighRiskThreshold   = 0.75
	MediumRiskThreshold = 0.4
)

// DefaultTimeout bounds a single provider query when the registration
// does not set its own.
const DefaultTimeout = 2 * time.Second

// AggregateProvider is the provider name stamped on combined verdicts.
const AggregateProvider = "aggregate"

// RiskLevel is the severity band for a number.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Category labels what kind of caller a number is known as. Vendors
// that cannot categorize report UNKNOWN.
type Category string

const (
	CategoryUnknown        Category = "UNKNOWN"
	CategoryScam           Category = "SCAM"
	CategorySpam           Category = "SPAM"
	CategoryRobocall       Category = "ROBOCALL"
	CategoryTelemarketing  Category = "TELEMARKETING"
	CategoryDebtCollection Category = "DEBT_COLLECTION"
	CategorySurvey         Category = "SURVEY"
	CategoryLegitimate     Category = "LEGITIMATE"
)

// Categories stamped on verdicts that came from an operator rule
// instead of vendor intelligence.
const (
	CategoryOverrideAllow Category = "OVERRIDE_ALLOW"
	CategoryOverrideBlock Category = "OVERRIDE_BLOCK"
)

// Confidence reflects how much backing a verdict has. On an aggregate
// it tracks the number of independent vendors that responded.
type Confidence string

const (
	ConfidenceUnknown Confidence = "UNKNOWN"
	ConfidenceLow     Confidence = "LOW"
	ConfidenceMedium  Confidence = "MEDIUM"
	ConfidenceHigh    Confidence = "HIGH"
)

// Action tells the caller what to do with the number.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// Verdict is one assessment of a number, from a single vendor or from
// the aggregator. Immutable once produced.
type Verdict struct {
	PhoneNumber string                 `json:"phoneNumber"`
	RiskLevel   RiskLevel              `json:"riskLevel"`
	Confidence  Confidence             `json:"confidence"`
	Action      Action                 `json:"action"`
	AutoReject  bool                   `json:"autoReject"`
	Category    Category               `json:"category"`
	Score       float64                `json:"score"` // 0.0 safe to 1.0 certain scam
	Provider    string                 `json:"provider"`
	Features    map[string]interface{} `json:"features,omitempty"`
}

// Provider is one reputation source. Evaluate must respect ctx: the
// aggregator enforces the per-provider timeout through it.
type Provider interface {
	Name() string
	Evaluate(ctx context.Context, number string) (*Verdict, error)
}

// Registration binds a provider to its aggregation parameters.
type Registration struct {
	Provider Provider      `json:"-"`
	Name     string        `json:"name"`
	Weight   float64       `json:"weight"`
	Priority int           `json:"priority"` // lower wins category selection
	Timeout  time.Duration `json:"timeout"`
	Enabled  bool          `json:"enabled"`
}

// Contribution is one vendor's share of an aggregate verdict.
type Contribution struct {
	Provider   string   `json:"provider"`
	Score      float64  `json:"score"`
	Category   Category `json:"category"`
	Weight     float64  `json:"weight"`
	AutoReject bool     `json:"autoReject"`
	LatencyMs  int64    `json:"latencyMs"`
}

// Exclusion records a vendor that was dropped from an aggregate and why.
type Exclusion struct {
	Provider string `json:"provider"`
	Cause    string `json:"cause"` // timeout, error, circuit_open, panic
	Detail   string `json:"detail,omitempty"`
}

// Exclusion causes.
const (
	ExcludeTimeout     = "timeout"
	ExcludeError       = "error"
	ExcludeCircuitOpen = "circuit_open"
	ExcludePanic       = "panic"
)

// AggregateVerdict is the combined assessment of a number across all
// responding vendors. Responders lists them in registration order.
type AggregateVerdict struct {
	Verdict
	Responders    []string       `json:"responders"`
	Contributions []Contribution `json:"contributions,omitempty"`
	Exclusions    []Exclusion    `json:"exclusions,omitempty"`
	CheckedAt     time.Time      `json:"checkedAt"`
}

// newVerdict builds a verdict with the fields every vendor derives the
// same way: the risk band follows the score, and HIGH means block.
func newVerdict(provider, number string, score float64, category Category, confidence Confidence) *Verdict {
	v := &Verdict{
		PhoneNumber: number,
		RiskLevel:   levelFor(score),
		Confidence:  confidence,
		Action:      ActionAllow,
		Category:    category,
		Score:       score,
		Provider:    provider,
	}
	if v.RiskLevel == RiskHigh {
		v.Action = ActionBlock
	}
	return v
}

// levelFor maps a score onto a risk band.
func levelFor(score float64) RiskLevel {
	switch {
	case score >= HighRiskThreshold:
		return RiskHigh
	case score >= MediumRiskThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// confidenceFor maps the responder count onto a confidence band.
func confidenceFor(responders int) Confidence {
	switch {
	case responders >= 3:
		return ConfidenceHigh
	case responders == 2:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
