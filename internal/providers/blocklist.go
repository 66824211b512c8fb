package providers

import (
	"context"
	"strings"
	"time"

	"github.com/mbd888/callshield/internal/metrics"
	"github.com/mbd888/callshield/internal/overrides"
)

// RuleSource resolves the effective operator rule for a number, nil
// when none applies. The overrides service implements this.
type RuleSource interface {
	Check(ctx context.Context, number string) (*overrides.Entry, error)
}

// BlocklistProvider turns local operator rules into a provider so
// policy decisions flow through the same aggregation path as vendor
// intelligence. A blocked number scores 1.0 with auto-reject; it is
// typically registered with a large weight so it dominates the mean.
type BlocklistProvider struct {
	name  string
	rules RuleSource
}

// NewBlocklistProvider wraps a rule source as a provider.
func NewBlocklistProvider(name string, rules RuleSource) *BlocklistProvider {
	return &BlocklistProvider{name: name, rules: rules}
}

// Name returns the registered provider name.
func (p *BlocklistProvider) Name() string { return p.name }

// Evaluate reports a maximal verdict for blocked numbers, a clean one
// for explicitly allowed numbers, and a neutral one for the rest.
func (p *BlocklistProvider) Evaluate(ctx context.Context, number string) (*Verdict, error) {
	entry, err := p.rules.Check(ctx, number)
	if err != nil {
		return nil, err
	}

	switch {
	case entry == nil:
		return newVerdict(p.name, number, 0, CategoryUnknown, ConfidenceLow), nil
	case entry.Action == overrides.ActionAllow:
		v := newVerdict(p.name, number, 0, CategoryLegitimate, ConfidenceHigh)
		v.Features = map[string]interface{}{"overrideId": entry.ID}
		return v, nil
	default:
		v := newVerdict(p.name, number, 1.0, categoryFromReason(entry.Reason), ConfidenceHigh)
		v.AutoReject = true
		v.Features = map[string]interface{}{"overrideId": entry.ID, "reason": entry.Reason}
		return v, nil
	}
}

// OverrideVerdict shapes an operator rule as a complete aggregate
// verdict so the check endpoint can answer from the rule alone, without
// querying any vendor.
func OverrideVerdict(number string, entry *overrides.Entry) *AggregateVerdict {
	var v *Verdict
	if entry.Action == overrides.ActionAllow {
		v = newVerdict(AggregateProvider, number, 0, CategoryOverrideAllow, ConfidenceHigh)
	} else {
		v = newVerdict(AggregateProvider, number, 1.0, CategoryOverrideBlock, ConfidenceHigh)
		v.AutoReject = true
	}
	v.Features = map[string]interface{}{"overrideId": entry.ID}
	if entry.Reason != "" {
		v.Features["reason"] = entry.Reason
	}

	agg := &AggregateVerdict{Verdict: *v, CheckedAt: time.Now().UTC()}
	metrics.AggregateVerdictsTotal.WithLabelValues(string(agg.RiskLevel)).Inc()
	return agg
}

// categoryFromReason reads a category tag out of a block rule's reason.
// Untagged blocks fall back to SCAM.
func categoryFromReason(reason string) Category {
	switch c := Category(strings.ToUpper(strings.TrimSpace(reason))); c {
	case CategoryScam, CategorySpam, CategoryRobocall, CategoryTelemarketing,
		CategoryDebtCollection, CategorySurvey:
		return c
	}
	return CategoryScam
}
