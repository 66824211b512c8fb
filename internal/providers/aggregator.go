package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/callshield/internal/circuitbreaker"
	"github.com/mbd888/callshield/internal/logging"
	"github.com/mbd888/callshield/internal/metrics"
	"github.com/mbd888/callshield/internal/traces"
)

// Breaker tuning: a vendor is skipped after breakerThreshold
// consecutive failures and probed again after breakerOpenFor.
const (
	breakerThreshold = 3
	breakerOpenFor   = 30 * time.Second
)

// errCircuitOpen marks a vendor skipped without being queried.
var errCircuitOpen = errors.New("circuit open")

// Aggregator fans a number check out to every enabled provider and
// combines the responses into one verdict.
type Aggregator struct {
	mu      sync.RWMutex
	order   []string // registration order, stable across upserts
	regs    map[string]*Registration
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewAggregator creates an aggregator with no providers registered.
func NewAggregator(logger *slog.Logger) *Aggregator {
	return &Aggregator{
		regs:    make(map[string]*Registration),
		breaker: circuitbreaker.New(breakerThreshold, breakerOpenFor),
		logger:  logger,
	}
}

// Register adds a provider. Registering a name again replaces its
// parameters but keeps its original position, so category tie-breaks
// stay stable across reconfiguration.
func (a *Aggregator) Register(reg Registration) error {
	if reg.Provider == nil {
		return fmt.Errorf("providers: nil provider")
	}
	if reg.Weight < 0 {
		return ErrInvalidWeight
	}
	reg.Name = reg.Provider.Name()
	if reg.Timeout <= 0 {
		reg.Timeout = DefaultTimeout
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.regs[reg.Name]; !ok {
		a.order = append(a.order, reg.Name)
	}
	a.regs[reg.Name] = &reg
	return nil
}

// SetEnabled toggles a provider without losing its registration.
// Re-enabling also resets the provider's breaker so it is queried
// immediately instead of sitting out a residual open window.
func (a *Aggregator) SetEnabled(name string, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	reg, ok := a.regs[name]
	if !ok {
		return ErrNotRegistered
	}
	if enabled && !reg.Enabled {
		a.breaker.Reset(name)
	}
	reg.Enabled = enabled
	return nil
}

// SetWeight adjusts a provider's share of the aggregate score.
func (a *Aggregator) SetWeight(name string, weight float64) error {
	if weight < 0 {
		return ErrInvalidWeight
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	reg, ok := a.regs[name]
	if !ok {
		return ErrNotRegistered
	}
	reg.Weight = weight
	return nil
}

// List returns all registrations in registration order.
func (a *Aggregator) List() []Registration {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Registration, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, *a.regs[name])
	}
	return out
}

// ProviderStatus is one provider's registration plus its breaker state,
// as reported on the admin surface.
type ProviderStatus struct {
	Name         string  `json:"name"`
	Enabled      bool    `json:"enabled"`
	Weight       float64 `json:"weight"`
	Priority     int     `json:"priority"`
	Timeout      string  `json:"timeout"`
	BreakerState string  `json:"breakerState"`
}

// Status reports every registration with its current breaker state, in
// registration order.
func (a *Aggregator) Status() []ProviderStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(a.order))
	for _, name := range a.order {
		reg := a.regs[name]
		out = append(out, ProviderStatus{
			Name:         reg.Name,
			Enabled:      reg.Enabled,
			Weight:       reg.Weight,
			Priority:     reg.Priority,
			Timeout:      reg.Timeout.String(),
			BreakerState: a.breaker.State(reg.Name).String(),
		})
	}
	return out
}

// snapshot is a provider's parameters frozen for one query.
type snapshot struct {
	provider Provider
	name     string
	weight   float64
	priority int
	timeout  time.Duration
}

// outcome is what one provider goroutine produced.
type outcome struct {
	verdict  *Verdict
	err      error
	latency  time.Duration
	panicked bool
}

// Query checks a number against every enabled provider concurrently and
// aggregates the responses. Each provider is bounded by its own
// timeout, so the whole call takes at most the largest single timeout,
// not the sum. Query never fails: with no usable responses it returns
// the fail-open verdict (LOW, UNKNOWN, allow).
func (a *Aggregator) Query(ctx context.Context, number string) *AggregateVerdict {
	a.mu.RLock()
	snaps := make([]snapshot, 0, len(a.order))
	for _, name := range a.order {
		reg := a.regs[name]
		if !reg.Enabled {
			continue
		}
		snaps = append(snaps, snapshot{
			provider: reg.Provider,
			name:     reg.Name,
			weight:   reg.Weight,
			priority: reg.Priority,
			timeout:  reg.Timeout,
		})
	}
	a.mu.RUnlock()

	agg := &AggregateVerdict{
		Verdict: Verdict{
			PhoneNumber: number,
			RiskLevel:   RiskLow,
			Confidence:  ConfidenceUnknown,
			Action:      ActionAllow,
			Category:    CategoryUnknown,
			Provider:    AggregateProvider,
		},
		CheckedAt: time.Now().UTC(),
	}
	if len(snaps) == 0 {
		metrics.AggregateVerdictsTotal.WithLabelValues(string(agg.RiskLevel)).Inc()
		return agg
	}

	outcomes := make([]outcome, len(snaps))
	var wg sync.WaitGroup
	for i, s := range snaps {
		if !a.breaker.Allow(s.name) {
			outcomes[i] = outcome{err: errCircuitOpen}
			continue
		}

		wg.Add(1)
		go func(i int, s snapshot) {
			defer wg.Done()
			start := time.Now()
			defer func() {
				outcomes[i].latency = time.Since(start)
				metrics.ProviderQueryDuration.WithLabelValues(s.name).Observe(outcomes[i].latency.Seconds())
				if r := recover(); r != nil {
					outcomes[i].verdict = nil
					outcomes[i].err = fmt.Errorf("%v", r)
					outcomes[i].panicked = true
				}
			}()

			cctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			cctx, span := traces.StartSpan(cctx, "provider.evaluate", traces.Provider(s.name))
			defer span.End()

			v, err := s.provider.Evaluate(cctx, number)
			outcomes[i].verdict = v
			outcomes[i].err = err
		}(i, s)
	}
	wg.Wait()

	// Partition responders from exclusions, keeping registration order.
	var (
		priorities []int
		anyReject  bool
	)
	for i, o := range outcomes {
		s := snaps[i]
		switch {
		case errors.Is(o.err, errCircuitOpen):
			a.exclude(agg, s.name, ExcludeCircuitOpen, "breaker open", number)
		case o.panicked:
			a.breaker.RecordFailure(s.name)
			a.exclude(agg, s.name, ExcludePanic, o.err.Error(), number)
		case o.err != nil:
			a.breaker.RecordFailure(s.name)
			cause := ExcludeError
			if errors.Is(o.err, context.DeadlineExceeded) {
				cause = ExcludeTimeout
			}
			a.exclude(agg, s.name, cause, o.err.Error(), number)
		case o.verdict == nil:
			a.breaker.RecordFailure(s.name)
			a.exclude(agg, s.name, ExcludeError, "empty verdict", number)
		default:
			a.breaker.RecordSuccess(s.name)
			category := o.verdict.Category
			if category == "" {
				category = CategoryUnknown
			}
			agg.Responders = append(agg.Responders, s.name)
			agg.Contributions = append(agg.Contributions, Contribution{
				Provider:   s.name,
				Score:      clamp01(o.verdict.Score),
				Category:   category,
				Weight:     s.weight,
				AutoReject: o.verdict.AutoReject,
				LatencyMs:  o.latency.Milliseconds(),
			})
			priorities = append(priorities, s.priority)
			if o.verdict.AutoReject {
				anyReject = true
			}
		}
	}

	if len(agg.Responders) == 0 {
		// Fail open: no data is not the same as a bad number.
		metrics.AggregateVerdictsTotal.WithLabelValues(string(agg.RiskLevel)).Inc()
		a.logger.Warn("no providers responded, failing open",
			"number", logging.MaskNumber(number),
			"excluded", len(agg.Exclusions),
		)
		return agg
	}

	agg.Score = combine(agg.Contributions)
	agg.RiskLevel = levelFor(agg.Score)
	agg.Confidence = confidenceFor(len(agg.Responders))
	agg.Category = pickCategory(agg.Contributions, priorities)
	if agg.RiskLevel == RiskHigh {
		agg.Action = ActionBlock
		agg.AutoReject = anyReject
	}

	metrics.AggregateVerdictsTotal.WithLabelValues(string(agg.RiskLevel)).Inc()
	a.logger.Debug("number check aggregated",
		"number", logging.MaskNumber(number),
		"score", agg.Score,
		"riskLevel", agg.RiskLevel,
		"responders", len(agg.Responders),
		"excluded", len(agg.Exclusions),
	)
	return agg
}

// exclude drops one vendor from the aggregate and records why.
func (a *Aggregator) exclude(agg *AggregateVerdict, name, cause, detail, number string) {
	agg.Exclusions = append(agg.Exclusions, Exclusion{Provider: name, Cause: cause, Detail: detail})
	metrics.ProviderExclusionsTotal.WithLabelValues(name, cause).Inc()
	a.logger.Warn("provider excluded from aggregate",
		"provider", name,
		"cause", cause,
		"detail", detail,
		"number", logging.MaskNumber(number),
	)
}

// combine computes the weighted mean over the responders, renormalized
// so absent vendors do not drag the score toward zero. When every
// responder has weight zero it falls back to a plain mean.
func combine(contributions []Contribution) float64 {
	var weightSum, weighted float64
	for _, c := range contributions {
		weightSum += c.Weight
		weighted += c.Weight * c.Score
	}
	if weightSum > 0 {
		return weighted / weightSum
	}

	var sum float64
	for _, c := range contributions {
		sum += c.Score
	}
	return sum / float64(len(contributions))
}

// pickCategory selects the category from the responder with the lowest
// priority value. Ties keep the earliest-registered responder.
func pickCategory(contributions []Contribution, priorities []int) Category {
	best := 0
	for i := 1; i < len(contributions); i++ {
		if priorities[i] < priorities[best] {
			best = i
		}
	}
	return contributions[best].Category
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
