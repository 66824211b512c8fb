package providers

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	lookups "github.com/twilio/twilio-go/rest/lookups/v2"
)

// TwilioProvider scores numbers using Twilio Lookup line type
// intelligence. It has no scam database of its own; it infers risk from
// what kind of line the number is. Burner-friendly line types (VoIP,
// premium) score into the MEDIUM band, ordinary subscriber lines score
// near zero, and numbers Twilio cannot validate at all score HIGH.
type TwilioProvider struct {
	name   string
	client *twilio.RestClient
}

// NewTwilioProvider creates a Lookup-backed provider using an API key
// SID and secret (or account SID and auth token).
func NewTwilioProvider(name, accountSID, authToken string) *TwilioProvider {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioProvider{name: name, client: client}
}

// Name returns the registered provider name.
func (p *TwilioProvider) Name() string { return p.name }

// Evaluate fetches line type intelligence for the number. The Twilio
// SDK does not take a context, so the call runs in its own goroutine
// and Evaluate returns as soon as the deadline passes; a late response
// is discarded.
func (p *TwilioProvider) Evaluate(ctx context.Context, number string) (*Verdict, error) {
	type result struct {
		resp *lookups.LookupsV2PhoneNumber
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		params := &lookups.FetchPhoneNumberParams{}
		params.SetFields("line_type_intelligence")
		resp, err := p.client.LookupsV2.FetchPhoneNumber(number, params)
		ch <- result{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("lookup failed: %w", r.err)
		}
		if r.resp == nil {
			return nil, fmt.Errorf("lookup returned no data")
		}
		return verdictFromLookup(p.name, number, r.resp), nil
	}
}

// verdictFromLookup maps a Lookup response onto a verdict.
func verdictFromLookup(provider, number string, resp *lookups.LookupsV2PhoneNumber) *Verdict {
	if resp.Valid != nil && !*resp.Valid {
		v := newVerdict(provider, number, 0.8, CategoryScam, ConfidenceHigh)
		v.Features = map[string]interface{}{"valid": false}
		return v
	}

	lineType := lookupLineType(resp)
	score, category := scoreLineType(lineType)
	confidence := ConfidenceMedium
	if category == CategoryUnknown {
		confidence = ConfidenceLow
	}

	v := newVerdict(provider, number, score, category, confidence)
	if lineType != "" {
		v.Features = map[string]interface{}{"lineType": lineType}
	}
	return v
}

// lookupLineType digs the line type out of the untyped intelligence
// blob. Every level can be absent depending on the number's country.
func lookupLineType(resp *lookups.LookupsV2PhoneNumber) string {
	if resp.LineTypeIntelligence == nil {
		return ""
	}
	blob, ok := (*resp.LineTypeIntelligence).(map[string]interface{})
	if !ok {
		return ""
	}
	lineType, ok := blob["type"].(string)
	if !ok {
		return ""
	}
	return lineType
}

// scoreLineType converts a Twilio line type into a risk score.
func scoreLineType(lineType string) (float64, Category) {
	switch lineType {
	case "nonFixedVoip":
		return 0.6, CategorySpam
	case "premium", "sharedCost":
		return 0.7, CategorySpam
	case "tollFree":
		return 0.35, CategoryTelemarketing
	case "mobile", "landline", "fixedVoip", "personal", "uan":
		return 0.1, CategoryLegitimate
	case "":
		// No intelligence for this number's region.
		return 0.2, CategoryUnknown
	default:
		// voicemail, pager, unknown
		return 0.5, CategoryUnknown
	}
}
