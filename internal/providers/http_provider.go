package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const maxVendorResponse = 1 << 20 // 1MB

// HTTPProvider queries a generic JSON reputation API. The vendor
// receives {"phoneNumber": "+1..."} and answers with a score plus an
// optional category, confidence, auto-reject flag, and feature map.
// The risk band and action are derived locally from the score, so
// vendors cannot vote outside our thresholds.
type HTTPProvider struct {
	name   string
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPProvider creates a provider for a JSON reputation endpoint.
// The client carries no timeout of its own; the per-query deadline
// arrives through the Evaluate context.
func NewHTTPProvider(name, url, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		name:   name,
		url:    url,
		apiKey: apiKey,
		client: &http.Client{},
	}
}

// Name returns the registered provider name.
func (p *HTTPProvider) Name() string { return p.name }

// checkRequest is the wire payload sent to the vendor.
type checkRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

// checkResponse is the vendor's answer. Missing fields keep their zero
// values: an absent score reads as 0.0 (safe), an absent category as
// uncategorized.
type checkResponse struct {
	Score      float64                `json:"score"`
	Category   string                 `json:"category"`
	Confidence string                 `json:"confidence"`
	AutoReject bool                   `json:"autoReject"`
	Features   map[string]interface{} `json:"features"`
}

// Evaluate posts the number to the vendor and parses the verdict.
func (p *HTTPProvider) Evaluate(ctx context.Context, number string) (*Verdict, error) {
	body, err := json.Marshal(checkRequest{PhoneNumber: number})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vendor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 512)
		return nil, fmt.Errorf("vendor returned HTTP %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxVendorResponse)
	var parsed checkResponse
	if err := json.NewDecoder(limited).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	category := Category(parsed.Category)
	if category == "" {
		category = CategoryUnknown
	}
	confidence := Confidence(parsed.Confidence)
	if confidence == "" {
		confidence = ConfidenceUnknown
	}

	v := newVerdict(p.name, number, clamp01(parsed.Score), category, confidence)
	v.AutoReject = parsed.AutoReject
	v.Features = parsed.Features
	return v, nil
}
