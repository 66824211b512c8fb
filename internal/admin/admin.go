// Package admin provides operator endpoints for runtime reconfiguration and
// inspection: provider toggles and weights, override rules, session state,
// and manual sweeps.
package admin

// ProviderPatch mutates a provider's runtime parameters. Nil fields are
// left unchanged.
type ProviderPatch struct {
	Enabled *bool    `json:"enabled"`
	Weight  *float64 `json:"weight"`
}

// OverrideRequest creates an operator rule for a number.
type OverrideRequest struct {
	PhoneNumber string `json:"phoneNumber" binding:"required"`
	Action      string `json:"action" binding:"required"`
	Reason      string `json:"reason"`
	CreatedBy   string `json:"createdBy"`
	TTLSeconds  int    `json:"ttlSeconds"`
}

// SweepRequest overrides the default age cutoff for a manual sweep.
type SweepRequest struct {
	MaxAgeSeconds int `json:"maxAgeSeconds"`
}
