package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckNumber runs the pre-call risk check.
func (h *Handlers) HandleCheckNumber(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	number := req.GetString("phone_number", "")
	if number == "" {
		return mcp.NewToolResultError("phone_number is required"), nil
	}

	raw, err := h.client.CheckNumber(ctx, number)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Check failed: %v", err)), nil
	}

	text, err := formatVerdict(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verdict: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetSession looks up a session summary.
func (h *Handlers) HandleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
	}

	text, err := formatSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListHistory lists finished call records.
func (h *Handlers) HandleListHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	number := req.GetString("phone_number", "")
	riskLevel := req.GetString("risk_level", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListHistory(ctx, number, riskLevel, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListOverrides lists the operator rules in force.
func (h *Handlers) HandleListOverrides(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListOverrides(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list overrides: %v", err)), nil
	}

	text, err := formatOverrideList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse overrides: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleBlockNumber adds a block rule.
func (h *Handlers) HandleBlockNumber(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.setOverride(ctx, req, "block")
}

// HandleAllowNumber adds an allow rule.
func (h *Handlers) HandleAllowNumber(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.setOverride(ctx, req, "allow")
}

func (h *Handlers) setOverride(ctx context.Context, req mcp.CallToolRequest, action string) (*mcp.CallToolResult, error) {
	number := req.GetString("phone_number", "")
	if number == "" {
		return mcp.NewToolResultError("phone_number is required"), nil
	}
	reason := req.GetString("reason", "")
	ttl := req.GetInt("ttl_seconds", 0)

	raw, err := h.client.SetOverride(ctx, number, action, reason, ttl)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to set rule: %v", err)), nil
	}

	id, err := extractOverrideID(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rule: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Rule created: %s %s\n", action, number)
	fmt.Fprintf(&sb, "Rule ID: %s\n", id)
	if reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", reason)
	}
	if ttl > 0 {
		fmt.Fprintf(&sb, "Expires in: %s\n", (time.Duration(ttl) * time.Second).String())
	} else {
		sb.WriteString("Expires: never (remove with remove_override)\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRemoveOverride deletes a rule by id.
func (h *Handlers) HandleRemoveOverride(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	overrideID := req.GetString("override_id", "")
	if overrideID == "" {
		return mcp.NewToolResultError("override_id is required"), nil
	}

	if _, err := h.client.RemoveOverride(ctx, overrideID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to remove rule: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Rule %s removed.", overrideID)), nil
}

// --- Formatting helpers ---

func formatVerdict(raw json.RawMessage) (string, error) {
	var v struct {
		RiskLevel  string   `json:"riskLevel"`
		Confidence string   `json:"confidence"`
		Action     string   `json:"action"`
		AutoReject bool     `json:"autoReject"`
		Category   string   `json:"category"`
		Score      float64  `json:"score"`
		Responders []string `json:"responders"`
		Exclusions []struct {
			Provider string `json:"provider"`
			Cause    string `json:"cause"`
		} `json:"exclusions"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk: %s (score %.2f, confidence %s)\n", v.RiskLevel, v.Score, v.Confidence)
	fmt.Fprintf(&sb, "Recommended action: %s", v.Action)
	if v.AutoReject {
		sb.WriteString(" (auto-reject)")
	}
	sb.WriteString("\n")
	if v.Category != "" && v.Category != "UNKNOWN" {
		fmt.Fprintf(&sb, "Category: %s\n", formatCategory(v.Category))
	}
	if len(v.Responders) > 0 {
		fmt.Fprintf(&sb, "Sources: %s\n", strings.Join(v.Responders, ", "))
	}
	for _, e := range v.Exclusions {
		fmt.Fprintf(&sb, "Source unavailable: %s (%s)\n", e.Provider, e.Cause)
	}
	return sb.String(), nil
}

// formatCategory turns wire categories into readable labels.
func formatCategory(c string) string {
	switch c {
	case "OVERRIDE_BLOCK":
		return "blocked by operator rule"
	case "OVERRIDE_ALLOW":
		return "allowed by operator rule"
	default:
		return strings.ToLower(strings.ReplaceAll(c, "_", " "))
	}
}

func formatSession(raw json.RawMessage) (string, error) {
	var resp struct {
		Session struct {
			SessionID   string     `json:"sessionId"`
			Number      string     `json:"number"`
			Status      string     `json:"status"`
			CloseCause  string     `json:"closeCause"`
			HighestRisk string     `json:"highestRisk"`
			Results     int        `json:"results"`
			Transcripts int        `json:"transcripts"`
			Warnings    int        `json:"warnings"`
			CreatedAt   time.Time  `json:"createdAt"`
			ClosedAt    *time.Time `json:"closedAt"`
		} `json:"session"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	s := resp.Session
	if s.SessionID == "" {
		return "", fmt.Errorf("unexpected session response format")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s\n", s.SessionID)
	fmt.Fprintf(&sb, "  Number: %s\n", s.Number)
	fmt.Fprintf(&sb, "  Status: %s", s.Status)
	if s.CloseCause != "" {
		fmt.Fprintf(&sb, " (%s)", s.CloseCause)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Highest risk: %s\n", s.HighestRisk)
	fmt.Fprintf(&sb, "  Collected: %d results, %d transcripts, %d warnings\n",
		s.Results, s.Transcripts, s.Warnings)
	fmt.Fprintf(&sb, "  Started: %s\n", s.CreatedAt.Format(time.RFC3339))
	if s.ClosedAt != nil {
		fmt.Fprintf(&sb, "  Ended: %s (%s)\n",
			s.ClosedAt.Format(time.RFC3339),
			s.ClosedAt.Sub(s.CreatedAt).Round(time.Second))
	}
	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		Records []struct {
			ID          string    `json:"id"`
			Number      string    `json:"number"`
			RiskLevel   string    `json:"riskLevel"`
			AutoBlocked bool      `json:"autoBlocked"`
			CloseCause  string    `json:"closeCause"`
			DurationMs  int64     `json:"durationMs"`
			StartedAt   time.Time `json:"startedAt"`
		} `json:"records"`
		HasMore bool `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected history response format")
	}

	if len(resp.Records) == 0 {
		return "No call records found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d call record(s):\n\n", len(resp.Records))
	for i, r := range resp.Records {
		dur := (time.Duration(r.DurationMs) * time.Millisecond).Round(time.Second)
		fmt.Fprintf(&sb, "%d. %s  risk %s", i+1, r.Number, r.RiskLevel)
		if r.AutoBlocked {
			sb.WriteString("  [auto-blocked]")
		}
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "   %s, lasted %s, ended by %s\n",
			r.StartedAt.Format("2006-01-02 15:04"), dur, r.CloseCause)
		fmt.Fprintf(&sb, "   Record: %s\n", r.ID)
		if i < len(resp.Records)-1 {
			sb.WriteString("\n")
		}
	}
	if resp.HasMore {
		sb.WriteString("\nMore records available; raise limit or filter by number.")
	}
	return sb.String(), nil
}

func formatOverrideList(raw json.RawMessage) (string, error) {
	var resp struct {
		Overrides []struct {
			ID        string    `json:"id"`
			Number    string    `json:"number"`
			Action    string    `json:"action"`
			Reason    string    `json:"reason"`
			CreatedBy string    `json:"createdBy"`
			ExpiresAt time.Time `json:"expiresAt"`
		} `json:"overrides"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected overrides response format")
	}

	if len(resp.Overrides) == 0 {
		return "No operator rules in force.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d rule(s) in force:\n\n", len(resp.Overrides))
	for i, o := range resp.Overrides {
		fmt.Fprintf(&sb, "%d. %s %s", i+1, o.Action, o.Number)
		if o.Reason != "" {
			fmt.Fprintf(&sb, " (%s)", o.Reason)
		}
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "   ID: %s", o.ID)
		if o.CreatedBy != "" {
			fmt.Fprintf(&sb, ", by %s", o.CreatedBy)
		}
		if !o.ExpiresAt.IsZero() {
			fmt.Fprintf(&sb, ", expires %s", o.ExpiresAt.Format(time.RFC3339))
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func extractOverrideID(raw json.RawMessage) (string, error) {
	var resp struct {
		Override struct {
			ID string `json:"id"`
		} `json:"override"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Override.ID == "" {
		return "", fmt.Errorf("no rule ID in response: %s", string(raw))
	}
	return resp.Override.ID, nil
}
