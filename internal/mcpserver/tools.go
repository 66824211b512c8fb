package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Callshield MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckNumber = mcp.NewTool("check_number",
	mcp.WithDescription(
		"Check a phone number against scam-intelligence providers before a call. "+
			"Returns the risk level (LOW/MEDIUM/HIGH), recommended action (allow/block), "+
			"the scam category if known, and which providers responded. "+
			"Operator block/allow rules take precedence over provider scores."),
	mcp.WithString("phone_number",
		mcp.Required(),
		mcp.Description("The number to check, in E.164 format (e.g. '+14155551234')")),
)

var ToolGetSession = mcp.NewTool("get_session",
	mcp.WithDescription(
		"Look up a call protection session by its token. "+
			"Shows the session status, the highest risk seen during the call, "+
			"and how many analysis results, transcripts, and warnings it collected."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session token from session creation (e.g. 'sess_a1b2...')")),
)

var ToolListHistory = mcp.NewTool("list_history",
	mcp.WithDescription(
		"List finished protected calls, newest first. "+
			"Each record shows the masked number, risk level, duration, and whether "+
			"the call was auto-blocked. Requires the admin key."),
	mcp.WithString("phone_number",
		mcp.Description("Filter records to one number (E.164)")),
	mcp.WithString("risk_level",
		mcp.Description("Filter by risk level"),
		mcp.Enum("LOW", "MEDIUM", "HIGH")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 20)")),
)

var ToolListOverrides = mcp.NewTool("list_overrides",
	mcp.WithDescription(
		"List the operator block/allow rules currently in force, newest first. "+
			"Requires the admin key."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of rules to return (default 50)")),
)

var ToolBlockNumber = mcp.NewTool("block_number",
	mcp.WithDescription(
		"Add an operator block rule for a phone number. Every future check of "+
			"this number reports HIGH risk with auto-reject until the rule is "+
			"removed or expires. Requires the admin key."),
	mcp.WithString("phone_number",
		mcp.Required(),
		mcp.Description("The number to block, in E.164 format")),
	mcp.WithString("reason",
		mcp.Description("Why the number is blocked (e.g. 'SCAM', 'ROBOCALL', or free text)")),
	mcp.WithNumber("ttl_seconds",
		mcp.Description("Seconds until the rule lapses on its own. Omit for a permanent rule.")),
)

var ToolAllowNumber = mcp.NewTool("allow_number",
	mcp.WithDescription(
		"Add an operator allow rule for a phone number, so checks report it as "+
			"safe regardless of provider scores. Use for known-good callers that "+
			"vendors misclassify. Requires the admin key."),
	mcp.WithString("phone_number",
		mcp.Required(),
		mcp.Description("The number to allow, in E.164 format")),
	mcp.WithString("reason",
		mcp.Description("Why the number is trusted")),
	mcp.WithNumber("ttl_seconds",
		mcp.Description("Seconds until the rule lapses on its own. Omit for a permanent rule.")),
)

var ToolRemoveOverride = mcp.NewTool("remove_override",
	mcp.WithDescription(
		"Remove an operator block/allow rule by its id. "+
			"The id comes from list_overrides or from a block_number/allow_number result. "+
			"Requires the admin key."),
	mcp.WithString("override_id",
		mcp.Required(),
		mcp.Description("The rule id (e.g. 'ovr_a1b2...')")),
)
