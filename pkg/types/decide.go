// Package types holds the JSON wire types shared by the gateway and the CLI.
package types

type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictDeny  Verdict = "DENY"
)

type DecideRequest struct {
	ToolName  string         `json:"tool_name"`
	AgentID   string         `json:"agent_id,omitempty"`
	Signals   map[string]any `json:"signals"`
	Args      map[string]any `json:"args,omitempty"`
	Persona   string         `json:"persona,omitempty"`
	Principal string         `json:"principal,omitempty"`
	Action    string         `json:"action,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	ActingAs  string         `json:"acting_as,omitempty"`
}

type DecideResponse struct {
	Decision       Verdict `json:"decision"`
	Reason         string  `json:"reason"`
	IntegrityScore float64 `json:"integrity_score"`
	Threshold      float64 `json:"threshold"`
	Ticket         string  `json:"ticket,omitempty"`
	JTI            string  `json:"jti,omitempty"`
	ExpiresIn      int     `json:"expires_in,omitempty"`
	Persona        string  `json:"persona"`
	RuleID         string  `json:"rule_id,omitempty"`
}
