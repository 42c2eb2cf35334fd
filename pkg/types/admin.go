package types

import "encoding/json"

// ErrorResponse is returned whenever no typed response body applies.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type AuditEvent struct {
	Sequence  int64           `json:"sequence"`
	CreatedAt string          `json:"created_at"`
	Type      string          `json:"type"`
	AgentID   string          `json:"agent_id,omitempty"`
	JTI       string          `json:"jti,omitempty"`
	Decision  string          `json:"decision,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Body      json.RawMessage `json:"body"`
	PrevHash  string          `json:"prev_hash"`
	RowHash   string          `json:"row_hash"`
}

type AuditListResponse struct {
	Events []AuditEvent `json:"events"`
	Count  int          `json:"count"`
}

type ChainVerifyResponse struct {
	Valid     bool   `json:"valid"`
	Checked   int    `json:"checked"`
	BadLinks  int    `json:"bad_links"`
	BadHashes int    `json:"bad_hashes"`
	FirstBad  *int64 `json:"first_bad_sequence,omitempty"`
	TailHash  string `json:"tail_hash,omitempty"`
}

type ExplainResponse struct {
	JTI   string     `json:"jti"`
	Event AuditEvent `json:"event"`
}

type LockdownRequest struct {
	Enabled bool `json:"enabled"`
}

type LockdownResponse struct {
	KillSwitch bool `json:"kill_switch"`
}

type AuthzGrantRequest struct {
	Principal string `json:"principal"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	ActingAs  string `json:"acting_as,omitempty"`
	Effect    string `json:"effect"`
	Note      string `json:"note,omitempty"`
}

type AuthzRevokeResponse struct {
	ID      string `json:"id"`
	Revoked bool   `json:"revoked"`
}

type HealthResponse struct {
	Status     string `json:"status"`
	Ledger     string `json:"ledger"`
	Replay     string `json:"replay"`
	Authz      string `json:"authz"`
	KillSwitch bool   `json:"kill_switch"`
	PolicyHash string `json:"policy_hash"`
}
