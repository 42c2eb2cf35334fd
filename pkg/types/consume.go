package types

type ConsumeStatus string

const (
	ConsumeAllowed ConsumeStatus = "ALLOWED"
	ConsumeDenied  ConsumeStatus = "DENIED"
)

type ConsumeRequest struct {
	Ticket   string         `json:"ticket"`
	ToolName string         `json:"tool_name"`
	AgentID  string         `json:"agent_id,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
}

type ConsumeResponse struct {
	Status ConsumeStatus `json:"status"`
	Reason string        `json:"reason"`
	Tool   string        `json:"tool"`
	JTI    string        `json:"jti,omitempty"`
}
