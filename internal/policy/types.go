package policy

// Tool modes.
const (
	ModeAllow         = "allow"
	ModeDeny          = "deny"
	ModeHumanApproval = "human_approval"
)

// DefaultBaseThreshold applies when neither the defaults nor a rule set one.
const DefaultBaseThreshold = 0.5

type Policy struct {
	PolicyID      string             `yaml:"policy_id"`
	PolicyVersion string             `yaml:"policy_version"`
	Defaults      PolicyDefaults     `yaml:"defaults"`
	Rules         []PolicyRule       `yaml:"rules"`
	Personas      map[string]float64 `yaml:"personas"`
}

type PolicyDefaults struct {
	Mode          string   `yaml:"mode"`
	BaseThreshold *float64 `yaml:"base_threshold"`
	TTLSeconds    int      `yaml:"ttl_seconds"`
}

type PolicyRule struct {
	ID     string       `yaml:"id"`
	Match  PolicyMatch  `yaml:"match"`
	Effect PolicyEffect `yaml:"effect"`
}

// PolicyMatch selects tools by exact name, "*" or a class prefix such as
// "shell.*".
type PolicyMatch struct {
	Tool string `yaml:"tool"`
}

type PolicyEffect struct {
	Mode          string   `yaml:"mode"`
	BaseThreshold *float64 `yaml:"base_threshold"`
	TTLSeconds    *int     `yaml:"ttl_seconds"`
	Reason        string   `yaml:"reason"`
}
