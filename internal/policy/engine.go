package policy

import (
	"fmt"
	"strings"
)

type Input struct {
	Tool string
}

type Decision struct {
	Mode          string
	BaseThreshold float64
	TTLSeconds    int
	Reason        string
	MatchedRuleID string
	ReasonCodes   []string
	PolicyID      string
	PolicyVersion string
	PolicyHash    string
}

// Evaluate applies the first matching rule to input, otherwise defaults.
func Evaluate(p Policy, policyHash string, input Input) Decision {
	decision := Decision{
		Mode:          ModeAllow,
		BaseThreshold: DefaultBaseThreshold,
		TTLSeconds:    p.Defaults.TTLSeconds,
		PolicyID:      p.PolicyID,
		PolicyVersion: p.PolicyVersion,
		PolicyHash:    policyHash,
	}
	if p.Defaults.Mode != "" {
		decision.Mode = p.Defaults.Mode
	}
	if p.Defaults.BaseThreshold != nil {
		decision.BaseThreshold = *p.Defaults.BaseThreshold
	}

	for _, rule := range p.Rules {
		if !matchTool(rule.Match.Tool, input.Tool) {
			continue
		}

		decision.MatchedRuleID = rule.ID
		decision.ReasonCodes = append(decision.ReasonCodes, "POLICY_MATCH:"+rule.ID)

		if rule.Effect.Mode != "" {
			decision.Mode = rule.Effect.Mode
		}
		if rule.Effect.BaseThreshold != nil {
			decision.BaseThreshold = *rule.Effect.BaseThreshold
		}
		if rule.Effect.TTLSeconds != nil {
			decision.TTLSeconds = *rule.Effect.TTLSeconds
		}
		if rule.Effect.Reason != "" {
			decision.Reason = rule.Effect.Reason
		}
		return decision
	}

	return decision
}

func matchTool(pattern, tool string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(tool, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == tool
	}
}

// Validate reports the first structural problem in p.
func Validate(p Policy) error {
	if p.PolicyID == "" {
		return fmt.Errorf("policy_id is required")
	}
	if err := validMode(p.Defaults.Mode, true); err != nil {
		return fmt.Errorf("defaults.mode: %w", err)
	}
	if err := validThreshold(p.Defaults.BaseThreshold); err != nil {
		return fmt.Errorf("defaults.base_threshold: %w", err)
	}
	if p.Defaults.TTLSeconds < 0 {
		return fmt.Errorf("defaults.ttl_seconds must be >= 0")
	}

	seen := map[string]struct{}{}
	for i, rule := range p.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rules[%d].id is required", i)
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = struct{}{}
		if err := validMode(rule.Effect.Mode, true); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if err := validThreshold(rule.Effect.BaseThreshold); err != nil {
			return fmt.Errorf("rule %s: base_threshold: %w", rule.ID, err)
		}
		if rule.Effect.TTLSeconds != nil && *rule.Effect.TTLSeconds < 0 {
			return fmt.Errorf("rule %s: ttl_seconds must be >= 0", rule.ID)
		}
		if strings.Contains(strings.TrimSuffix(rule.Match.Tool, "*"), "*") {
			return fmt.Errorf("rule %s: only a trailing \"*\" wildcard is supported", rule.ID)
		}
	}

	for name, strictness := range p.Personas {
		if strictness < 0 || strictness > 1 {
			return fmt.Errorf("persona %s: strictness must be within [0,1]", name)
		}
	}
	return nil
}

func validMode(mode string, allowEmpty bool) error {
	switch mode {
	case ModeAllow, ModeDeny, ModeHumanApproval:
		return nil
	case "":
		if allowEmpty {
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", mode)
}

func validThreshold(v *float64) error {
	if v == nil {
		return nil
	}
	if *v < 0 || *v > 1 {
		return fmt.Errorf("must be within [0,1]")
	}
	return nil
}
