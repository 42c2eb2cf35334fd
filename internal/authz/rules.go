// Package authz evaluates principal/action/resource/acting_as rules with
// exact or wildcard patterns. The most specific matching rule wins.
package authz

import (
	"errors"
	"fmt"
	"strings"
)

const Wildcard = "*"

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Check reasons.
const (
	ReasonMissingPrincipal = "missing_principal"
	ReasonMissingAction    = "missing_action"
	ReasonMissingResource  = "missing_resource"
	ReasonRuleAllow        = "rule_allow"
	ReasonRuleDeny         = "rule_deny"
	ReasonDefaultAllow     = "default_allow"
	ReasonDefaultDeny      = "default_deny"
)

var ErrInvalidRule = errors.New("invalid rule")

type Rule struct {
	ID        string `json:"id"`
	Principal string `json:"principal"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	ActingAs  string `json:"acting_as,omitempty"`
	Effect    Effect `json:"effect"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
}

// RuleSet is the persisted, versioned rule list. Rules are kept in
// insertion order.
type RuleSet struct {
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at"`
	Rules     []Rule `json:"rules"`
}

type Request struct {
	Principal string `json:"principal"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	ActingAs  string `json:"acting_as,omitempty"`
}

type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Rule    *Rule  `json:"rule,omitempty"`
	Score   int    `json:"score,omitempty"`
}

// Normalize trims every field and lower-cases the action.
func (r Request) Normalize() Request {
	return Request{
		Principal: strings.TrimSpace(r.Principal),
		Action:    strings.ToLower(strings.TrimSpace(r.Action)),
		Resource:  strings.TrimSpace(r.Resource),
		ActingAs:  strings.TrimSpace(r.ActingAs),
	}
}

// Normalize applies request normalisation to the rule patterns and fills
// the default effect.
func (r Rule) Normalize() Rule {
	r.Principal = strings.TrimSpace(r.Principal)
	r.Action = strings.ToLower(strings.TrimSpace(r.Action))
	r.Resource = strings.TrimSpace(r.Resource)
	r.ActingAs = strings.TrimSpace(r.ActingAs)
	r.Effect = Effect(strings.ToLower(strings.TrimSpace(string(r.Effect))))
	if r.Effect == "" {
		r.Effect = EffectAllow
	}
	if r.ActingAs == Wildcard {
		r.ActingAs = ""
	}
	return r
}

func (r Rule) Validate() error {
	if r.Principal == "" {
		return fmt.Errorf("%w: principal is required", ErrInvalidRule)
	}
	if r.Action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidRule)
	}
	if r.Resource == "" {
		return fmt.Errorf("%w: resource is required", ErrInvalidRule)
	}
	if r.Effect != EffectAllow && r.Effect != EffectDeny {
		return fmt.Errorf("%w: unknown effect %q", ErrInvalidRule, r.Effect)
	}
	return nil
}

// ParseEffect accepts "allow" or "deny".
func ParseEffect(s string) (Effect, error) {
	switch e := Effect(strings.ToLower(strings.TrimSpace(s))); e {
	case EffectAllow, EffectDeny:
		return e, nil
	default:
		return "", fmt.Errorf("unknown effect %q", s)
	}
}

// Evaluate selects the most specific matching rule. Principal, action and
// resource score 10 each when exact, acting_as scores 5; ties keep the
// earliest rule. With no match the default effect applies.
func Evaluate(rules []Rule, req Request, def Effect) Result {
	req = req.Normalize()
	switch {
	case req.Principal == "":
		return Result{Reason: ReasonMissingPrincipal}
	case req.Action == "":
		return Result{Reason: ReasonMissingAction}
	case req.Resource == "":
		return Result{Reason: ReasonMissingResource}
	}

	best := -1
	bestScore := -1
	for i, rule := range rules {
		score, ok := match(rule, req)
		if !ok {
			continue
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	if best < 0 {
		if def == EffectAllow {
			return Result{Allowed: true, Reason: ReasonDefaultAllow}
		}
		return Result{Reason: ReasonDefaultDeny}
	}

	winner := rules[best]
	res := Result{Rule: &winner, Score: bestScore, Reason: ReasonRuleDeny}
	if winner.Effect == EffectAllow {
		res.Allowed = true
		res.Reason = ReasonRuleAllow
	}
	return res
}

func match(rule Rule, req Request) (int, bool) {
	score := 0
	for _, pair := range [][2]string{
		{rule.Principal, req.Principal},
		{rule.Action, req.Action},
		{rule.Resource, req.Resource},
	} {
		switch pair[0] {
		case Wildcard:
		case pair[1]:
			score += 10
		default:
			return 0, false
		}
	}

	if rule.ActingAs != "" && rule.ActingAs != Wildcard {
		if rule.ActingAs != req.ActingAs {
			return 0, false
		}
		score += 5
	}
	return score, true
}
