// Package admission turns an integrity score into an ALLOW or DENY verdict
// against a threshold that adapts to recent outcomes.
package admission

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/davidahmann/tollgate/internal/policy"
)

// Decision reasons.
const (
	ReasonOK                  = "ok"
	ReasonLowIntegrity        = "low_integrity"
	ReasonAuthorizationDenied = "authorization_denied"
	ReasonPolicyDenied        = "policy_denied"
	ReasonSystemLockedDown    = "system_locked_down"
)

// DefaultPersona is used when neither the request nor the agent id names one.
const DefaultPersona = "default"

// BuiltinPersonas map persona name to strictness; the policy file may
// override or extend them.
var BuiltinPersonas = map[string]float64{
	DefaultPersona: 0.50,
	"demo":         0.35,
	"stress":       0.70,
	"lockdown":     0.85,
}

type Config struct {
	KillSwitch       bool
	FeedbackAlpha    float64
	FeedbackScale    float64
	LowMark          float64
	HighMark         float64
	PersonaBiasScale float64
}

func DefaultConfig() Config {
	return Config{
		FeedbackAlpha:    0.1,
		FeedbackScale:    0.3,
		LowMark:          0.5,
		HighMark:         0.8,
		PersonaBiasScale: 0.5,
	}
}

type Input struct {
	Tool      string
	AgentID   string
	Persona   string
	Integrity float64
}

type Outcome struct {
	Allowed       bool
	Reason        string
	Threshold     float64
	BaseThreshold float64
	Feedback      float64
	PersonaBias   float64
	Persona       string
	Mode          string
	TTLSeconds    int
	MatchedRuleID string
	PolicyHash    string
}

// Policy holds the tool policy, the feedback term and the kill switch.
// It is safe for concurrent use.
type Policy struct {
	cfg      Config
	loaded   policy.LoadedPolicy
	personas map[string]float64

	mu       sync.Mutex
	feedback float64

	locked atomic.Bool
}

func New(loaded policy.LoadedPolicy, cfg Config) *Policy {
	personas := make(map[string]float64, len(BuiltinPersonas)+len(loaded.Policy.Personas))
	for name, s := range BuiltinPersonas {
		personas[name] = s
	}
	for name, s := range loaded.Policy.Personas {
		personas[strings.ToLower(name)] = s
	}
	p := &Policy{cfg: cfg, loaded: loaded, personas: personas}
	p.locked.Store(cfg.KillSwitch)
	return p
}

// Evaluate applies the kill switch, the tool mode and the integrity
// threshold in that order. Authorization is the caller's concern.
func (p *Policy) Evaluate(in Input) Outcome {
	tool := policy.Evaluate(p.loaded.Policy, p.loaded.Hash, policy.Input{Tool: in.Tool})
	persona := p.ResolvePersona(in.Persona, in.AgentID)
	bias := (p.personas[persona] - 0.5) * p.cfg.PersonaBiasScale
	feedback := p.Feedback()

	out := Outcome{
		Threshold:     clamp01(tool.BaseThreshold + feedback + bias),
		BaseThreshold: tool.BaseThreshold,
		Feedback:      feedback,
		PersonaBias:   bias,
		Persona:       persona,
		Mode:          tool.Mode,
		TTLSeconds:    tool.TTLSeconds,
		MatchedRuleID: tool.MatchedRuleID,
		PolicyHash:    tool.PolicyHash,
	}

	switch {
	case p.locked.Load():
		out.Reason = ReasonSystemLockedDown
	case tool.Mode == policy.ModeDeny || tool.Mode == policy.ModeHumanApproval:
		out.Reason = ReasonPolicyDenied
	case in.Integrity >= out.Threshold:
		out.Allowed = true
		out.Reason = ReasonOK
	default:
		out.Reason = ReasonLowIntegrity
	}
	return out
}

// Observe folds one decision into the feedback term. An ALLOW with low
// integrity pushes the threshold up, a DENY with high integrity pulls it
// down, anything else lets it decay toward zero.
func (p *Policy) Observe(allowed bool, integrity float64) {
	sample := 0.0
	switch {
	case allowed && integrity < p.cfg.LowMark:
		sample = p.cfg.FeedbackScale
	case !allowed && integrity > p.cfg.HighMark:
		sample = -p.cfg.FeedbackScale
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.feedback = (1-p.cfg.FeedbackAlpha)*p.feedback + p.cfg.FeedbackAlpha*sample
}

func (p *Policy) Feedback() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.feedback
}

// ResolvePersona picks the explicit persona when known, then an agent-id
// hint, then the default.
func (p *Policy) ResolvePersona(explicit, agentID string) string {
	if name := strings.ToLower(strings.TrimSpace(explicit)); name != "" {
		if _, ok := p.personas[name]; ok {
			return name
		}
	}

	agent := strings.ToLower(agentID)
	switch {
	case strings.Contains(agent, "lock"):
		return p.known("lockdown")
	case strings.Contains(agent, "stress"):
		return p.known("stress")
	case strings.Contains(agent, "demo"), strings.Contains(agent, "smoke"):
		return p.known("demo")
	}
	return DefaultPersona
}

func (p *Policy) known(name string) string {
	if _, ok := p.personas[name]; ok {
		return name
	}
	return DefaultPersona
}

func (p *Policy) SetKillSwitch(on bool) { p.locked.Store(on) }

func (p *Policy) KillSwitch() bool { return p.locked.Load() }

// PolicyHash identifies the loaded tool policy document.
func (p *Policy) PolicyHash() string { return p.loaded.Hash }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
