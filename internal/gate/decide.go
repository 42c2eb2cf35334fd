package gate

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidahmann/tollgate/internal/admission"
	"github.com/davidahmann/tollgate/internal/authz"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/internal/signals"
	"github.com/davidahmann/tollgate/pkg/types"
)

// Decide admits or refuses one tool invocation. A refusal by admission
// (low integrity, tool policy, kill switch) is a DENY response with a nil
// error. Authorization denials return both the DENY response and a
// KindAuthorization error. Any other error leaves the response empty.
func (s *Service) Decide(ctx context.Context, req types.DecideRequest) (types.DecideResponse, error) {
	ctx, span := s.tracer.Start(ctx, "gate.decide")
	defer span.End()

	tool := strings.TrimSpace(req.ToolName)
	agent := strings.TrimSpace(req.AgentID)
	span.SetAttributes(attribute.String("tollgate.tool", tool), attribute.String("tollgate.agent", agent))

	resp, err := s.decide(ctx, tool, agent, req)
	if err != nil {
		span.SetStatus(codes.Error, ReasonOf(err))
	}
	span.SetAttributes(attribute.String("tollgate.decision", string(resp.Decision)), attribute.String("tollgate.reason", resp.Reason))
	return resp, err
}

func (s *Service) decide(ctx context.Context, tool, agent string, req types.DecideRequest) (types.DecideResponse, error) {
	if tool == "" {
		gerr := newError(KindValidation, ReasonInvalidRequest, errors.New("tool_name is required"))
		return types.DecideResponse{}, s.auditDecideFailure(ctx, tool, agent, gerr)
	}

	set, err := signals.Parse(req.Signals)
	if err != nil {
		gerr := newError(KindValidation, ReasonInvalidSignal, err)
		return types.DecideResponse{}, s.auditDecideFailure(ctx, tool, agent, gerr)
	}
	integrity := s.scorer.Score(set)

	outcome := s.admission.Evaluate(admission.Input{
		Tool:      tool,
		AgentID:   agent,
		Persona:   req.Persona,
		Integrity: integrity,
	})

	resp := types.DecideResponse{
		Decision:       types.VerdictDeny,
		IntegrityScore: integrity,
		Threshold:      outcome.Threshold,
		Persona:        outcome.Persona,
	}
	payload := map[string]any{
		"tool_name":       tool,
		"signals":         map[string]float64(set),
		"integrity_score": integrity,
		"threshold":       outcome.Threshold,
		"base_threshold":  outcome.BaseThreshold,
		"feedback":        outcome.Feedback,
		"persona_bias":    outcome.PersonaBias,
		"persona":         outcome.Persona,
		"mode":            outcome.Mode,
		"policy_hash":     outcome.PolicyHash,
	}
	if outcome.MatchedRuleID != "" {
		payload["policy_rule_id"] = outcome.MatchedRuleID
	}

	if s.authz != nil {
		areq := authzRequest(tool, agent, req)
		res, err := s.authz.Check(ctx, areq)
		if err != nil {
			gerr := newError(KindBackendUnavailable, ReasonBackendUnavailable, err)
			return types.DecideResponse{}, s.auditDecideFailure(ctx, tool, agent, gerr)
		}
		payload["authz_reason"] = res.Reason
		if res.Rule != nil {
			payload["authz_rule_id"] = res.Rule.ID
			resp.RuleID = res.Rule.ID
		}
		if !res.Allowed {
			resp.Reason = admission.ReasonAuthorizationDenied
			if err := s.appendDecide(ctx, agent, "", resp, payload); err != nil {
				return types.DecideResponse{}, err
			}
			s.admission.Observe(false, integrity)
			return resp, newError(KindAuthorization, ReasonAuthorizationDenied, errors.New(res.Reason))
		}
	}

	resp.Reason = outcome.Reason
	var jti string
	if outcome.Allowed {
		ttl := s.ticketTTL(outcome.TTLSeconds)
		tk, p, err := s.issuer.Mint(tool, agent, req.Args, ttl)
		if err != nil {
			gerr := newError(KindInternal, ReasonInternal, err)
			return types.DecideResponse{}, s.auditDecideFailure(ctx, tool, agent, gerr)
		}
		jti = p.JTI
		payload["args_fingerprint"] = p.ArgsFingerprint
		payload["ttl_seconds"] = p.TTLSeconds
		resp.Decision = types.VerdictAllow
		resp.Ticket = tk
		resp.JTI = p.JTI
		resp.ExpiresIn = int(p.TTLSeconds)
	}

	if err := s.appendDecide(ctx, agent, jti, resp, payload); err != nil {
		return types.DecideResponse{}, err
	}

	s.admission.Observe(resp.Decision == types.VerdictAllow, integrity)

	s.log.Info("decide",
		"tool", tool,
		"agent", agent,
		"decision", resp.Decision,
		"reason", resp.Reason,
		"integrity", integrity,
		"threshold", outcome.Threshold,
		"persona", outcome.Persona,
		"jti", jti,
	)
	return resp, nil
}

func authzRequest(tool, agent string, req types.DecideRequest) authz.Request {
	r := authz.Request{
		Principal: req.Principal,
		Action:    req.Action,
		Resource:  req.Resource,
		ActingAs:  req.ActingAs,
	}
	if strings.TrimSpace(r.Principal) == "" {
		r.Principal = agent
	}
	if strings.TrimSpace(r.Action) == "" {
		r.Action = tool
	}
	if strings.TrimSpace(r.Resource) == "" {
		r.Resource = tool
	}
	return r
}

func (s *Service) appendDecide(ctx context.Context, agent, jti string, resp types.DecideResponse, payload map[string]any) error {
	_, err := s.ledger.Append(ctx, ledger.Entry{
		Type:     ledger.EventDecide,
		AgentID:  agent,
		JTI:      jti,
		Decision: string(resp.Decision),
		Reason:   resp.Reason,
		Payload:  payload,
	})
	if err != nil {
		s.log.Error("audit append failed", "type", ledger.EventDecide, "agent", agent, "error", err)
		return newError(KindInternal, ReasonInternal, err)
	}
	return nil
}

// auditDecideFailure records a decide that never reached a verdict and
// returns gerr, or an internal error if the record itself fails.
func (s *Service) auditDecideFailure(ctx context.Context, tool, agent string, gerr *Error) error {
	payload := map[string]any{"tool_name": tool, "error_kind": string(gerr.Kind)}
	if gerr.Err != nil {
		payload["error"] = gerr.Err.Error()
	}
	_, err := s.ledger.Append(ctx, ledger.Entry{
		Type:     ledger.EventDecide,
		AgentID:  agent,
		Decision: string(types.VerdictDeny),
		Reason:   gerr.Reason,
		Payload:  payload,
	})
	if err != nil {
		s.log.Error("audit append failed", "type", ledger.EventDecide, "agent", agent, "error", err)
		return newError(KindInternal, ReasonInternal, err)
	}
	s.log.Warn("decide rejected", "tool", tool, "agent", agent, "kind", gerr.Kind, "reason", gerr.Reason, "error", gerr.Err)
	return gerr
}
