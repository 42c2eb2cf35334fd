package gate

import (
	"context"
	"errors"

	"github.com/davidahmann/tollgate/internal/authz"
	"github.com/davidahmann/tollgate/internal/ledger"
)

var ErrAuthzDisabled = errors.New("authorization is disabled")

// SetKillSwitch toggles the runtime lockdown and records who did it.
func (s *Service) SetKillSwitch(ctx context.Context, on bool, actor string) error {
	reason := "lockdown_off"
	if on {
		reason = "lockdown_on"
	}
	if _, err := s.ledger.Append(ctx, ledger.Entry{
		Type:    ledger.EventAdmin,
		AgentID: actor,
		Reason:  reason,
		Payload: map[string]any{"kill_switch": on, "previous": s.admission.KillSwitch()},
	}); err != nil {
		return newError(KindInternal, ReasonInternal, err)
	}
	s.admission.SetKillSwitch(on)
	s.log.Warn("kill switch changed", "enabled", on, "actor", actor)
	return nil
}

func (s *Service) CheckAuthz(ctx context.Context, req authz.Request) (authz.Result, error) {
	if s.authz == nil {
		return authz.Result{}, newError(KindValidation, ReasonInvalidRequest, ErrAuthzDisabled)
	}
	res, err := s.authz.Check(ctx, req)
	if err != nil {
		return authz.Result{}, newError(KindBackendUnavailable, ReasonBackendUnavailable, err)
	}
	return res, nil
}

func (s *Service) ListRules(ctx context.Context) (authz.RuleSet, error) {
	if s.authz == nil {
		return authz.RuleSet{}, newError(KindValidation, ReasonInvalidRequest, ErrAuthzDisabled)
	}
	set, err := s.authz.List(ctx)
	if err != nil {
		return authz.RuleSet{}, newError(KindBackendUnavailable, ReasonBackendUnavailable, err)
	}
	return set, nil
}

func (s *Service) GrantRule(ctx context.Context, rule authz.Rule, actor string) (authz.Rule, error) {
	if s.authz == nil {
		return authz.Rule{}, newError(KindValidation, ReasonInvalidRequest, ErrAuthzDisabled)
	}
	granted, err := s.authz.Grant(ctx, rule)
	if errors.Is(err, authz.ErrInvalidRule) {
		return authz.Rule{}, newError(KindValidation, ReasonInvalidRequest, err)
	}
	if err != nil {
		return authz.Rule{}, newError(KindBackendUnavailable, ReasonBackendUnavailable, err)
	}
	if _, err := s.ledger.Append(ctx, ledger.Entry{
		Type:    ledger.EventAuthz,
		AgentID: actor,
		Reason:  "rule_granted",
		Payload: map[string]any{
			"rule_id":   granted.ID,
			"principal": granted.Principal,
			"action":    granted.Action,
			"resource":  granted.Resource,
			"acting_as": granted.ActingAs,
			"effect":    string(granted.Effect),
		},
	}); err != nil {
		return authz.Rule{}, newError(KindInternal, ReasonInternal, err)
	}
	s.log.Info("authz rule granted", "rule_id", granted.ID, "effect", granted.Effect, "actor", actor)
	return granted, nil
}

func (s *Service) RevokeRule(ctx context.Context, id, actor string) (bool, error) {
	if s.authz == nil {
		return false, newError(KindValidation, ReasonInvalidRequest, ErrAuthzDisabled)
	}
	removed, err := s.authz.Revoke(ctx, id)
	if err != nil {
		return false, newError(KindBackendUnavailable, ReasonBackendUnavailable, err)
	}
	if !removed {
		return false, nil
	}
	if _, err := s.ledger.Append(ctx, ledger.Entry{
		Type:    ledger.EventAuthz,
		AgentID: actor,
		Reason:  "rule_revoked",
		Payload: map[string]any{"rule_id": id},
	}); err != nil {
		return false, newError(KindInternal, ReasonInternal, err)
	}
	s.log.Info("authz rule revoked", "rule_id", id, "actor", actor)
	return true, nil
}
