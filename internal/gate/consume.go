package gate

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/internal/ticket"
	"github.com/davidahmann/tollgate/pkg/types"
)

// Consume redeems a ticket for tool with args. On refusal it returns a
// DENIED response together with the classifying error; the ticket is only
// burned once every check before the replay guard has passed.
func (s *Service) Consume(ctx context.Context, req types.ConsumeRequest) (types.ConsumeResponse, error) {
	ctx, span := s.tracer.Start(ctx, "gate.consume")
	defer span.End()

	tool := strings.TrimSpace(req.ToolName)
	span.SetAttributes(attribute.String("tollgate.tool", tool))

	resp, err := s.consume(ctx, tool, req)
	if err != nil {
		span.SetStatus(codes.Error, ReasonOf(err))
	}
	span.SetAttributes(attribute.String("tollgate.status", string(resp.Status)), attribute.String("tollgate.reason", resp.Reason))
	return resp, err
}

func (s *Service) consume(ctx context.Context, tool string, req types.ConsumeRequest) (types.ConsumeResponse, error) {
	agent := strings.TrimSpace(req.AgentID)
	raw := strings.TrimSpace(req.Ticket)

	if raw == "" || tool == "" {
		return s.deny(ctx, tool, agent, "", raw, newError(KindValidation, ReasonInvalidRequest, errors.New("ticket and tool_name are required")))
	}

	p, err := s.issuer.Verify(raw, tool, req.Args)
	if err != nil {
		return s.deny(ctx, tool, agent, "", raw, classifyVerify(err))
	}
	if agent != "" && agent != p.AgentID {
		return s.deny(ctx, tool, agent, p.JTI, raw, newError(KindBinding, ReasonAgentMismatch, errors.New("ticket issued to a different agent")))
	}

	first, err := s.replay.TryConsume(ctx, p.JTI, p.TTL()+s.replayMargin)
	if err != nil {
		return s.deny(ctx, tool, p.AgentID, p.JTI, raw, newError(KindBackendUnavailable, ReasonBackendUnavailable, err))
	}
	if !first {
		return s.deny(ctx, tool, p.AgentID, p.JTI, raw, newError(KindReplay, ReasonReplay, nil))
	}

	resp := types.ConsumeResponse{Status: types.ConsumeAllowed, Reason: ReasonOK, Tool: tool, JTI: p.JTI}
	if _, err := s.ledger.Append(ctx, ledger.Entry{
		Type:     ledger.EventConsume,
		AgentID:  p.AgentID,
		JTI:      p.JTI,
		Decision: string(types.ConsumeAllowed),
		Reason:   ReasonOK,
		Payload: map[string]any{
			"tool_name":        tool,
			"args_fingerprint": p.ArgsFingerprint,
			"ttl_seconds":      p.TTLSeconds,
		},
	}); err != nil {
		s.log.Error("audit append failed", "type", ledger.EventConsume, "jti", p.JTI, "error", err)
		return types.ConsumeResponse{}, newError(KindInternal, ReasonInternal, err)
	}
	s.log.Info("consume", "tool", tool, "agent", p.AgentID, "jti", p.JTI, "status", resp.Status)
	return resp, nil
}

func classifyVerify(err error) *Error {
	switch {
	case errors.Is(err, ticket.ErrMalformed):
		return newError(KindSignature, ReasonMalformed, err)
	case errors.Is(err, ticket.ErrBadSignature):
		return newError(KindSignature, ReasonBadSignature, err)
	case errors.Is(err, ticket.ErrToolMismatch):
		return newError(KindBinding, ReasonToolMismatch, err)
	case errors.Is(err, ticket.ErrArgsMismatch):
		return newError(KindBinding, ReasonArgsMismatch, err)
	case errors.Is(err, ticket.ErrExpired):
		return newError(KindExpired, ReasonExpired, err)
	default:
		return newError(KindInternal, ReasonInternal, err)
	}
}

// deny audits a refused consume. jti is set only once the signature has
// been verified; otherwise the claimed id is recorded in the payload.
func (s *Service) deny(ctx context.Context, tool, agent, jti, raw string, gerr *Error) (types.ConsumeResponse, error) {
	payload := map[string]any{"tool_name": tool, "error_kind": string(gerr.Kind)}
	if jti == "" && raw != "" {
		if claimed, ok := ticket.Peek(raw); ok && claimed.JTI != "" {
			payload["claimed_jti"] = claimed.JTI
		}
	}
	if gerr.Err != nil {
		payload["error"] = gerr.Err.Error()
	}
	if _, err := s.ledger.Append(ctx, ledger.Entry{
		Type:     ledger.EventConsume,
		AgentID:  agent,
		JTI:      jti,
		Decision: string(types.ConsumeDenied),
		Reason:   gerr.Reason,
		Payload:  payload,
	}); err != nil {
		s.log.Error("audit append failed", "type", ledger.EventConsume, "jti", jti, "error", err)
		return types.ConsumeResponse{}, newError(KindInternal, ReasonInternal, err)
	}

	s.log.Warn("consume denied", "tool", tool, "agent", agent, "jti", jti, "kind", gerr.Kind, "reason", gerr.Reason)
	return types.ConsumeResponse{Status: types.ConsumeDenied, Reason: gerr.Reason, Tool: tool, JTI: jti}, gerr
}
