package gate

import (
	"context"
	"fmt"

	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/pkg/types"
)

// RejectRequest audits a decide or consume request whose body could not be
// decoded and returns the validation error to report. If the audit append
// fails the caller gets an internal error instead.
func (s *Service) RejectRequest(ctx context.Context, event string, cause error) error {
	var decision string
	switch event {
	case ledger.EventDecide:
		decision = string(types.VerdictDeny)
	case ledger.EventConsume:
		decision = string(types.ConsumeDenied)
	default:
		return newError(KindInternal, ReasonInternal, fmt.Errorf("reject: unsupported event %q", event))
	}

	gerr := newError(KindValidation, ReasonInvalidRequest, cause)
	payload := map[string]any{"error_kind": string(gerr.Kind)}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	if _, err := s.ledger.Append(ctx, ledger.Entry{
		Type:     event,
		Decision: decision,
		Reason:   gerr.Reason,
		Payload:  payload,
	}); err != nil {
		s.log.Error("audit append failed", "type", event, "error", err)
		return newError(KindInternal, ReasonInternal, err)
	}
	s.log.Warn(event+" rejected", "reason", gerr.Reason, "error", cause)
	return gerr
}
