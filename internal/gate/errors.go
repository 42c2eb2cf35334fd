package gate

import (
	"errors"
	"net/http"
)

// Kind classifies a gate failure for transport mapping.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindSignature          Kind = "signature"
	KindBinding            Kind = "binding"
	KindExpired            Kind = "expired"
	KindReplay             Kind = "replay"
	KindAuthorization      Kind = "authorization"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindInternal           Kind = "internal"
)

// Stable reason strings carried in responses and audit events.
const (
	ReasonInvalidRequest      = "invalid_request"
	ReasonInvalidSignal       = "invalid_signal"
	ReasonMalformed           = "malformed"
	ReasonBadSignature        = "bad_signature"
	ReasonToolMismatch        = "tool_mismatch"
	ReasonArgsMismatch        = "args_mismatch"
	ReasonAgentMismatch       = "agent_mismatch"
	ReasonExpired             = "expired"
	ReasonReplay              = "replay"
	ReasonBackendUnavailable  = "backend_unavailable"
	ReasonAuthorizationDenied = "authorization_denied"
	ReasonInternal            = "internal"
	ReasonOK                  = "ok"
)

type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf reports the Kind of err, or KindInternal when err is not a gate
// error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

func ReasonOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Reason
	}
	return ReasonInternal
}

func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindSignature, KindBinding, KindExpired, KindReplay, KindAuthorization:
		return http.StatusForbidden
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
