package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/davidahmann/tollgate/internal/gate"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/pkg/types"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{
		Status: "ok",
		Ledger: h.Backends.Ledger,
		Replay: h.Backends.Replay,
		Authz:  h.Backends.Authz,
	}
	if h.Gate != nil {
		resp.KillSwitch = h.Gate.Admission().KillSwitch()
		resp.PolicyHash = h.Gate.Admission().PolicyHash()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req types.DecideRequest
	if status, err := readBody(r, &req); err != nil {
		h.rejectBody(w, r, ledger.EventDecide, status, err)
		return
	}
	if !h.allow(w, r, strings.TrimSpace(req.AgentID)) {
		return
	}

	resp, err := h.Gate.Decide(r.Context(), req)
	if err != nil {
		h.logFailure(r, "decide", err)
		if resp.Decision != "" {
			writeJSON(w, gate.StatusCode(err), resp)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req types.ConsumeRequest
	if status, err := readBody(r, &req); err != nil {
		h.rejectBody(w, r, ledger.EventConsume, status, err)
		return
	}

	resp, err := h.Gate.Consume(r.Context(), req)
	if err != nil {
		h.logFailure(r, "consume", err)
		if resp.Status != "" {
			writeJSON(w, gate.StatusCode(err), resp)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) logFailure(r *http.Request, op string, err error) {
	level := h.Logger.Info
	if gate.StatusCode(err) >= http.StatusInternalServerError {
		level = h.Logger.Error
	}
	level(op+" refused", "path", r.URL.Path, "kind", string(gate.KindOf(err)), "reason", gate.ReasonOf(err), "error", err)
}

// rejectBody audits an undecodable decide or consume body before
// answering with status.
func (h *Handler) rejectBody(w http.ResponseWriter, r *http.Request, event string, status int, cause error) {
	err := h.Gate.RejectRequest(r.Context(), event, cause)
	h.logFailure(r, event, err)
	if gate.KindOf(err) != gate.KindValidation {
		writeError(w, err)
		return
	}
	writeJSON(w, status, types.ErrorResponse{Error: cause.Error(), Reason: gate.ReasonInvalidRequest})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	status, err := readBody(r, dst)
	if err != nil {
		writeJSON(w, status, types.ErrorResponse{Error: err.Error(), Reason: gate.ReasonInvalidRequest})
		return false
	}
	return true
}

// readBody rejects unknown fields and trailing data. Numbers stay
// json.Number so canonical hashing sees the caller's exact digits. On
// failure it returns the status to answer with.
func readBody(r *http.Request, dst any) (int, error) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, errors.New("request body too large")
		}
		return http.StatusBadRequest, fmt.Errorf("invalid json: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return http.StatusBadRequest, errors.New("invalid json: trailing data")
	}
	return http.StatusOK, nil
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, gate.StatusCode(err), types.ErrorResponse{Error: err.Error(), Reason: gate.ReasonOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
