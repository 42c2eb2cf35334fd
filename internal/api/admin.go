package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/tollgate/internal/authz"
	"github.com/davidahmann/tollgate/internal/gate"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/pkg/types"
)

const defaultAuditLimit = 100

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "limit must be a positive integer", Reason: gate.ReasonInvalidRequest})
			return
		}
		limit = n
	}

	events, err := h.Gate.Ledger().Recent(r.Context(), limit)
	if err != nil {
		h.backendError(w, r, "audit", err)
		return
	}
	out := make([]types.AuditEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, auditEvent(ev))
	}
	writeJSON(w, http.StatusOK, types.AuditListResponse{Events: out, Count: len(out)})
}

func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	res, err := h.Gate.Ledger().Verify(r.Context())
	if err != nil {
		h.backendError(w, r, "verify chain", err)
		return
	}
	if !res.Valid {
		h.Logger.Error("audit chain invalid", "bad_links", res.BadLinks, "bad_hashes", res.BadHashes, "first_bad", res.FirstBad)
	}
	writeJSON(w, http.StatusOK, types.ChainVerifyResponse{
		Valid:     res.Valid,
		Checked:   res.Checked,
		BadLinks:  res.BadLinks,
		BadHashes: res.BadHashes,
		FirstBad:  res.FirstBad,
		TailHash:  res.TailHash,
	})
}

func (h *Handler) Explain(w http.ResponseWriter, r *http.Request) {
	jti := strings.TrimSpace(chi.URLParam(r, "jti"))
	if jti == "" {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "missing jti", Reason: gate.ReasonInvalidRequest})
		return
	}
	ev, ok, err := h.Gate.Ledger().LatestForJTI(r.Context(), jti)
	if err != nil {
		h.backendError(w, r, "explain", err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: "no events for jti", Reason: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, types.ExplainResponse{JTI: jti, Event: auditEvent(ev)})
}

func (h *Handler) AuthzCheck(w http.ResponseWriter, r *http.Request) {
	var req authz.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.Gate.CheckAuthz(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) AuthzRules(w http.ResponseWriter, r *http.Request) {
	set, err := h.Gate.ListRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if set.Rules == nil {
		set.Rules = []authz.Rule{}
	}
	writeJSON(w, http.StatusOK, set)
}

func (h *Handler) AuthzGrant(w http.ResponseWriter, r *http.Request) {
	var req types.AuthzGrantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	effect, err := authz.ParseEffect(req.Effect)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: err.Error(), Reason: gate.ReasonInvalidRequest})
		return
	}
	rule, err := h.Gate.GrantRule(r.Context(), authz.Rule{
		Principal: req.Principal,
		Action:    req.Action,
		Resource:  req.Resource,
		ActingAs:  req.ActingAs,
		Effect:    effect,
		Note:      req.Note,
	}, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handler) AuthzRevoke(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	removed, err := h.Gate.RevokeRule(r.Context(), id, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !removed {
		status = http.StatusNotFound
	}
	writeJSON(w, status, types.AuthzRevokeResponse{ID: id, Revoked: removed})
}

func (h *Handler) Lockdown(w http.ResponseWriter, r *http.Request) {
	var req types.LockdownRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Gate.SetKillSwitch(r.Context(), req.Enabled, actor(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.LockdownResponse{KillSwitch: h.Gate.Admission().KillSwitch()})
}

func (h *Handler) backendError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.Logger.Error(op+" failed", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusServiceUnavailable, types.ErrorResponse{Error: err.Error(), Reason: gate.ReasonBackendUnavailable})
}

func auditEvent(ev ledger.EventRecord) types.AuditEvent {
	body := json.RawMessage(ev.BodyJSON)
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	return types.AuditEvent{
		Sequence:  ev.Sequence,
		CreatedAt: ev.CreatedAt,
		Type:      ev.Type,
		AgentID:   ev.AgentID,
		JTI:       deref(ev.JTI),
		Decision:  deref(ev.Decision),
		Reason:    deref(ev.Reason),
		Body:      body,
		PrevHash:  ev.PrevHash,
		RowHash:   ev.RowHash,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
