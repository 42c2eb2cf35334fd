package gate

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/davidahmann/tollgate/internal/admission"
	"github.com/davidahmann/tollgate/internal/authz"
	"github.com/davidahmann/tollgate/internal/clock"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/internal/policy"
	"github.com/davidahmann/tollgate/internal/replay"
	"github.com/davidahmann/tollgate/internal/ticket"
	"github.com/davidahmann/tollgate/pkg/types"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type harness struct {
	svc       *Service
	clock     *clock.FakeClock
	store     *ledger.InMemoryStore
	admission *admission.Policy
}

type harnessOption func(*Options)

func newHarness(t *testing.T, opts ...harnessOption) harness {
	t.Helper()
	loaded, err := policy.LoadPolicy("../../policies/tollgate.yaml")
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	clk := clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	issuer, err := ticket.NewIssuer(testSecret, clk)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	store := ledger.NewInMemoryStore()
	adm := admission.New(loaded, admission.DefaultConfig())
	o := Options{
		Admission:    adm,
		Issuer:       issuer,
		Replay:       replay.NewMemoryGuard(),
		Ledger:       ledger.New(store),
		ReplayMargin: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	svc, err := New(o)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return harness{svc: svc, clock: clk, store: store, admission: adm}
}

func strong() map[string]any {
	return map[string]any{"consistency": 0.95, "accuracy": 0.95, "normality": 0.95, "latency_score": 0.95}
}

func weak() map[string]any {
	return map[string]any{"consistency": 0.1, "accuracy": 0.1, "normality": 0.1, "latency_score": 0.1}
}

func mustAllow(t *testing.T, h harness, tool string, args map[string]any) types.DecideResponse {
	t.Helper()
	resp, err := h.svc.Decide(context.Background(), types.DecideRequest{ToolName: tool, AgentID: "agent-7", Signals: strong(), Args: args})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if resp.Decision != types.VerdictAllow || resp.Ticket == "" || resp.JTI == "" {
		t.Fatalf("expected ALLOW with ticket, got %+v", resp)
	}
	return resp
}

func TestDecideConsumeThenReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	args := map[string]any{"path": "/etc/motd"}

	dec := mustAllow(t, h, "read.me", args)
	if dec.Reason != ReasonOK || dec.ExpiresIn != 120 || dec.Persona != admission.DefaultPersona {
		t.Fatalf("unexpected decide response: %+v", dec)
	}

	first, err := h.svc.Consume(ctx, types.ConsumeRequest{Ticket: dec.Ticket, ToolName: "read.me", AgentID: "agent-7", Args: args})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if first.Status != types.ConsumeAllowed || first.JTI != dec.JTI {
		t.Fatalf("expected ALLOWED, got %+v", first)
	}

	second, err := h.svc.Consume(ctx, types.ConsumeRequest{Ticket: dec.Ticket, ToolName: "read.me", Args: args})
	if KindOf(err) != KindReplay || StatusCode(err) != http.StatusForbidden {
		t.Fatalf("expected replay error, got %v", err)
	}
	if second.Status != types.ConsumeDenied || second.Reason != ReasonReplay {
		t.Fatalf("expected DENIED replay, got %+v", second)
	}

	res, err := h.svc.Ledger().Verify(ctx)
	if err != nil || !res.Valid || res.Checked != 3 {
		t.Fatalf("expected valid 3-event chain, got %+v %v", res, err)
	}
	latest, ok, err := h.svc.Ledger().LatestForJTI(ctx, dec.JTI)
	if err != nil || !ok || latest.Reason == nil || *latest.Reason != ReasonReplay {
		t.Fatalf("explain should show replay: ok=%v err=%v rec=%+v", ok, err, latest)
	}
}

func TestDecideLowIntegrityIssuesNoTicket(t *testing.T) {
	h := newHarness(t)
	resp, err := h.svc.Decide(context.Background(), types.DecideRequest{ToolName: "shell.exec", AgentID: "agent-7", Signals: weak()})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if resp.Decision != types.VerdictDeny || resp.Reason != admission.ReasonLowIntegrity {
		t.Fatalf("expected DENY low_integrity, got %+v", resp)
	}
	if resp.Ticket != "" || resp.JTI != "" {
		t.Fatalf("denied decision must not carry a ticket: %+v", resp)
	}
	if resp.Threshold != 0.7 || resp.IntegrityScore >= resp.Threshold {
		t.Fatalf("unexpected score/threshold: %+v", resp)
	}
	if n := len(listEvents(t, h.store)); n != 1 {
		t.Fatalf("expected one audit event, got %d", n)
	}
}

func TestDecidePolicyModes(t *testing.T) {
	h := newHarness(t)
	for _, tool := range []string{"fs.delete", "payments.refund"} {
		resp, err := h.svc.Decide(context.Background(), types.DecideRequest{ToolName: tool, Signals: strong()})
		if err != nil {
			t.Fatalf("decide %s: %v", tool, err)
		}
		if resp.Decision != types.VerdictDeny || resp.Reason != admission.ReasonPolicyDenied || resp.Ticket != "" {
			t.Fatalf("expected policy_denied for %s, got %+v", tool, resp)
		}
	}
}

func TestEveryVerdictFeedsBack(t *testing.T) {
	matcher := authz.NewMatcher(authz.NewInMemoryStore(), authz.EffectDeny)
	cases := []struct {
		name   string
		opts   []harnessOption
		tool   string
		reason string
	}{
		{name: "policy deny", tool: "fs.delete", reason: admission.ReasonPolicyDenied},
		{name: "human approval", tool: "payments.refund", reason: admission.ReasonPolicyDenied},
		{name: "authorization deny", opts: []harnessOption{func(o *Options) { o.Authz = matcher }}, tool: "read.me", reason: ReasonAuthorizationDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.opts...)
			resp, _ := h.svc.Decide(context.Background(), types.DecideRequest{ToolName: tc.tool, AgentID: "agent-7", Signals: strong()})
			if resp.Decision != types.VerdictDeny || resp.Reason != tc.reason {
				t.Fatalf("expected DENY %s, got %+v", tc.reason, resp)
			}
			if fb := h.admission.Feedback(); fb >= 0 {
				t.Fatalf("high-integrity deny should lower the feedback term, got %v", fb)
			}
		})
	}

	h := newHarness(t)
	if err := h.svc.SetKillSwitch(context.Background(), true, "ops"); err != nil {
		t.Fatalf("kill switch: %v", err)
	}
	if _, err := h.svc.Decide(context.Background(), types.DecideRequest{ToolName: "read.me", Signals: strong()}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if fb := h.admission.Feedback(); fb >= 0 {
		t.Fatalf("lockdown deny should lower the feedback term, got %v", fb)
	}
}

func TestDecideValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Decide(ctx, types.DecideRequest{ToolName: "  ", Signals: strong()})
	if KindOf(err) != KindValidation || ReasonOf(err) != ReasonInvalidRequest || StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}

	_, err = h.svc.Decide(ctx, types.DecideRequest{ToolName: "read.me", Signals: map[string]any{"accuracy": 1.5}})
	if ReasonOf(err) != ReasonInvalidSignal {
		t.Fatalf("expected invalid_signal, got %v", err)
	}
	_, err = h.svc.Decide(ctx, types.DecideRequest{ToolName: "read.me", Signals: map[string]any{"mood": 0.5}})
	if ReasonOf(err) != ReasonInvalidSignal {
		t.Fatalf("expected invalid_signal for unknown name, got %v", err)
	}

	events := listEvents(t, h.store)
	if len(events) != 3 {
		t.Fatalf("validation failures must be audited, got %d events", len(events))
	}
}

func TestKillSwitch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.svc.SetKillSwitch(ctx, true, "ops"); err != nil {
		t.Fatalf("kill switch: %v", err)
	}
	resp, err := h.svc.Decide(ctx, types.DecideRequest{ToolName: "read.me", Signals: strong()})
	if err != nil || resp.Reason != admission.ReasonSystemLockedDown || resp.Decision != types.VerdictDeny {
		t.Fatalf("expected lockdown deny, got %+v %v", resp, err)
	}
	if err := h.svc.SetKillSwitch(ctx, false, "ops"); err != nil {
		t.Fatalf("kill switch off: %v", err)
	}
	mustAllow(t, h, "read.me", nil)
}

func TestAuthorizationGate(t *testing.T) {
	matcher := authz.NewMatcher(authz.NewInMemoryStore(), authz.EffectDeny)
	h := newHarness(t, func(o *Options) { o.Authz = matcher })
	ctx := context.Background()

	resp, err := h.svc.Decide(ctx, types.DecideRequest{ToolName: "read.me", AgentID: "agent-7", Signals: strong()})
	if KindOf(err) != KindAuthorization || StatusCode(err) != http.StatusForbidden {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if resp.Decision != types.VerdictDeny || resp.Reason != ReasonAuthorizationDenied || resp.Ticket != "" {
		t.Fatalf("expected DENY authorization_denied, got %+v", resp)
	}

	rule, err := h.svc.GrantRule(ctx, authz.Rule{Principal: "agent-7", Action: "read.me", Resource: "*", Effect: authz.EffectAllow}, "ops")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	resp = mustAllow(t, h, "read.me", nil)
	if resp.RuleID != rule.ID {
		t.Fatalf("expected matched rule %s, got %+v", rule.ID, resp)
	}

	// Authorization takes precedence over the kill switch.
	if err := h.svc.SetKillSwitch(ctx, true, "ops"); err != nil {
		t.Fatalf("kill switch: %v", err)
	}
	resp, err = h.svc.Decide(ctx, types.DecideRequest{ToolName: "shell.exec", AgentID: "agent-7", Signals: strong()})
	if ReasonOf(err) != ReasonAuthorizationDenied || resp.Reason != ReasonAuthorizationDenied {
		t.Fatalf("expected authorization denial first, got %+v %v", resp, err)
	}

	if _, err := h.svc.GrantRule(ctx, authz.Rule{Principal: "x", Action: "y", Resource: "z", Effect: "maybe"}, "ops"); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for bad effect, got %v", err)
	}
	removed, err := h.svc.RevokeRule(ctx, rule.ID, "ops")
	if err != nil || !removed {
		t.Fatalf("revoke: %v %v", removed, err)
	}
	if removed, err := h.svc.RevokeRule(ctx, rule.ID, "ops"); err != nil || removed {
		t.Fatalf("second revoke: %v %v", removed, err)
	}
}

func TestAdminAuthzDisabled(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.ListRules(context.Background()); !errors.Is(err, ErrAuthzDisabled) {
		t.Fatalf("expected ErrAuthzDisabled, got %v", err)
	}
	if _, err := h.svc.CheckAuthz(context.Background(), authz.Request{}); StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 when disabled, got %v", err)
	}
}

func TestConsumeBindingFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	args := map[string]any{"cmd": "ls", "n": 3}
	dec := mustAllow(t, h, "read.dir", args)

	cases := []struct {
		name   string
		req    types.ConsumeRequest
		reason string
		kind   Kind
	}{
		{"tool", types.ConsumeRequest{Ticket: dec.Ticket, ToolName: "read.other", Args: args}, ReasonToolMismatch, KindBinding},
		{"args", types.ConsumeRequest{Ticket: dec.Ticket, ToolName: "read.dir", Args: map[string]any{"cmd": "rm"}}, ReasonArgsMismatch, KindBinding},
		{"agent", types.ConsumeRequest{Ticket: dec.Ticket, ToolName: "read.dir", AgentID: "agent-8", Args: args}, ReasonAgentMismatch, KindBinding},
		{"signature", types.ConsumeRequest{Ticket: dec.Ticket[:len(dec.Ticket)-1] + flip(dec.Ticket[len(dec.Ticket)-1]), ToolName: "read.dir", Args: args}, ReasonBadSignature, KindSignature},
		{"malformed", types.ConsumeRequest{Ticket: "not-a-ticket", ToolName: "read.dir"}, ReasonMalformed, KindSignature},
		{"missing", types.ConsumeRequest{ToolName: "read.dir"}, ReasonInvalidRequest, KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := h.svc.Consume(ctx, tc.req)
			if KindOf(err) != tc.kind || ReasonOf(err) != tc.reason {
				t.Fatalf("expected %s/%s, got %v", tc.kind, tc.reason, err)
			}
			if resp.Status != types.ConsumeDenied || resp.Reason != tc.reason {
				t.Fatalf("unexpected response: %+v", resp)
			}
		})
	}

	// None of the failures above burned the ticket.
	ok, err := h.svc.Consume(ctx, types.ConsumeRequest{Ticket: dec.Ticket, ToolName: "read.dir", AgentID: "agent-7", Args: map[string]any{"n": 3.0, "cmd": "ls"}})
	if err != nil || ok.Status != types.ConsumeAllowed {
		t.Fatalf("expected ALLOWED after rejected attempts, got %+v %v", ok, err)
	}
}

func flip(c byte) string {
	if c == '0' {
		return "1"
	}
	return "0"
}

func TestConsumeExpired(t *testing.T) {
	h := newHarness(t)
	dec := mustAllow(t, h, "shell.exec", nil)

	h.clock.Advance(31 * time.Second)
	resp, err := h.svc.Consume(context.Background(), types.ConsumeRequest{Ticket: dec.Ticket, ToolName: "shell.exec"})
	if KindOf(err) != KindExpired || resp.Reason != ReasonExpired {
		t.Fatalf("expected expired, got %+v %v", resp, err)
	}
}

type brokenGuard struct{}

func (brokenGuard) TryConsume(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestConsumeFailsClosedOnReplayBackend(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Replay = brokenGuard{} })
	dec := mustAllow(t, h, "read.me", nil)

	resp, err := h.svc.Consume(context.Background(), types.ConsumeRequest{Ticket: dec.Ticket, ToolName: "read.me"})
	if StatusCode(err) != http.StatusServiceUnavailable || resp.Status != types.ConsumeDenied || resp.Reason != ReasonBackendUnavailable {
		t.Fatalf("expected fail-closed 503, got %+v %v", resp, err)
	}
}

type recordingGuard struct {
	ttl time.Duration
}

func (g *recordingGuard) TryConsume(_ context.Context, _ string, ttl time.Duration) (bool, error) {
	g.ttl = ttl
	return true, nil
}

func TestReplayMarkerOutlivesTicket(t *testing.T) {
	g := &recordingGuard{}
	h := newHarness(t, func(o *Options) { o.Replay = g })
	dec := mustAllow(t, h, "shell.exec", nil)
	if _, err := h.svc.Consume(context.Background(), types.ConsumeRequest{Ticket: dec.Ticket, ToolName: "shell.exec"}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if g.ttl != 35*time.Second {
		t.Fatalf("expected ticket ttl plus margin, got %v", g.ttl)
	}
}

type brokenStore struct {
	*ledger.InMemoryStore
}

func (brokenStore) WithTx(context.Context, func(ledger.Tx) error) error {
	return errors.New("disk full")
}

func TestAuditFailureWithholdsTicket(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Ledger = ledger.New(brokenStore{ledger.NewInMemoryStore()}) })
	resp, err := h.svc.Decide(context.Background(), types.DecideRequest{ToolName: "read.me", Signals: strong()})
	if KindOf(err) != KindInternal || StatusCode(err) != http.StatusInternalServerError {
		t.Fatalf("expected internal error, got %v", err)
	}
	if resp.Ticket != "" {
		t.Fatalf("ticket must not leave when audit fails")
	}
}

func TestTicketTTLCapped(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxTTL = 45 * time.Second })
	dec := mustAllow(t, h, "read.me", nil)
	if dec.ExpiresIn != 45 {
		t.Fatalf("expected ttl capped at 45s, got %d", dec.ExpiresIn)
	}
	dec = mustAllow(t, h, "db.query", nil)
	if dec.ExpiresIn != 45 {
		t.Fatalf("expected policy default 60s capped at 45s, got %d", dec.ExpiresIn)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error for empty options")
	}
}

func TestStatusCode(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:         http.StatusBadRequest,
		KindSignature:          http.StatusForbidden,
		KindBinding:            http.StatusForbidden,
		KindExpired:            http.StatusForbidden,
		KindReplay:             http.StatusForbidden,
		KindAuthorization:      http.StatusForbidden,
		KindBackendUnavailable: http.StatusServiceUnavailable,
		KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := StatusCode(newError(kind, "r", nil)); got != want {
			t.Fatalf("StatusCode(%s) = %d, want %d", kind, got, want)
		}
	}
	if StatusCode(nil) != http.StatusOK {
		t.Fatalf("nil error should map to 200")
	}
	if StatusCode(errors.New("plain")) != http.StatusInternalServerError {
		t.Fatalf("plain error should map to 500")
	}
	wrapped := errors.Join(errors.New("ctx"), newError(KindReplay, ReasonReplay, nil))
	if KindOf(wrapped) != KindReplay {
		t.Fatalf("KindOf should see through wrapping")
	}
}

func TestRejectRequestIsAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.svc.RejectRequest(ctx, ledger.EventDecide, errors.New("invalid json: unknown field \"extra\""))
	if KindOf(err) != KindValidation || ReasonOf(err) != ReasonInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	err = h.svc.RejectRequest(ctx, ledger.EventConsume, errors.New("invalid json: trailing data"))
	if StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if err := h.svc.RejectRequest(ctx, ledger.EventAdmin, errors.New("x")); KindOf(err) != KindInternal {
		t.Fatalf("expected internal error for unsupported event, got %v", err)
	}

	events := listEvents(t, h.store)
	if len(events) != 2 {
		t.Fatalf("expected two audit events, got %d", len(events))
	}
	if events[0].Type != ledger.EventDecide || *events[0].Decision != string(types.VerdictDeny) || *events[0].Reason != ReasonInvalidRequest {
		t.Fatalf("unexpected decide event: %+v", events[0])
	}
	if events[1].Type != ledger.EventConsume || *events[1].Decision != string(types.ConsumeDenied) {
		t.Fatalf("unexpected consume event: %+v", events[1])
	}
}

func listEvents(t *testing.T, store *ledger.InMemoryStore) []ledger.EventRecord {
	t.Helper()
	events, err := store.ListEvents(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return events
}
