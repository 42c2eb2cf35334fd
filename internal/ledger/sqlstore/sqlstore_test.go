package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/tollgate/internal/authz"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/internal/replay/replaytest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	s, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestLedgerAppendAndVerify(t *testing.T) {
	s := openTestStore(t)
	l := ledger.New(s)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, ledger.Entry{Type: ledger.EventDecide, AgentID: "a1", JTI: fmt.Sprintf("j%d", i), Decision: "ALLOW", Reason: "ok"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := l.Append(ctx, ledger.Entry{Type: ledger.EventAdmin, Reason: "lockdown_on"}); err != nil {
		t.Fatalf("append admin: %v", err)
	}

	res, err := l.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.Checked != 4 {
		t.Fatalf("unexpected verify result: %+v", res)
	}

	latest, ok, err := l.LatestForJTI(ctx, "j1")
	if err != nil || !ok || latest.Sequence != 2 {
		t.Fatalf("latest for jti: ok=%v err=%v rec=%+v", ok, err, latest)
	}
	tail, ok, err := s.TailEvent(ctx)
	if err != nil || !ok || tail.Sequence != 4 || tail.JTI != nil {
		t.Fatalf("tail: ok=%v err=%v rec=%+v", ok, err, tail)
	}
	recent, err := l.Recent(ctx, 2)
	if err != nil || len(recent) != 2 || recent[1].Sequence != 4 {
		t.Fatalf("recent: err=%v recs=%+v", err, recent)
	}
}

func TestLedgerVerifyDetectsTamper(t *testing.T) {
	s := openTestStore(t)
	l := ledger.New(s)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, ledger.Entry{Type: ledger.EventDecide, JTI: fmt.Sprintf("j%d", i), Decision: "ALLOW"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if _, err := s.DB().Exec(`UPDATE audit_events SET body_json = '{}' WHERE sequence = 2`); err == nil {
		t.Fatalf("expected append-only trigger to block update")
	}
	if _, err := s.DB().Exec(`DROP TRIGGER audit_events_no_update`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	if _, err := s.DB().Exec(`UPDATE audit_events SET body_json = '{"decision":"DENY"}' WHERE sequence = 2`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	res, err := l.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.BadHashes != 1 || res.FirstBad == nil || *res.FirstBad != 2 {
		t.Fatalf("expected tamper at sequence 2: %+v", res)
	}
}

func TestPutEventRejectsFork(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	put := func(seq int64, row string) error {
		return s.WithTx(ctx, func(tx ledger.Tx) error {
			return tx.PutEvent(ledger.EventRecord{Sequence: seq, CreatedAt: "now", Type: ledger.EventDecide, BodyJSON: []byte(`{}`), PrevHash: ledger.GenesisHash, RowHash: row})
		})
	}
	if err := put(1, "a"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := put(2, "b"); err == nil {
		t.Fatalf("expected duplicate prev_hash to fail")
	}
}

func TestWithTxRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.PutEvent(ledger.EventRecord{Sequence: 1, CreatedAt: "now", Type: ledger.EventDecide, BodyJSON: []byte(`{}`), PrevHash: ledger.GenesisHash, RowHash: "h"}); err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if _, ok, err := s.TailEvent(ctx); err != nil || ok {
		t.Fatalf("expected rollback to discard event: ok=%v err=%v", ok, err)
	}
}

func TestReplayGuardContract(t *testing.T) {
	replaytest.Run(t, openTestStore(t))
}

func TestReplayMarkerExpiryAndPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ok, err := s.TryConsume(ctx, "jti-1", 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("first consume: %v %v", ok, err)
	}
	if ok, _ := s.TryConsume(ctx, "jti-1", 2*time.Second); ok {
		t.Fatalf("second consume should fail while marker is live")
	}
	if _, err := s.TryConsume(ctx, "jti-2", time.Hour); err != nil {
		t.Fatalf("consume jti-2: %v", err)
	}

	now = now.Add(3 * time.Second)
	n, err := s.Purge(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if ok, _ := s.TryConsume(ctx, "jti-2", time.Hour); ok {
		t.Fatalf("live marker must survive purge")
	}
	if _, err := s.TryConsume(ctx, "", time.Minute); err == nil {
		t.Fatalf("expected error for empty jti")
	}
}

func TestAuthzStoreWithMatcher(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := authz.NewMatcher(s, authz.EffectDeny)

	set, err := m.List(ctx)
	if err != nil || set.Version != 0 || len(set.Rules) != 0 {
		t.Fatalf("empty list: err=%v set=%+v", err, set)
	}

	broad, err := m.Grant(ctx, authz.Rule{Principal: "*", Action: "read", Resource: "*", Effect: authz.EffectAllow})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := m.Grant(ctx, authz.Rule{Principal: "bob", Action: "read", Resource: "secrets", Effect: authz.EffectDeny, Note: "no secrets"}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	res, err := m.Check(ctx, authz.Request{Principal: "bob", Action: "READ", Resource: "secrets"})
	if err != nil || res.Allowed {
		t.Fatalf("expected deny for bob: %+v %v", res, err)
	}
	res, err = m.Check(ctx, authz.Request{Principal: "alice", Action: "read", Resource: "secrets"})
	if err != nil || !res.Allowed || res.Rule == nil || res.Rule.ID != broad.ID {
		t.Fatalf("expected broad allow for alice: %+v %v", res, err)
	}

	removed, err := m.Revoke(ctx, broad.ID)
	if err != nil || !removed {
		t.Fatalf("revoke: %v %v", removed, err)
	}
	if removed, _ := m.Revoke(ctx, broad.ID); removed {
		t.Fatalf("second revoke should report not found")
	}

	set, err = s.LoadRules(ctx)
	if err != nil || set.Version != 3 || len(set.Rules) != 1 || set.Rules[0].Note != "no secrets" {
		t.Fatalf("unexpected rule set: err=%v set=%+v", err, set)
	}
}

func TestAuthzRevokeSeenByOtherMatcher(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := authz.NewMatcher(s, authz.EffectDeny)
	b := authz.NewMatcher(s, authz.EffectDeny)
	req := authz.Request{Principal: "bot", Action: "shell.exec", Resource: "host-1"}

	rule, err := a.Grant(ctx, authz.Rule{Principal: "bot", Action: "shell.exec", Resource: "*", Effect: authz.EffectAllow})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if res, err := b.Check(ctx, req); err != nil || !res.Allowed {
		t.Fatalf("expected allow on b: %+v %v", res, err)
	}
	if _, err := a.Revoke(ctx, rule.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if res, err := b.Check(ctx, req); err != nil || res.Allowed {
		t.Fatalf("expected b to deny after revoke on a: %+v %v", res, err)
	}
	if v, err := s.Version(ctx); err != nil || v != 2 {
		t.Fatalf("version = %d, %v", v, err)
	}
}
