package ticket

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/tollgate/internal/clock"
	"github.com/davidahmann/tollgate/internal/crypto"
)

var testSecret = bytes.Repeat([]byte{0x42}, 32)

func newIssuer(t *testing.T) (*Issuer, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	iss, err := NewIssuer(testSecret, clk)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	return iss, clk
}

func TestMintVerifyRoundTrip(t *testing.T) {
	iss, _ := newIssuer(t)
	args := map[string]any{"path": "/etc/motd", "lines": 10}

	tok, minted, err := iss.Mint("read.me", "agent-1", args, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(minted.JTI) != 2*JTISize {
		t.Fatalf("expected %d hex chars of jti, got %q", 2*JTISize, minted.JTI)
	}
	if minted.TTLSeconds != 60 || minted.IssuedAtMonotonic == 0 || minted.IssuedAtWall == 0 {
		t.Fatalf("unexpected payload: %+v", minted)
	}

	got, err := iss.Verify(tok, "read.me", map[string]any{"lines": 10, "path": "/etc/motd"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != minted {
		t.Fatalf("verified payload = %+v, want %+v", got, minted)
	}
}

func TestWireFormat(t *testing.T) {
	iss, _ := newIssuer(t)
	tok, minted, err := iss.Mint("read.me", "agent-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	body, sig, ok := strings.Cut(tok, ".")
	if !ok {
		t.Fatalf("expected separator in %q", tok)
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	canonical, err := crypto.Canonicalize(minted.fields())
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if !bytes.Equal(raw, canonical) {
		t.Fatalf("payload is not the canonical encoding:\n%s\n%s", raw, canonical)
	}
	if sig != hex.EncodeToString(crypto.SignHMAC(testSecret, raw)) {
		t.Fatalf("signature is not hex HMAC-SHA256 over the payload")
	}
}

func TestJTIsAreUnique(t *testing.T) {
	iss, _ := newIssuer(t)
	seen := map[string]struct{}{}
	for i := 0; i < 500; i++ {
		_, p, err := iss.Mint("read.me", "a", nil, time.Minute)
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		if _, dup := seen[p.JTI]; dup {
			t.Fatalf("duplicate jti %s", p.JTI)
		}
		seen[p.JTI] = struct{}{}
	}
}

func TestVerifyToolMismatch(t *testing.T) {
	iss, _ := newIssuer(t)
	tok, _, err := iss.Mint("A", "agent", nil, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := iss.Verify(tok, "B", nil); !errors.Is(err, ErrToolMismatch) {
		t.Fatalf("expected ErrToolMismatch, got %v", err)
	}
}

func TestVerifyArgsMismatch(t *testing.T) {
	iss, _ := newIssuer(t)
	tok, _, err := iss.Mint("shell.exec", "agent", map[string]any{"cmd": "ls"}, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := iss.Verify(tok, "shell.exec", map[string]any{"cmd": "rm -rf /"}); !errors.Is(err, ErrArgsMismatch) {
		t.Fatalf("expected ErrArgsMismatch, got %v", err)
	}
}

func TestNilAndEmptyArgsAgree(t *testing.T) {
	a, err := Fingerprint("read.me", nil)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	b, err := Fingerprint("read.me", map[string]any{})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if a != b {
		t.Fatalf("nil and empty args fingerprint differently: %s vs %s", a, b)
	}
}

func TestVerifyEverySignatureBitFlip(t *testing.T) {
	iss, _ := newIssuer(t)
	tok, _, err := iss.Mint("read.me", "agent", nil, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	body, sigHex, _ := strings.Cut(tok, ".")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		t.Fatalf("decode sig: %v", err)
	}

	for bit := 0; bit < len(sig)*8; bit++ {
		flipped := append([]byte(nil), sig...)
		flipped[bit/8] ^= 1 << (bit % 8)
		forged := body + "." + hex.EncodeToString(flipped)
		if _, err := iss.Verify(forged, "read.me", nil); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("bit %d: expected ErrBadSignature, got %v", bit, err)
		}
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	iss, _ := newIssuer(t)
	tok, p, err := iss.Mint("read.me", "agent", nil, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	_, sig, _ := strings.Cut(tok, ".")

	p.TTLSeconds = 86400
	body, err := crypto.Canonicalize(p.fields())
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	forged := base64.RawURLEncoding.EncodeToString(body) + "." + sig
	if _, err := iss.Verify(forged, "read.me", nil); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	iss, clk := newIssuer(t)
	other, err := NewIssuer(bytes.Repeat([]byte{0x43}, 32), clk)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	tok, _, err := other.Mint("read.me", "agent", nil, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := iss.Verify(tok, "read.me", nil); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	iss, _ := newIssuer(t)

	nonCanonical := []byte(`{"ttl_seconds":60,"jti":"00","tool_name":"read.me","agent_id":"","args_fingerprint":"x","issued_at_monotonic":1,"issued_at_wall":1}`)
	signed := base64.RawURLEncoding.EncodeToString(nonCanonical) + "." + hex.EncodeToString(crypto.SignHMAC(testSecret, nonCanonical))

	extra := []byte(`{"agent_id":"","args_fingerprint":"x","extra":1,"issued_at_monotonic":1,"issued_at_wall":1,"jti":"00","tool_name":"read.me","ttl_seconds":60}`)
	signedExtra := base64.RawURLEncoding.EncodeToString(extra) + "." + hex.EncodeToString(crypto.SignHMAC(testSecret, extra))

	cases := []string{
		"",
		"no-separator",
		".abcd",
		"abcd.",
		"a.b.c",
		"!!!not-base64.00",
		signed,
		signedExtra,
	}
	for _, tok := range cases {
		if _, err := iss.Verify(tok, "read.me", nil); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Verify(%q) error = %v, want ErrMalformed", tok, err)
		}
	}
}

func TestVerifyExpiredMonotonic(t *testing.T) {
	iss, clk := newIssuer(t)
	tok, _, err := iss.Mint("read.me", "agent", nil, 30*time.Second)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	clk.Advance(30 * time.Second)
	if _, err := iss.Verify(tok, "read.me", nil); err != nil {
		t.Fatalf("expected valid at the ttl boundary, got %v", err)
	}

	clk.Advance(time.Second)
	if _, err := iss.Verify(tok, "read.me", nil); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyExpiredDespiteWallRollback(t *testing.T) {
	iss, clk := newIssuer(t)
	start := clk.Now()
	tok, _, err := iss.Mint("read.me", "agent", nil, 30*time.Second)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	clk.Advance(time.Minute)
	clk.SetWall(start)
	if _, err := iss.Verify(tok, "read.me", nil); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired after wall rollback, got %v", err)
	}
}

func TestVerifyFallsBackToWallClock(t *testing.T) {
	clk := clock.FakeWallOnly(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	iss, err := NewIssuer(testSecret, clk)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	tok, p, err := iss.Mint("read.me", "agent", nil, 30*time.Second)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if p.IssuedAtMonotonic != 0 {
		t.Fatalf("expected no monotonic stamp, got %d", p.IssuedAtMonotonic)
	}
	if _, err := iss.Verify(tok, "read.me", nil); err != nil {
		t.Fatalf("verify: %v", err)
	}

	clk.Advance(31 * time.Second)
	if _, err := iss.Verify(tok, "read.me", nil); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyMonotonicFromAnotherBootUsesWall(t *testing.T) {
	iss, clk := newIssuer(t)
	clk.SetMonotonic(int64(time.Hour))
	tok, _, err := iss.Mint("read.me", "agent", nil, 30*time.Second)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Host rebooted: monotonic restarts below the ticket's stamp.
	clk.SetMonotonic(int64(time.Second))
	if _, err := iss.Verify(tok, "read.me", nil); err != nil {
		t.Fatalf("expected wall clock to keep the ticket valid, got %v", err)
	}
	clk.Advance(31 * time.Second)
	if _, err := iss.Verify(tok, "read.me", nil); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired via wall clock, got %v", err)
	}
}

func TestMintValidation(t *testing.T) {
	iss, _ := newIssuer(t)
	if _, _, err := iss.Mint("", "a", nil, time.Minute); err == nil {
		t.Fatalf("expected error for empty tool")
	}
	if _, _, err := iss.Mint("read.me", "a", nil, 500*time.Millisecond); err == nil {
		t.Fatalf("expected error for sub-second ttl")
	}
	if _, _, err := iss.Mint("read.me", "a", map[string]any{"bad": make(chan int)}, time.Minute); err == nil {
		t.Fatalf("expected error for unsupported arg type")
	}
	if _, err := NewIssuer([]byte("short"), nil); !errors.Is(err, crypto.ErrSecretTooShort) {
		t.Fatalf("expected ErrSecretTooShort, got %v", err)
	}
}

func TestPeek(t *testing.T) {
	iss, _ := newIssuer(t)
	tok, minted, err := iss.Mint("read.me", "agent", nil, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	p, ok := Peek(tok)
	if !ok || p.JTI != minted.JTI {
		t.Fatalf("Peek = %+v, %v", p, ok)
	}
	if _, ok := Peek("garbage"); ok {
		t.Fatalf("expected Peek to fail on garbage")
	}
}

func newReplica(t *testing.T, wall time.Time, uptime time.Duration, bootID string) (*Issuer, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(wall)
	clk.SetMonotonic(int64(uptime))
	clk.SetBootID(bootID)
	iss, err := NewIssuer(testSecret, clk)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	return iss, clk
}

func TestVerifyOnAnotherHost(t *testing.T) {
	wall := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		uptimeA time.Duration
		uptimeB time.Duration
	}{
		{name: "verifier up longer", uptimeA: time.Second, uptimeB: 24 * time.Hour},
		{name: "verifier up shorter", uptimeA: 24 * time.Hour, uptimeB: time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			issA, _ := newReplica(t, wall, tc.uptimeA, "host-a")
			issB, clkB := newReplica(t, wall, tc.uptimeB, "host-b")

			tok, _, err := issA.Mint("read.me", "agent", nil, time.Minute)
			if err != nil {
				t.Fatalf("mint: %v", err)
			}
			if _, err := issB.Verify(tok, "read.me", nil); err != nil {
				t.Fatalf("fresh ticket rejected on second host: %v", err)
			}

			clkB.Advance(time.Minute)
			if _, err := issB.Verify(tok, "read.me", nil); err != nil {
				t.Fatalf("expected valid at the ttl boundary, got %v", err)
			}
			clkB.Advance(time.Second)
			if _, err := issB.Verify(tok, "read.me", nil); !errors.Is(err, ErrExpired) {
				t.Fatalf("expected ErrExpired via wall clock, got %v", err)
			}
		})
	}
}

func TestVerifySameHostKeepsMonotonic(t *testing.T) {
	wall := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	issA, clk := newReplica(t, wall, time.Hour, "host-a")
	issB, err := NewIssuer(testSecret, clk)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}

	tok, p, err := issA.Mint("read.me", "agent", nil, 30*time.Second)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !issB.sameTimeline(p.JTI) {
		t.Fatalf("issuers sharing a boot id should share a timeline")
	}

	clk.Advance(time.Minute)
	clk.SetWall(wall)
	if _, err := issB.Verify(tok, "read.me", nil); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired after wall rollback on the same host, got %v", err)
	}
}
