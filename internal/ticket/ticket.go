// Package ticket mints and verifies execution tickets: single-use bearer
// capabilities bound to a tool name, an agent and a fingerprint of the call
// arguments.
//
// Wire form: base64url(canonical payload) "." hex(HMAC-SHA256(secret, payload)).
package ticket

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/davidahmann/tollgate/internal/clock"
	"github.com/davidahmann/tollgate/internal/crypto"
)

// JTISize is the number of bytes in a ticket id. The first bootTagSize
// bytes tag the issuer's monotonic timeline; the rest are random.
const JTISize = 16

const bootTagSize = 4

var (
	ErrMalformed    = errors.New("malformed ticket")
	ErrBadSignature = errors.New("ticket signature mismatch")
	ErrToolMismatch = errors.New("ticket tool mismatch")
	ErrArgsMismatch = errors.New("ticket args mismatch")
	ErrExpired      = errors.New("ticket expired")
)

// Payload is the signed body of a ticket. IssuedAtMonotonic is zero when
// the issuer had no monotonic source.
type Payload struct {
	JTI               string `json:"jti"`
	ToolName          string `json:"tool_name"`
	AgentID           string `json:"agent_id"`
	ArgsFingerprint   string `json:"args_fingerprint"`
	IssuedAtMonotonic int64  `json:"issued_at_monotonic"`
	IssuedAtWall      int64  `json:"issued_at_wall"`
	TTLSeconds        int64  `json:"ttl_seconds"`
}

// TTL returns the ticket lifetime.
func (p Payload) TTL() time.Duration { return time.Duration(p.TTLSeconds) * time.Second }

// ExpiresAt is the wall-clock expiry.
func (p Payload) ExpiresAt() time.Time { return time.Unix(0, p.IssuedAtWall).Add(p.TTL()) }

func (p Payload) fields() map[string]any {
	return map[string]any{
		"jti":                 p.JTI,
		"tool_name":           p.ToolName,
		"agent_id":            p.AgentID,
		"args_fingerprint":    p.ArgsFingerprint,
		"issued_at_monotonic": p.IssuedAtMonotonic,
		"issued_at_wall":      p.IssuedAtWall,
		"ttl_seconds":         p.TTLSeconds,
	}
}

// Fingerprint is hex(SHA-256(canonical_json({"tool_name", "args"}))). Nil
// args fingerprint the same as an empty object.
func Fingerprint(toolName string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	canonical, err := crypto.Canonicalize(map[string]any{"tool_name": toolName, "args": args})
	if err != nil {
		return "", fmt.Errorf("canonicalize args: %w", err)
	}
	return crypto.DigestHex(canonical), nil
}

type Issuer struct {
	secret  []byte
	clock   clock.Clock
	rand    io.Reader
	bootTag []byte
}

func NewIssuer(secret []byte, clk clock.Clock) (*Issuer, error) {
	if len(secret) < crypto.MinSecretSize {
		return nil, crypto.ErrSecretTooShort
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Issuer{
		secret:  append([]byte(nil), secret...),
		clock:   clk,
		rand:    rand.Reader,
		bootTag: bootTag(clk.BootID()),
	}, nil
}

func bootTag(bootID string) []byte {
	sum := sha256.Sum256([]byte("tollgate-boot:" + bootID))
	return sum[:bootTagSize]
}


// Mint issues a ticket for one invocation of toolName with args.
func (i *Issuer) Mint(toolName, agentID string, args map[string]any, ttl time.Duration) (string, Payload, error) {
	if toolName == "" {
		return "", Payload{}, fmt.Errorf("tool name is required")
	}
	ttlSeconds := int64(ttl / time.Second)
	if ttlSeconds <= 0 {
		return "", Payload{}, fmt.Errorf("ttl must be at least one second")
	}

	fingerprint, err := Fingerprint(toolName, args)
	if err != nil {
		return "", Payload{}, err
	}

	jti := make([]byte, JTISize)
	copy(jti, i.bootTag)
	if _, err := io.ReadFull(i.rand, jti[bootTagSize:]); err != nil {
		return "", Payload{}, fmt.Errorf("generate jti: %w", err)
	}

	mono, _ := i.clock.Monotonic()
	p := Payload{
		JTI:               hex.EncodeToString(jti),
		ToolName:          toolName,
		AgentID:           agentID,
		ArgsFingerprint:   fingerprint,
		IssuedAtMonotonic: mono,
		IssuedAtWall:      i.clock.Now().UnixNano(),
		TTLSeconds:        ttlSeconds,
	}

	body, err := crypto.Canonicalize(p.fields())
	if err != nil {
		return "", Payload{}, err
	}
	sig := crypto.SignHMAC(i.secret, body)
	return base64.RawURLEncoding.EncodeToString(body) + "." + hex.EncodeToString(sig), p, nil
}

// Verify checks structure, signature, tool binding, args binding and
// expiry, in that order.
func (i *Issuer) Verify(ticket, toolName string, args map[string]any) (Payload, error) {
	encodedBody, encodedSig, ok := strings.Cut(ticket, ".")
	if !ok || encodedBody == "" || encodedSig == "" || strings.Contains(encodedSig, ".") {
		return Payload{}, ErrMalformed
	}
	body, err := base64.RawURLEncoding.DecodeString(encodedBody)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: payload encoding", ErrMalformed)
	}

	sig, err := hex.DecodeString(encodedSig)
	if err != nil || !crypto.VerifyHMAC(i.secret, body, sig) {
		return Payload{}, ErrBadSignature
	}

	p, err := decodePayload(body)
	if err != nil {
		return Payload{}, err
	}

	if p.ToolName != toolName {
		return Payload{}, ErrToolMismatch
	}
	fingerprint, err := Fingerprint(toolName, args)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrArgsMismatch, err)
	}
	if fingerprint != p.ArgsFingerprint {
		return Payload{}, ErrArgsMismatch
	}

	if i.expired(p) {
		return Payload{}, ErrExpired
	}
	return p, nil
}

// expired prefers the monotonic reading, but only for tickets minted on
// the verifier's own timeline (same boot tag, stamp not ahead of the
// local clock). Tickets from other hosts get wall-clock expiry alone,
// which a wall-clock rollback can stretch. The wall clock is always
// checked, so it can shorten validity but never extend it past the
// monotonic bound.
func (i *Issuer) expired(p Payload) bool {
	ttl := p.TTL()
	if now, ok := i.clock.Monotonic(); ok && p.IssuedAtMonotonic > 0 && now >= p.IssuedAtMonotonic && i.sameTimeline(p.JTI) {
		if time.Duration(now-p.IssuedAtMonotonic) > ttl {
			return true
		}
	}
	return i.clock.Now().UnixNano()-p.IssuedAtWall > int64(ttl)
}

func (i *Issuer) sameTimeline(jti string) bool {
	raw, err := hex.DecodeString(jti)
	if err != nil || len(raw) < bootTagSize {
		return false
	}
	return bytes.Equal(raw[:bootTagSize], i.bootTag)
}

func decodePayload(body []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.JTI == "" || p.ToolName == "" || p.ArgsFingerprint == "" || p.TTLSeconds <= 0 {
		return Payload{}, fmt.Errorf("%w: missing fields", ErrMalformed)
	}

	canonical, err := crypto.Canonicalize(p.fields())
	if err != nil || !bytes.Equal(canonical, body) {
		return Payload{}, fmt.Errorf("%w: payload is not canonical", ErrMalformed)
	}
	return p, nil
}

// Peek decodes the payload without verifying the signature. It is only
// suitable for labelling audit records of rejected tickets.
func Peek(ticket string) (Payload, bool) {
	encodedBody, _, ok := strings.Cut(ticket, ".")
	if !ok {
		return Payload{}, false
	}
	body, err := base64.RawURLEncoding.DecodeString(encodedBody)
	if err != nil {
		return Payload{}, false
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, false
	}
	return p, true
}
