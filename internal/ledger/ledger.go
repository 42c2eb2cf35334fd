// Package ledger keeps the append-only, hash-chained audit log. Each row
// stores the hash of its predecessor; row_hash = sha256(prev_hash || body)
// where body is the canonical JSON of the event fields.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davidahmann/tollgate/internal/crypto"
)

// GenesisHash is the prev_hash of the first event.
var GenesisHash = strings.Repeat("0", 64)

// MaxRecent caps a single Recent read.
const MaxRecent = 2000

const verifyPageSize = 500

// Event types.
const (
	EventDecide  = "decide"
	EventConsume = "consume"
	EventAuthz   = "authz"
	EventAdmin   = "admin"
)

var ErrEmptyEventType = errors.New("event type is required")

type Entry struct {
	Type     string
	AgentID  string
	JTI      string
	Decision string
	Reason   string
	Payload  map[string]any
}

type Ledger struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

func (l *Ledger) Store() Store { return l.store }

// Append links e onto the tail of the chain. Appends from one process are
// serialized; the store's uniqueness constraints reject forks from others.
func (l *Ledger) Append(ctx context.Context, e Entry) (EventRecord, error) {
	if strings.TrimSpace(e.Type) == "" {
		return EventRecord{}, ErrEmptyEventType
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var rec EventRecord
	err := l.store.WithTx(ctx, func(tx Tx) error {
		tail, ok, err := tx.TailEvent()
		if err != nil {
			return err
		}
		seq, prev := int64(1), GenesisHash
		if ok {
			seq, prev = tail.Sequence+1, tail.RowHash
		}
		createdAt := l.now().UTC().Format(time.RFC3339Nano)
		body, err := crypto.Canonicalize(eventBody(seq, createdAt, e))
		if err != nil {
			return fmt.Errorf("canonicalize event: %w", err)
		}
		rec = EventRecord{
			Sequence:  seq,
			CreatedAt: createdAt,
			Type:      e.Type,
			AgentID:   e.AgentID,
			JTI:       optional(e.JTI),
			Decision:  optional(e.Decision),
			Reason:    optional(e.Reason),
			BodyJSON:  body,
			PrevHash:  prev,
			RowHash:   ChainHash(prev, body),
		}
		return tx.PutEvent(rec)
	})
	if err != nil {
		return EventRecord{}, err
	}
	return rec, nil
}

func eventBody(seq int64, createdAt string, e Entry) map[string]any {
	body := map[string]any{
		"sequence":   seq,
		"created_at": createdAt,
		"type":       e.Type,
		"agent_id":   e.AgentID,
	}
	if e.JTI != "" {
		body["jti"] = e.JTI
	}
	if e.Decision != "" {
		body["decision"] = e.Decision
	}
	if e.Reason != "" {
		body["reason"] = e.Reason
	}
	if len(e.Payload) > 0 {
		body["payload"] = e.Payload
	}
	return body
}

// ChainHash computes the row hash for body linked to prev.
func ChainHash(prev string, body []byte) string {
	buf := make([]byte, 0, len(prev)+len(body))
	buf = append(buf, prev...)
	buf = append(buf, body...)
	return crypto.DigestHex(buf)
}

type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Checked   int    `json:"checked"`
	BadLinks  int    `json:"bad_links"`
	BadHashes int    `json:"bad_hashes"`
	FirstBad  *int64 `json:"first_bad_sequence,omitempty"`
	TailHash  string `json:"tail_hash,omitempty"`
}

// Verify walks the whole chain from genesis.
func (l *Ledger) Verify(ctx context.Context) (VerifyResult, error) {
	var (
		res   VerifyResult
		after int64
		prev  = GenesisHash
	)
	for {
		page, err := l.store.ListEvents(ctx, after, verifyPageSize)
		if err != nil {
			return VerifyResult{}, err
		}
		prev = verifyPage(&res, prev, page)
		if len(page) < verifyPageSize {
			break
		}
		after = page[len(page)-1].Sequence
	}
	res.Valid = res.BadLinks == 0 && res.BadHashes == 0
	if res.Checked > 0 {
		res.TailHash = prev
	}
	return res, nil
}

// VerifyEvents checks an in-order slice of events starting from genesis.
func VerifyEvents(events []EventRecord) VerifyResult {
	var res VerifyResult
	verifyPage(&res, GenesisHash, events)
	res.Valid = res.BadLinks == 0 && res.BadHashes == 0
	if len(events) > 0 {
		res.TailHash = events[len(events)-1].RowHash
	}
	return res
}

func verifyPage(res *VerifyResult, prev string, events []EventRecord) string {
	for _, ev := range events {
		res.Checked++
		bad := false
		if ev.PrevHash != prev {
			res.BadLinks++
			bad = true
		}
		if ChainHash(ev.PrevHash, ev.BodyJSON) != ev.RowHash {
			res.BadHashes++
			bad = true
		}
		if bad && res.FirstBad == nil {
			seq := ev.Sequence
			res.FirstBad = &seq
		}
		prev = ev.RowHash
	}
	return prev
}

// Recent returns the newest events, oldest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > MaxRecent {
		limit = MaxRecent
	}
	tail, ok, err := l.store.TailEvent(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []EventRecord{}, nil
	}
	after := tail.Sequence - int64(limit)
	if after < 0 {
		after = 0
	}
	return l.store.ListEvents(ctx, after, limit)
}

func (l *Ledger) LatestForJTI(ctx context.Context, jti string) (EventRecord, bool, error) {
	return l.store.LatestEventByJTI(ctx, jti)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
