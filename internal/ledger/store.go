package ledger

import "context"

// Store persists audit events. Implementations must reject a second event
// with the same sequence or the same prev_hash so that concurrent writers
// cannot fork the chain.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error

	TailEvent(ctx context.Context) (EventRecord, bool, error)
	// ListEvents returns up to limit events with sequence > afterSeq in
	// ascending order.
	ListEvents(ctx context.Context, afterSeq int64, limit int) ([]EventRecord, error)
	LatestEventByJTI(ctx context.Context, jti string) (EventRecord, bool, error)
}

type Tx interface {
	TailEvent() (EventRecord, bool, error)
	PutEvent(rec EventRecord) error
}

// EventRecord is one row of the audit chain. BodyJSON is the canonical
// encoding of every field except the two hashes; the indexed columns are
// copies of values inside it.
type EventRecord struct {
	Sequence  int64
	CreatedAt string
	Type      string
	AgentID   string
	JTI       *string
	Decision  *string
	Reason    *string
	BodyJSON  []byte
	PrevHash  string
	RowHash   string
}
