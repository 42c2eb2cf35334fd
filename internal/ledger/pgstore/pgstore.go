// Package pgstore is the Postgres (lib/pq) counterpart of sqlstore. Tables
// carry a tollgate_ prefix so the schema can share a database.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/davidahmann/tollgate/internal/ledger"
)

// auditLockKey serializes appends across gateway replicas.
const auditLockKey int64 = 0x746f6c6c67617465

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Migrate(ctx context.Context) error {
	return ledger.Migrate(ctx, s.db, ledger.DBPostgres)
}

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.withSQLTx(ctx, func(tx *sql.Tx) error {
		return fn(&Tx{ctx: ctx, tx: tx})
	})
}

func (s *Store) withSQLTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

const eventColumns = `sequence, created_at, event_type, agent_id, jti, decision, reason, body_json, prev_hash, row_hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (ledger.EventRecord, error) {
	var (
		rec  ledger.EventRecord
		body string
	)
	if err := row.Scan(&rec.Sequence, &rec.CreatedAt, &rec.Type, &rec.AgentID, &rec.JTI, &rec.Decision, &rec.Reason, &body, &rec.PrevHash, &rec.RowHash); err != nil {
		return ledger.EventRecord{}, err
	}
	rec.BodyJSON = []byte(body)
	return rec, nil
}

func scanOptionalEvent(row *sql.Row) (ledger.EventRecord, bool, error) {
	rec, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.EventRecord{}, false, nil
	}
	if err != nil {
		return ledger.EventRecord{}, false, err
	}
	return rec, true, nil
}

// TailEvent takes the transaction-scoped append lock before reading, so the
// tail cannot move until this transaction ends.
func (t *Tx) TailEvent() (ledger.EventRecord, bool, error) {
	if _, err := t.tx.ExecContext(t.ctx, `SELECT pg_advisory_xact_lock($1)`, auditLockKey); err != nil {
		return ledger.EventRecord{}, false, err
	}
	return scanOptionalEvent(t.tx.QueryRowContext(t.ctx, `SELECT `+eventColumns+` FROM tollgate_audit_events ORDER BY sequence DESC LIMIT 1`))
}

func (t *Tx) PutEvent(rec ledger.EventRecord) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO tollgate_audit_events(`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.Sequence, rec.CreatedAt, rec.Type, rec.AgentID, rec.JTI, rec.Decision, rec.Reason, string(rec.BodyJSON), rec.PrevHash, rec.RowHash)
	return err
}

func (s *Store) TailEvent(ctx context.Context) (ledger.EventRecord, bool, error) {
	return scanOptionalEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM tollgate_audit_events ORDER BY sequence DESC LIMIT 1`))
}

func (s *Store) ListEvents(ctx context.Context, afterSeq int64, limit int) ([]ledger.EventRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM tollgate_audit_events WHERE sequence > $1 ORDER BY sequence ASC LIMIT $2`, afterSeq, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM tollgate_audit_events WHERE sequence > $1 ORDER BY sequence ASC`, afterSeq)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.EventRecord{}
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) LatestEventByJTI(ctx context.Context, jti string) (ledger.EventRecord, bool, error) {
	return scanOptionalEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM tollgate_audit_events WHERE jti = $1 ORDER BY sequence DESC LIMIT 1`, jti))
}
