// Package sqlstore backs the audit ledger, replay markers and authz rules
// with SQLite (modernc.org/sqlite, no cgo).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/tollgate/internal/ledger"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens dsn with a single connection so that writers serialize
// inside SQLite instead of failing with SQLITE_BUSY.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, pragma := range []string{"PRAGMA foreign_keys = ON;", "PRAGMA busy_timeout = 5000;"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Migrate(ctx context.Context) error {
	return ledger.Migrate(ctx, s.db, ledger.DBSQLite)
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

type rowScanner interface {
	Scan(dest ...any) error
}

const eventColumns = `sequence, created_at, event_type, agent_id, jti, decision, reason, body_json, prev_hash, row_hash`

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

func (t *Tx) TailEvent() (ledger.EventRecord, bool, error) {
	return scanOptionalEvent(t.tx.QueryRowContext(t.ctx, `SELECT `+eventColumns+` FROM audit_events ORDER BY sequence DESC LIMIT 1`))
}

func (t *Tx) PutEvent(rec ledger.EventRecord) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO audit_events(`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Sequence, rec.CreatedAt, rec.Type, rec.AgentID, rec.JTI, rec.Decision, rec.Reason, string(rec.BodyJSON), rec.PrevHash, rec.RowHash)
	return err
}

func (s *Store) TailEvent(ctx context.Context) (ledger.EventRecord, bool, error) {
	return scanOptionalEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_events ORDER BY sequence DESC LIMIT 1`))
}

func (s *Store) ListEvents(ctx context.Context, afterSeq int64, limit int) ([]ledger.EventRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`, afterSeq, limit)
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
	return scanOptionalEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE jti = ? ORDER BY sequence DESC LIMIT 1`, jti))
}
