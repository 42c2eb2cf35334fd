package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/davidahmann/tollgate/internal/replay"
)

// TryConsume records jti in replay_markers. An expired marker for the same
// jti is dropped first so its id can be reused once it has aged out.
func (s *Store) TryConsume(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" {
		return false, replay.ErrEmptyJTI
	}
	now := s.now()
	expires := now.Add(replay.NormalizeTTL(ttl))

	var inserted bool
	err := s.withSQLTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM replay_markers WHERE jti = ? AND expires_at <= ?`, jti, now.UnixNano()); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO replay_markers(jti, consumed_at, expires_at) VALUES (?, ?, ?) ON CONFLICT(jti) DO NOTHING`,
			jti, now.UnixNano(), expires.UnixNano())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM replay_markers WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
