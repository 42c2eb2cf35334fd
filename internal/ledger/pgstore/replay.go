package pgstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/davidahmann/tollgate/internal/replay"
)

func (s *Store) TryConsume(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" {
		return false, replay.ErrEmptyJTI
	}
	now := s.now()
	expires := now.Add(replay.NormalizeTTL(ttl))

	var inserted bool
	err := s.withSQLTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tollgate_replay_markers WHERE jti = $1 AND expires_at <= $2`, jti, now.UnixNano()); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO tollgate_replay_markers(jti, consumed_at, expires_at) VALUES ($1, $2, $3) ON CONFLICT (jti) DO NOTHING`,
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM tollgate_replay_markers WHERE expires_at <= $1`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
