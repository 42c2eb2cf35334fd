package sqlstore

import (
	"context"
	"database/sql"

	"github.com/davidahmann/tollgate/internal/authz"
)

func (s *Store) Version(ctx context.Context) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM authz_meta WHERE id = 1`).Scan(&version)
	return version, err
}

func (s *Store) LoadRules(ctx context.Context) (authz.RuleSet, error) {
	var set authz.RuleSet
	err := s.withSQLTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT version, updated_at FROM authz_meta WHERE id = 1`).Scan(&set.Version, &set.UpdatedAt); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `SELECT rule_id, principal, action, resource, acting_as, effect, note, created_at FROM authz_rules ORDER BY position ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		set.Rules = []authz.Rule{}
		for rows.Next() {
			var (
				r      authz.Rule
				effect string
			)
			if err := rows.Scan(&r.ID, &r.Principal, &r.Action, &r.Resource, &r.ActingAs, &effect, &r.Note, &r.CreatedAt); err != nil {
				return err
			}
			r.Effect = authz.Effect(effect)
			set.Rules = append(set.Rules, r)
		}
		return rows.Err()
	})
	if err != nil {
		return authz.RuleSet{}, err
	}
	return set, nil
}

func (s *Store) InsertRule(ctx context.Context, rule authz.Rule, updatedAt string) error {
	return s.withSQLTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO authz_rules(rule_id, principal, action, resource, acting_as, effect, note, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rule.ID, rule.Principal, rule.Action, rule.Resource, rule.ActingAs, string(rule.Effect), rule.Note, rule.CreatedAt); err != nil {
			return err
		}
		return bumpVersion(ctx, tx, updatedAt)
	})
}

func (s *Store) DeleteRule(ctx context.Context, id string, updatedAt string) (bool, error) {
	var deleted bool
	err := s.withSQLTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM authz_rules WHERE rule_id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		deleted = true
		return bumpVersion(ctx, tx, updatedAt)
	})
	return deleted, err
}

func bumpVersion(ctx context.Context, tx *sql.Tx, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE authz_meta SET version = version + 1, updated_at = ? WHERE id = 1`, updatedAt)
	return err
}
