package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
)

type RefreshRepo struct {
	db *sqlx.DB
}

func NewRefreshRepo(db *sqlx.DB) *RefreshRepo {
	return &RefreshRepo{db: db}
}

// EnsureTable creates refresh_tokens; requires the users table.
func (r *RefreshRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  token_hash TEXT NOT NULL UNIQUE,
  expires_at TIMESTAMPTZ NOT NULL,
  revoked BOOLEAN NOT NULL DEFAULT false,
  revoked_at TIMESTAMPTZ,
  replaced_by TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id) WHERE NOT revoked;
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON refresh_tokens(expires_at);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

const insertToken = `INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, revoked, created_at)
	VALUES (:id, :user_id, :token_hash, :expires_at, false, :created_at)`

func (r *RefreshRepo) Insert(ctx context.Context, t *entity.RefreshToken) error {
	_, err := r.db.NamedExecContext(ctx, insertToken, t)
	return err
}

// GetByHash returns the row for a token hash or sql.ErrNoRows.
func (r *RefreshRepo) GetByHash(ctx context.Context, hash string) (*entity.RefreshToken, error) {
	const q = `SELECT id, user_id, token_hash, expires_at, revoked, revoked_at, replaced_by, created_at
		FROM refresh_tokens WHERE token_hash = $1`
	var t entity.RefreshToken
	if err := r.db.GetContext(ctx, &t, q, hash); err != nil {
		return nil, err
	}
	return &t, nil
}

// Rotate revokes the live row for oldHash and inserts next in one transaction.
// The conditional update is the serialization point: when another caller
// revoked the row first no row comes back and Rotate reports false.
func (r *RefreshRepo) Rotate(ctx context.Context, oldHash string, now time.Time, next *entity.RefreshToken) (bool, error) {
	won := false
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		const q = `UPDATE refresh_tokens SET revoked = true, revoked_at = $2, replaced_by = $3
			WHERE token_hash = $1 AND NOT revoked AND expires_at > $2 RETURNING 1`
		var one int
		if err := tx.GetContext(ctx, &one, q, oldHash, now, next.ID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("revoke presented token: %w", err)
		}
		if _, err := tx.NamedExecContext(ctx, insertToken, next); err != nil {
			return fmt.Errorf("insert successor token: %w", err)
		}
		won = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// Revoke flips a live token to revoked. Returns false if it was already revoked or absent.
func (r *RefreshRepo) Revoke(ctx context.Context, hash string, now time.Time) (bool, error) {
	const q = `UPDATE refresh_tokens SET revoked = true, revoked_at = $2
		WHERE token_hash = $1 AND NOT revoked RETURNING 1`
	var one int
	if err := r.db.GetContext(ctx, &one, q, hash, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RevokeAllForUser revokes every unrevoked token of the user.
func (r *RefreshRepo) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = true, revoked_at = $2 WHERE user_id = $1 AND NOT revoked`, userID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteDead removes rows that are revoked or expired at now.
func (r *RefreshRepo) DeleteDead(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE revoked OR expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
