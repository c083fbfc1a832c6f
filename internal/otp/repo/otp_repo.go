package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
)

const challengeColumns = `id, user_id, channel, email, phone_number, code, verified, verified_at, attempts, expires_at, created_at`

// OTPRepo stores OTP challenges in otp_challenges.
type OTPRepo struct {
	db *sqlx.DB
}

func NewOTPRepo(db *sqlx.DB) *OTPRepo { return &OTPRepo{db: db} }

// EnsureTable creates otp_challenges; requires the users table.
func (r *OTPRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS otp_challenges (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  channel TEXT NOT NULL CHECK (channel IN ('email','sms')),
  email TEXT,
  phone_number TEXT,
  code TEXT NOT NULL,
  verified BOOLEAN NOT NULL DEFAULT false,
  verified_at TIMESTAMPTZ,
  attempts INT NOT NULL DEFAULT 0,
  expires_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  CONSTRAINT otp_destination CHECK (
    (channel = 'email' AND email IS NOT NULL AND phone_number IS NULL) OR
    (channel = 'sms' AND phone_number IS NOT NULL AND email IS NULL))
);
CREATE INDEX IF NOT EXISTS idx_otp_live ON otp_challenges(user_id, channel, created_at DESC) WHERE NOT verified;
CREATE INDEX IF NOT EXISTS idx_otp_expires ON otp_challenges(expires_at);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Create expires any live challenge of the same user and channel and inserts
// c, in one transaction, so only the newest challenge is ever live.
func (r *OTPRepo) Create(ctx context.Context, c *entity.Challenge, now time.Time) error {
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		const supersede = `UPDATE otp_challenges SET expires_at = $3
			WHERE user_id = $1 AND channel = $2 AND NOT verified AND expires_at > $3`
		if _, err := tx.ExecContext(ctx, supersede, c.UserID, c.Channel, now); err != nil {
			return fmt.Errorf("supersede live challenges: %w", err)
		}
		const ins = `INSERT INTO otp_challenges (id, user_id, channel, email, phone_number, code, verified, attempts, expires_at, created_at)
			VALUES (:id, :user_id, :channel, :email, :phone_number, :code, false, 0, :expires_at, :created_at)`
		if _, err := tx.NamedExecContext(ctx, ins, c); err != nil {
			return fmt.Errorf("insert challenge: %w", err)
		}
		return nil
	})
}

// FindLive returns the newest live challenge matching user, channel and code, or sql.ErrNoRows.
func (r *OTPRepo) FindLive(ctx context.Context, userID string, ch entity.Channel, code string, now time.Time) (*entity.Challenge, error) {
	q := `SELECT ` + challengeColumns + ` FROM otp_challenges
		WHERE user_id = $1 AND channel = $2 AND code = $3 AND NOT verified AND expires_at > $4
		ORDER BY created_at DESC LIMIT 1`
	var c entity.Challenge
	if err := r.db.GetContext(ctx, &c, q, userID, ch, code, now); err != nil {
		return nil, err
	}
	return &c, nil
}

// IncrementLatest adds one failed attempt to the newest live challenge of
// (user, channel) and returns the new count, or sql.ErrNoRows if none is live.
func (r *OTPRepo) IncrementLatest(ctx context.Context, userID string, ch entity.Channel, now time.Time) (int, error) {
	const q = `UPDATE otp_challenges SET attempts = attempts + 1
		WHERE id = (
			SELECT id FROM otp_challenges
			WHERE user_id = $1 AND channel = $2 AND NOT verified AND expires_at > $3
			ORDER BY created_at DESC LIMIT 1
			FOR UPDATE)
		RETURNING attempts`
	var attempts int
	if err := r.db.GetContext(ctx, &attempts, q, userID, ch, now); err != nil {
		return 0, err
	}
	return attempts, nil
}

// errDestinationChanged rolls back a consumed challenge whose address no
// longer belongs to the account.
var errDestinationChanged = errors.New("challenge destination no longer on account")

// MarkVerified consumes the challenge and sets the owner's verified flag for
// its channel in one transaction. The flag is only set while the account
// still carries the address the code was sent to. It returns false when the
// challenge was verified concurrently, expired, reached maxAttempts in the
// meantime, or its address has since been replaced.
func (r *OTPRepo) MarkVerified(ctx context.Context, c *entity.Challenge, maxAttempts int, now time.Time) (bool, error) {
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		const q = `UPDATE otp_challenges SET verified = true, verified_at = $2
			WHERE id = $1 AND NOT verified AND expires_at > $2 AND attempts < $3 RETURNING 1`
		var one int
		if err := tx.GetContext(ctx, &one, q, c.ID, now, maxAttempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("mark challenge verified: %w", err)
		}
		users := userrepo.WithQuerier(tx)
		var (
			ok  bool
			err error
		)
		switch c.Channel {
		case entity.ChannelEmail:
			ok, err = users.MarkEmailVerified(ctx, c.UserID, c.Destination())
		case entity.ChannelSMS:
			ok, err = users.MarkPhoneVerified(ctx, c.UserID, c.Destination())
		default:
			return fmt.Errorf("unknown channel %q", c.Channel)
		}
		if err != nil {
			return fmt.Errorf("set user verified flag: %w", err)
		}
		if !ok {
			return errDestinationChanged
		}
		return nil
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, errDestinationChanged):
		return false, nil
	}
	return false, err
}

// DeleteExpired removes every challenge whose expiry is not in the future.
func (r *OTPRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM otp_challenges WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
