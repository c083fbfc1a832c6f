package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

const (
	ConstraintEmail       = "users_email_key"
	ConstraintPhone       = "users_phone_number_key"
	ConstraintFederatedID = "users_federated_id_key"
)

const userColumns = `id, email, email_verified, phone_number, phone_verified, password_hash,
	role, active, federated_id, first_name, last_name, avatar_url, preferences,
	created_at, updated_at, deactivated_at, failed_logins, locked_until`

// UserRepo provides data access for the users table using sqlx. Inside a
// transaction it is bound to the *sqlx.Tx via InTx.
type UserRepo struct {
	db   *sqlx.DB
	q    sqlx.ExtContext
	now  func() time.Time
	idFn func() string
}

func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db, q: db, now: time.Now, idFn: utilities.NewSnowflakeID}
}

// WithQuerier returns a repo that runs its statements on q (usually a *sqlx.Tx).
func WithQuerier(q sqlx.ExtContext) *UserRepo {
	return &UserRepo{q: q, now: time.Now, idFn: utilities.NewSnowflakeID}
}

// InTx runs fn with a repo bound to a new transaction.
func (r *UserRepo) InTx(ctx context.Context, fn func(tx *UserRepo) error) error {
	if r.db == nil {
		return errors.New("user repo: nested transactions are not supported")
	}
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(&UserRepo{q: tx, now: r.now, idFn: r.idFn})
	})
}

// EnsureTable creates the users table if not exists (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (r *UserRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS citext;
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email CITEXT NOT NULL CONSTRAINT users_email_key UNIQUE,
  email_verified BOOLEAN NOT NULL DEFAULT false,
  phone_number TEXT CONSTRAINT users_phone_number_key UNIQUE,
  phone_verified BOOLEAN NOT NULL DEFAULT false,
  password_hash TEXT,
  role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user','admin','super_admin')),
  active BOOLEAN NOT NULL DEFAULT true,
  federated_id TEXT CONSTRAINT users_federated_id_key UNIQUE,
  first_name TEXT NOT NULL DEFAULT '',
  last_name TEXT NOT NULL DEFAULT '',
  avatar_url TEXT,
  preferences JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  deactivated_at TIMESTAMPTZ,
  failed_logins INT NOT NULL DEFAULT 0,
  locked_until TIMESTAMPTZ,
  CONSTRAINT users_reachable CHECK (password_hash IS NOT NULL OR federated_id IS NOT NULL)
);
ALTER TABLE users ADD COLUMN IF NOT EXISTS failed_logins INT NOT NULL DEFAULT 0;
ALTER TABLE users ADD COLUMN IF NOT EXISTS locked_until TIMESTAMPTZ;
`
	_, err := r.q.ExecContext(ctx, ddl)
	return err
}

// Create inserts a new user row. ID and timestamps are filled in when empty.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) error {
	if !u.Reachable() {
		return entity.ErrUnreachable
	}
	if u.ID == "" {
		u.ID = r.idFn()
	}
	if u.Role == "" {
		u.Role = entity.RoleUser
	}
	if u.Preferences == nil {
		u.Preferences = entity.Preferences{}
	}
	now := r.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now

	const q = `INSERT INTO users (id, email, email_verified, phone_number, phone_verified, password_hash,
		role, active, federated_id, first_name, last_name, avatar_url, preferences, created_at, updated_at)
	VALUES (:id, :email, :email_verified, :phone_number, :phone_verified, :password_hash,
		:role, :active, :federated_id, :first_name, :last_name, :avatar_url, :preferences, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.q, q, u); err != nil {
		return mapConflict(err)
	}
	return nil
}

// GetByID fetches a full user row or sql.ErrNoRows.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
}

// GetByEmail returns a user matched by email (case-insensitive due to citext) or sql.ErrNoRows.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email)
}

// GetByPhone fetches by phone number.
func (r *UserRepo) GetByPhone(ctx context.Context, phone string) (*entity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE phone_number=$1`, phone)
}

// GetByFederatedID fetches the user linked to a provider identity.
func (r *UserRepo) GetByFederatedID(ctx context.Context, federatedID string) (*entity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE federated_id=$1`, federatedID)
}

func (r *UserRepo) getOne(ctx context.Context, q string, arg any) (*entity.User, error) {
	var u entity.User
	if err := sqlx.GetContext(ctx, r.q, &u, q, arg); err != nil {
		return nil, err
	}
	return &u, nil
}

// LinkFederatedID attaches a provider identity to an account that has none yet.
// The avatar is only filled when the account has no avatar. Returns false when
// the account already carries a federated id.
func (r *UserRepo) LinkFederatedID(ctx context.Context, id, federatedID string, avatarURL *string) (bool, error) {
	const q = `UPDATE users SET federated_id=$2, avatar_url=COALESCE(avatar_url, $3), updated_at=$4
		WHERE id=$1 AND federated_id IS NULL RETURNING 1`
	ok, err := r.conditional(ctx, q, id, federatedID, avatarURL, r.now().UTC())
	if err != nil {
		return false, mapConflict(err)
	}
	return ok, nil
}

// MarkEmailVerified flips email_verified when the account still carries
// email. Returns false when the address has changed or the account is gone.
func (r *UserRepo) MarkEmailVerified(ctx context.Context, id, email string) (bool, error) {
	return r.conditional(ctx, `UPDATE users SET email_verified=true, updated_at=$3 WHERE id=$1 AND email=$2 RETURNING 1`,
		id, email, r.now().UTC())
}

// MarkPhoneVerified flips phone_verified when the account still carries phone.
func (r *UserRepo) MarkPhoneVerified(ctx context.Context, id, phone string) (bool, error) {
	return r.conditional(ctx, `UPDATE users SET phone_verified=true, updated_at=$3 WHERE id=$1 AND phone_number=$2 RETURNING 1`,
		id, phone, r.now().UTC())
}

// UpdatePassword replaces the password hash and lifts any login lock.
func (r *UserRepo) UpdatePassword(ctx context.Context, id, hash string) error {
	return r.exec(ctx, `UPDATE users SET password_hash=$2, failed_logins=0, locked_until=NULL, updated_at=$3 WHERE id=$1`,
		id, hash, r.now().UTC())
}

// UpdateProfile sets name fields and the phone number. A changed phone
// number loses its verified flag, and live SMS challenges sent to any other
// number are expired in the same statement.
func (r *UserRepo) UpdateProfile(ctx context.Context, id, firstName, lastName string, phone *string) error {
	const q = `WITH stale AS (
			UPDATE otp_challenges SET expires_at=$5
			WHERE user_id=$1 AND channel='sms' AND NOT verified AND expires_at > $5
				AND phone_number IS DISTINCT FROM $4)
		UPDATE users SET first_name=$2, last_name=$3,
		phone_verified = CASE WHEN phone_number IS NOT DISTINCT FROM $4 THEN phone_verified ELSE false END,
		phone_number=$4, updated_at=$5
		WHERE id=$1`
	if err := r.exec(ctx, q, id, firstName, lastName, phone, r.now().UTC()); err != nil {
		return mapConflict(err)
	}
	return nil
}

// UpdatePreferences replaces the preference map.
func (r *UserRepo) UpdatePreferences(ctx context.Context, id string, prefs entity.Preferences) error {
	return r.exec(ctx, `UPDATE users SET preferences=$2, updated_at=$3 WHERE id=$1`, id, prefs, r.now().UTC())
}

// IncrementFailedLogin bumps the failure counter atomically and returns the new value.
func (r *UserRepo) IncrementFailedLogin(ctx context.Context, id string) (int, error) {
	const q = `UPDATE users SET failed_logins = failed_logins + 1, updated_at=$2 WHERE id=$1 RETURNING failed_logins`
	var n int
	if err := sqlx.GetContext(ctx, r.q, &n, q, id, r.now().UTC()); err != nil {
		return 0, err
	}
	return n, nil
}

// LockIfThreshold suspends password sign-in until the given time once the
// counter reached threshold. Returns false when below threshold or already locked.
func (r *UserRepo) LockIfThreshold(ctx context.Context, id string, threshold int, until time.Time) (bool, error) {
	const q = `UPDATE users SET locked_until=$3, updated_at=$4
		WHERE id=$1 AND failed_logins >= $2 AND (locked_until IS NULL OR locked_until <= $4) RETURNING 1`
	return r.conditional(ctx, q, id, threshold, until, r.now().UTC())
}

// UnlockIfExpired clears a lapsed lock and starts a fresh failure window.
func (r *UserRepo) UnlockIfExpired(ctx context.Context, id string) (bool, error) {
	const q = `UPDATE users SET locked_until=NULL, failed_logins=0, updated_at=$2
		WHERE id=$1 AND locked_until IS NOT NULL AND locked_until <= $2 RETURNING 1`
	return r.conditional(ctx, q, id, r.now().UTC())
}

// ResetLoginSuccess clears the failure counter and any lock after a good password.
func (r *UserRepo) ResetLoginSuccess(ctx context.Context, id string) error {
	return r.exec(ctx, `UPDATE users SET failed_logins=0, locked_until=NULL, updated_at=$2 WHERE id=$1`, id, r.now().UTC())
}

// Deactivate clears the active flag. Returns false when already inactive or missing.
func (r *UserRepo) Deactivate(ctx context.Context, id string) (bool, error) {
	now := r.now().UTC()
	return r.conditional(ctx, `UPDATE users SET active=false, deactivated_at=$2, updated_at=$2 WHERE id=$1 AND active RETURNING 1`, id, now)
}

// Reactivate restores the active flag. Returns false when already active or missing.
func (r *UserRepo) Reactivate(ctx context.Context, id string) (bool, error) {
	return r.conditional(ctx, `UPDATE users SET active=true, deactivated_at=NULL, updated_at=$2 WHERE id=$1 AND NOT active RETURNING 1`, id, r.now().UTC())
}

// Delete hard-deletes the account; OTP and refresh rows go with it via FK cascade.
func (r *UserRepo) Delete(ctx context.Context, id string) (bool, error) {
	return r.conditional(ctx, `DELETE FROM users WHERE id=$1 RETURNING 1`, id)
}

func (r *UserRepo) exec(ctx context.Context, q string, args ...any) error {
	res, err := r.q.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// conditional runs a `... RETURNING 1` statement; no row means the condition did not hold.
func (r *UserRepo) conditional(ctx context.Context, q string, args ...any) (bool, error) {
	var one int
	if err := sqlx.GetContext(ctx, r.q, &one, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func mapConflict(err error) error {
	switch {
	case database.IsUniqueViolation(err, ConstraintEmail):
		return entity.ErrDuplicateEmail
	case database.IsUniqueViolation(err, ConstraintPhone):
		return entity.ErrDuplicatePhone
	case database.IsUniqueViolation(err, ConstraintFederatedID):
		return entity.ErrDuplicateFederatedID
	}
	return err
}
