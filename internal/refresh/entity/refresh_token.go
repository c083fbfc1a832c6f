package entity

import "time"

// RefreshToken is a persisted refresh capability. Only the SHA-256 of the
// opaque token is stored.
type RefreshToken struct {
	ID        string     `db:"id"`
	UserID    string     `db:"user_id"`
	TokenHash string     `db:"token_hash"`
	ExpiresAt time.Time  `db:"expires_at"`
	Revoked   bool       `db:"revoked"`
	RevokedAt *time.Time `db:"revoked_at"`
	// ReplacedBy is the id of the successor issued when this token was rotated out.
	ReplacedBy *string   `db:"replaced_by"`
	CreatedAt  time.Time `db:"created_at"`
}

// ValidAt reports whether the token can still be exchanged at now.
// Expiry is strict: a token is dead at exactly ExpiresAt.
func (t *RefreshToken) ValidAt(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}
