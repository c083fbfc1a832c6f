package entity

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Role is the enumerated privilege level of an account.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// User represents an account row in the `users` table.
type User struct {
	ID            string      `db:"id"`
	Email         string      `db:"email"`
	EmailVerified bool        `db:"email_verified"`
	PhoneNumber   *string     `db:"phone_number"`
	PhoneVerified bool        `db:"phone_verified"`
	PasswordHash  *string     `db:"password_hash"`
	Role          Role        `db:"role"`
	Active        bool        `db:"active"`
	FederatedID   *string     `db:"federated_id"`
	FirstName     string      `db:"first_name"`
	LastName      string      `db:"last_name"`
	AvatarURL     *string     `db:"avatar_url"`
	Preferences   Preferences `db:"preferences"`
	CreatedAt     time.Time   `db:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at"`
	DeactivatedAt *time.Time  `db:"deactivated_at"`
	FailedLogins  int         `db:"failed_logins"`
	LockedUntil   *time.Time  `db:"locked_until"`
}

// HasPassword reports whether the account can sign in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// LockedAt reports whether password sign-in is suspended at now.
func (u *User) LockedAt(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// Reachable reports whether at least one sign-in method exists.
func (u *User) Reachable() bool {
	return u.HasPassword() || (u.FederatedID != nil && *u.FederatedID != "")
}

// Preferences is the free-form per-user settings map stored as JSONB.
type Preferences map[string]any

// Value encodes the map as a JSON string; lib/pq would send []byte as bytea.
func (p Preferences) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *Preferences) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = Preferences{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("preferences: unsupported scan type")
	}
	out := Preferences{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*p = out
	return nil
}

// View is the client-facing projection of a User.
type View struct {
	ID            string  `json:"id"`
	Email         string  `json:"email"`
	EmailVerified bool    `json:"emailVerified"`
	PhoneNumber   *string `json:"phoneNumber,omitempty"`
	PhoneVerified bool    `json:"phoneVerified"`
	Role          Role    `json:"role"`
	FirstName     string  `json:"firstName"`
	LastName      string  `json:"lastName"`
	AvatarURL     *string `json:"avatarUrl,omitempty"`
	Federated     bool    `json:"federated"`
}

func (u *User) View() View {
	return View{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		PhoneNumber:   u.PhoneNumber,
		PhoneVerified: u.PhoneVerified,
		Role:          u.Role,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		AvatarURL:     u.AvatarURL,
		Federated:     u.FederatedID != nil,
	}
}

// Storage-level conflicts reported by repositories.
var (
	ErrDuplicateEmail       = errors.New("email already registered")
	ErrDuplicatePhone       = errors.New("phone number already registered")
	ErrDuplicateFederatedID = errors.New("federated identity already linked")
	// ErrUnreachable rejects a row that has neither a password nor a federated id.
	ErrUnreachable = errors.New("user has no sign-in method")
)
