// Package testutil provides in-memory implementations of the persistence
// interfaces used by the services, for unit and handler tests.
package testutil

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	otpentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/entity"
	refreshentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh/entity"
	userentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

// Users is an in-memory user store. Returned rows are copies.
type Users struct {
	mu   sync.Mutex
	txMu sync.Mutex
	rows map[string]userentity.User
	// onDelete hooks emulate ON DELETE CASCADE in dependent stores.
	onDelete []func(userID string)
	// onPhoneChange hooks emulate the challenge expiry done by UpdateProfile.
	onPhoneChange []func(userID string, phone *string)
	// FailNext, when set, is returned by the next mutating call and then cleared.
	FailNext error
}

func NewUsers() *Users { return &Users{rows: map[string]userentity.User{}} }

func cloneUser(u userentity.User) *userentity.User {
	cp := u
	if u.Preferences != nil {
		cp.Preferences = userentity.Preferences{}
		for k, v := range u.Preferences {
			cp.Preferences[k] = v
		}
	}
	return &cp
}

func (s *Users) takeFailure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

// InTx runs fn against s and restores the previous state if fn fails.
func (s *Users) InTx(_ context.Context, fn func(tx *Users) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	snapshot := make(map[string]userentity.User, len(s.rows))
	for k, v := range s.rows {
		snapshot[k] = v
	}
	s.mu.Unlock()
	if err := fn(s); err != nil {
		s.mu.Lock()
		s.rows = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Users) Create(_ context.Context, u *userentity.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	if !u.Reachable() {
		return userentity.ErrUnreachable
	}
	for _, row := range s.rows {
		if row.Email == u.Email {
			return userentity.ErrDuplicateEmail
		}
		if u.FederatedID != nil && row.FederatedID != nil && *row.FederatedID == *u.FederatedID {
			return userentity.ErrDuplicateFederatedID
		}
		if u.PhoneNumber != nil && row.PhoneNumber != nil && *row.PhoneNumber == *u.PhoneNumber {
			return userentity.ErrDuplicatePhone
		}
	}
	if u.ID == "" {
		u.ID = utilities.NewSnowflakeID()
	}
	if u.Role == "" {
		u.Role = userentity.RoleUser
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	s.rows[u.ID] = *cloneUser(*u)
	return nil
}

// Put stores u as is, bypassing validation.
func (s *Users) Put(u userentity.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[u.ID] = u
}

func (s *Users) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *Users) find(match func(userentity.User) bool) (*userentity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if match(row) {
			return cloneUser(row), nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *Users) GetByID(_ context.Context, id string) (*userentity.User, error) {
	return s.find(func(u userentity.User) bool { return u.ID == id })
}

func (s *Users) GetByEmail(_ context.Context, email string) (*userentity.User, error) {
	return s.find(func(u userentity.User) bool { return u.Email == email })
}

func (s *Users) GetByPhone(_ context.Context, phone string) (*userentity.User, error) {
	return s.find(func(u userentity.User) bool { return u.PhoneNumber != nil && *u.PhoneNumber == phone })
}

func (s *Users) GetByFederatedID(_ context.Context, id string) (*userentity.User, error) {
	return s.find(func(u userentity.User) bool { return u.FederatedID != nil && *u.FederatedID == id })
}

func (s *Users) update(id string, fn func(u *userentity.User) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return false, err
	}
	row, ok := s.rows[id]
	if !ok {
		return false, nil
	}
	if !fn(&row) {
		return false, nil
	}
	row.UpdatedAt = time.Now().UTC()
	s.rows[id] = row
	return true, nil
}

func mustExist(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Users) LinkFederatedID(_ context.Context, id, federatedID string, avatarURL *string) (bool, error) {
	if _, err := s.GetByFederatedID(context.Background(), federatedID); err == nil {
		return false, userentity.ErrDuplicateFederatedID
	}
	return s.update(id, func(u *userentity.User) bool {
		if u.FederatedID != nil {
			return false
		}
		fid := federatedID
		u.FederatedID = &fid
		if u.AvatarURL == nil && avatarURL != nil {
			a := *avatarURL
			u.AvatarURL = &a
		}
		return true
	})
}

func (s *Users) MarkEmailVerified(_ context.Context, id, email string) (bool, error) {
	return s.update(id, func(u *userentity.User) bool {
		if !strings.EqualFold(u.Email, email) {
			return false
		}
		u.EmailVerified = true
		return true
	})
}

func (s *Users) MarkPhoneVerified(_ context.Context, id, phone string) (bool, error) {
	return s.update(id, func(u *userentity.User) bool {
		if u.PhoneNumber == nil || *u.PhoneNumber != phone {
			return false
		}
		u.PhoneVerified = true
		return true
	})
}

func (s *Users) UpdatePassword(_ context.Context, id, hash string) error {
	return mustExist(s.update(id, func(u *userentity.User) bool {
		h := hash
		u.PasswordHash, u.FailedLogins, u.LockedUntil = &h, 0, nil
		return true
	}))
}

func (s *Users) IncrementFailedLogin(_ context.Context, id string) (int, error) {
	n := 0
	err := mustExist(s.update(id, func(u *userentity.User) bool { u.FailedLogins++; n = u.FailedLogins; return true }))
	return n, err
}

func (s *Users) LockIfThreshold(_ context.Context, id string, threshold int, until time.Time) (bool, error) {
	now := time.Now()
	return s.update(id, func(u *userentity.User) bool {
		if u.FailedLogins < threshold || u.LockedAt(now) {
			return false
		}
		t := until
		u.LockedUntil = &t
		return true
	})
}

func (s *Users) UnlockIfExpired(_ context.Context, id string) (bool, error) {
	now := time.Now()
	return s.update(id, func(u *userentity.User) bool {
		if u.LockedUntil == nil || u.LockedAt(now) {
			return false
		}
		u.LockedUntil, u.FailedLogins = nil, 0
		return true
	})
}

func (s *Users) ResetLoginSuccess(_ context.Context, id string) error {
	return mustExist(s.update(id, func(u *userentity.User) bool { u.FailedLogins, u.LockedUntil = 0, nil; return true }))
}

func (s *Users) UpdateProfile(_ context.Context, id, firstName, lastName string, phone *string) error {
	if phone != nil {
		if other, err := s.GetByPhone(context.Background(), *phone); err == nil && other.ID != id {
			return userentity.ErrDuplicatePhone
		}
	}
	changed := false
	err := mustExist(s.update(id, func(u *userentity.User) bool {
		u.FirstName, u.LastName = firstName, lastName
		same := (u.PhoneNumber == nil && phone == nil) || (u.PhoneNumber != nil && phone != nil && *u.PhoneNumber == *phone)
		if !same {
			u.PhoneVerified = false
			changed = true
		}
		u.PhoneNumber = phone
		return true
	}))
	if err != nil || !changed {
		return err
	}
	s.mu.Lock()
	hooks := s.onPhoneChange
	s.mu.Unlock()
	for _, h := range hooks {
		h(id, phone)
	}
	return nil
}

func (s *Users) UpdatePreferences(_ context.Context, id string, prefs userentity.Preferences) error {
	return mustExist(s.update(id, func(u *userentity.User) bool { u.Preferences = prefs; return true }))
}

func (s *Users) Deactivate(_ context.Context, id string) (bool, error) {
	return s.update(id, func(u *userentity.User) bool {
		if !u.Active {
			return false
		}
		now := time.Now().UTC()
		u.Active, u.DeactivatedAt = false, &now
		return true
	})
}

func (s *Users) Reactivate(_ context.Context, id string) (bool, error) {
	return s.update(id, func(u *userentity.User) bool {
		if u.Active {
			return false
		}
		u.Active, u.DeactivatedAt = true, nil
		return true
	})
}

// OnDelete registers a hook run after a user is deleted.
func (s *Users) OnDelete(fn func(userID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDelete = append(s.onDelete, fn)
}

// OnPhoneChange registers a hook run after UpdateProfile replaces a phone number.
func (s *Users) OnPhoneChange(fn func(userID string, phone *string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPhoneChange = append(s.onPhoneChange, fn)
}

// Delete removes the user. Dependent OTP and refresh rows are cascaded by
// the stores registered through OnDelete.
func (s *Users) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	_, ok := s.rows[id]
	delete(s.rows, id)
	hooks := s.onDelete
	s.mu.Unlock()
	if ok {
		for _, h := range hooks {
			h(id)
		}
	}
	return ok, nil
}

// OTPs is an in-memory OTP challenge store.
type OTPs struct {
	mu    sync.Mutex
	rows  map[string]*otpentity.Challenge
	users *Users
	// FailCreate, when set, makes Create fail.
	FailCreate error
}

// NewOTPs returns a store whose MarkVerified flips flags on users.
func NewOTPs(users *Users) *OTPs {
	o := &OTPs{rows: map[string]*otpentity.Challenge{}, users: users}
	if users != nil {
		users.OnDelete(func(userID string) {
			o.mu.Lock()
			defer o.mu.Unlock()
			for id, c := range o.rows {
				if c.UserID == userID {
					delete(o.rows, id)
				}
			}
		})
		users.OnPhoneChange(func(userID string, phone *string) {
			o.mu.Lock()
			defer o.mu.Unlock()
			now := time.Now().UTC()
			for _, c := range o.rows {
				if c.UserID != userID || c.Channel != otpentity.ChannelSMS || !c.LiveAt(now) {
					continue
				}
				if phone == nil || c.PhoneNumber == nil || *c.PhoneNumber != *phone {
					c.ExpiresAt = now
				}
			}
		})
	}
	return o
}

func (o *OTPs) Create(_ context.Context, c *otpentity.Challenge, now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailCreate != nil {
		return o.FailCreate
	}
	for _, row := range o.rows {
		if row.UserID == c.UserID && row.Channel == c.Channel && row.LiveAt(now) {
			row.ExpiresAt = now
		}
	}
	cp := *c
	o.rows[c.ID] = &cp
	return nil
}

func (o *OTPs) liveSorted(userID string, ch otpentity.Channel, now time.Time) []*otpentity.Challenge {
	var out []*otpentity.Challenge
	for _, row := range o.rows {
		if row.UserID == userID && row.Channel == ch && row.LiveAt(now) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (o *OTPs) FindLive(_ context.Context, userID string, ch otpentity.Channel, code string, now time.Time) (*otpentity.Challenge, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, row := range o.liveSorted(userID, ch, now) {
		if row.Code == code {
			cp := *row
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (o *OTPs) IncrementLatest(_ context.Context, userID string, ch otpentity.Channel, now time.Time) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	live := o.liveSorted(userID, ch, now)
	if len(live) == 0 {
		return 0, sql.ErrNoRows
	}
	live[0].Attempts++
	return live[0].Attempts, nil
}

func (o *OTPs) MarkVerified(ctx context.Context, c *otpentity.Challenge, maxAttempts int, now time.Time) (bool, error) {
	o.mu.Lock()
	row, ok := o.rows[c.ID]
	if !ok || !row.LiveAt(now) || row.Attempts >= maxAttempts {
		o.mu.Unlock()
		return false, nil
	}
	row.Verified = true
	at := now
	row.VerifiedAt = &at
	o.mu.Unlock()

	if o.users == nil {
		return true, nil
	}
	var (
		marked bool
		err    error
	)
	switch c.Channel {
	case otpentity.ChannelEmail:
		marked, err = o.users.MarkEmailVerified(ctx, c.UserID, c.Destination())
	case otpentity.ChannelSMS:
		marked, err = o.users.MarkPhoneVerified(ctx, c.UserID, c.Destination())
	}
	if err != nil || !marked {
		o.mu.Lock()
		row.Verified, row.VerifiedAt = false, nil
		o.mu.Unlock()
		return false, err
	}
	return true, nil
}

func (o *OTPs) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int64
	for id, row := range o.rows {
		if !now.Before(row.ExpiresAt) {
			delete(o.rows, id)
			n++
		}
	}
	return n, nil
}

// All returns copies of every stored challenge.
func (o *OTPs) All() []otpentity.Challenge {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]otpentity.Challenge, 0, len(o.rows))
	for _, row := range o.rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RefreshTokens is an in-memory refresh token store whose conditional
// operations are serialized by a mutex, mirroring the row-level
// compare-and-swap of the SQL store.
type RefreshTokens struct {
	mu   sync.Mutex
	rows map[string]*refreshentity.RefreshToken
}

func NewRefreshTokens(users *Users) *RefreshTokens {
	r := &RefreshTokens{rows: map[string]*refreshentity.RefreshToken{}}
	if users != nil {
		users.OnDelete(func(userID string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			for h, t := range r.rows {
				if t.UserID == userID {
					delete(r.rows, h)
				}
			}
		})
	}
	return r
}

func (r *RefreshTokens) Insert(_ context.Context, t *refreshentity.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.rows[t.TokenHash] = &cp
	return nil
}

func (r *RefreshTokens) GetByHash(_ context.Context, hash string) (*refreshentity.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[hash]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (r *RefreshTokens) Rotate(_ context.Context, oldHash string, now time.Time, next *refreshentity.RefreshToken) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[oldHash]
	if !ok || !t.ValidAt(now) {
		return false, nil
	}
	at := now
	id := next.ID
	t.Revoked, t.RevokedAt, t.ReplacedBy = true, &at, &id
	cp := *next
	r.rows[next.TokenHash] = &cp
	return true, nil
}

func (r *RefreshTokens) Revoke(_ context.Context, hash string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[hash]
	if !ok || t.Revoked {
		return false, nil
	}
	at := now
	t.Revoked, t.RevokedAt = true, &at
	return true, nil
}

func (r *RefreshTokens) RevokeAllForUser(_ context.Context, userID string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.rows {
		if t.UserID == userID && !t.Revoked {
			at := now
			t.Revoked, t.RevokedAt = true, &at
			n++
		}
	}
	return n, nil
}

func (r *RefreshTokens) DeleteDead(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for h, t := range r.rows {
		if !t.ValidAt(now) {
			delete(r.rows, h)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored rows.
func (r *RefreshTokens) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}
