package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

var (
	ErrInvalidCredentials = apperr.New(apperr.KindAuthentication, "INVALID_CREDENTIALS", "invalid credentials")
	ErrEmailTaken         = apperr.New(apperr.KindValidation, "EMAIL_TAKEN", "email already registered")
	ErrPhoneTaken         = apperr.New(apperr.KindConflict, "PHONE_TAKEN", "phone number already in use")
	ErrInvalidEmail       = apperr.New(apperr.KindValidation, "INVALID_EMAIL", "email address is invalid")
	ErrInvalidPhone       = apperr.New(apperr.KindValidation, "INVALID_PHONE", "phone number must be in E.164 format")
	ErrNotFound           = apperr.New(apperr.KindNotFound, "USER_NOT_FOUND", "user not found")
	ErrDeactivated        = apperr.New(apperr.KindAuthentication, "ACCOUNT_DEACTIVATED", "account deactivated")
	ErrPasswordNotSet     = apperr.New(apperr.KindValidation, "PASSWORD_NOT_SET", "account has no password; sign in with your identity provider")
	ErrTooManyPreferences = apperr.New(apperr.KindValidation, "TOO_MANY_PREFERENCES", "too many preference keys")
)

const maxPreferenceKeys = 64

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// Store is the persistence surface the service needs; *repo.UserRepo satisfies it.
type Store interface {
	Create(ctx context.Context, u *entity.User) error
	GetByID(ctx context.Context, id string) (*entity.User, error)
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	GetByPhone(ctx context.Context, phone string) (*entity.User, error)
	UpdatePassword(ctx context.Context, id, hash string) error
	UpdateProfile(ctx context.Context, id, firstName, lastName string, phone *string) error
	UpdatePreferences(ctx context.Context, id string, prefs entity.Preferences) error
	Deactivate(ctx context.Context, id string) (bool, error)
	Reactivate(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	IncrementFailedLogin(ctx context.Context, id string) (int, error)
	LockIfThreshold(ctx context.Context, id string, threshold int, until time.Time) (bool, error)
	UnlockIfExpired(ctx context.Context, id string) (bool, error)
	ResetLoginSuccess(ctx context.Context, id string) error
}

// UserService owns the credential store: registration, password checks and
// account lifecycle. Token issuance lives elsewhere.
type UserService struct {
	store  Store
	hasher PasswordHasher
	logger *zap.SugaredLogger
	// dummyHash keeps the unknown-email path as slow as a real comparison.
	dummyHash string
	now       func() time.Time

	// MaxFailed consecutive bad passwords lock the account for LockFor.
	// Zero disables the lockout.
	MaxFailed int
	LockFor   time.Duration
}

func NewUserService(store Store, hasher PasswordHasher, logger *zap.SugaredLogger) *UserService {
	if hasher == nil {
		hasher = BcryptHasher{Cost: 12}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	dummy, _ := hasher.Hash("not-a-real-password-0")
	return &UserService{store: store, hasher: hasher, logger: logger, dummyHash: dummy, now: time.Now,
		MaxFailed: 6, LockFor: 15 * time.Minute}
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks that email is a bare address.
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}
	return nil
}

// ValidatePhone checks E.164 formatting.
func ValidatePhone(phone string) error {
	if !e164.MatchString(phone) {
		return ErrInvalidPhone
	}
	return nil
}

type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Register creates a password account with the default role.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*entity.User, error) {
	email := NormalizeEmail(in.Email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(in.Password); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("hash password: %w", err))
	}
	u := &entity.User{
		Email:        email,
		PasswordHash: &hash,
		Role:         entity.RoleUser,
		Active:       true,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
	}
	if err := s.store.Create(ctx, u); err != nil {
		if errors.Is(err, entity.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, apperr.Internal(fmt.Errorf("create user: %w", err))
	}
	s.logger.Infow("user registered", "user_id", u.ID)
	return u, nil
}

// Authenticate checks an email/password pair. Every failure, including a
// deactivated or locked account, is reported as ErrInvalidCredentials.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*entity.User, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	u, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.hasher.Verify(s.dummyHash, password)
			return nil, ErrInvalidCredentials
		}
		return nil, apperr.Internal(fmt.Errorf("load user: %w", err))
	}
	if !u.HasPassword() {
		s.hasher.Verify(s.dummyHash, password)
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	if u.LockedAt(now) {
		s.hasher.Verify(s.dummyHash, password)
		s.logger.Infow("login refused for locked account", "user_id", u.ID, "locked_until", u.LockedUntil)
		return nil, ErrInvalidCredentials
	}
	if u.LockedUntil != nil {
		if unlocked, uErr := s.store.UnlockIfExpired(ctx, u.ID); uErr != nil {
			s.logger.Warnw("unlock failed", "user_id", u.ID, "err", uErr)
		} else if unlocked {
			u.LockedUntil, u.FailedLogins = nil, 0
		}
	}

	if !s.hasher.Verify(*u.PasswordHash, password) {
		s.logger.Debugw("password mismatch", "user_id", u.ID)
		s.recordFailure(ctx, u.ID, now)
		return nil, ErrInvalidCredentials
	}
	if !u.Active {
		s.logger.Infow("login refused for deactivated account", "user_id", u.ID)
		return nil, ErrInvalidCredentials
	}

	if u.FailedLogins > 0 || u.LockedUntil != nil {
		if err := s.store.ResetLoginSuccess(ctx, u.ID); err != nil {
			return nil, apperr.Internal(fmt.Errorf("reset login failures: %w", err))
		}
		u.FailedLogins, u.LockedUntil = 0, nil
	}

	if s.hasher.NeedsRehash(*u.PasswordHash) {
		if newHash, hErr := s.hasher.Hash(password); hErr == nil {
			if err := s.store.UpdatePassword(ctx, u.ID, newHash); err != nil {
				s.logger.Warnw("password rehash failed", "user_id", u.ID, "err", err)
			} else {
				u.PasswordHash = &newHash
			}
		}
	}
	return u, nil
}

// recordFailure counts a bad password and locks the account at the threshold.
// Bookkeeping errors are logged; the caller still sees ErrInvalidCredentials.
func (s *UserService) recordFailure(ctx context.Context, id string, now time.Time) {
	if s.MaxFailed <= 0 {
		return
	}
	n, err := s.store.IncrementFailedLogin(ctx, id)
	if err != nil {
		s.logger.Warnw("count failed login", "user_id", id, "err", err)
		return
	}
	if n < s.MaxFailed {
		return
	}
	locked, err := s.store.LockIfThreshold(ctx, id, s.MaxFailed, now.Add(s.LockFor))
	if err != nil {
		s.logger.Warnw("lock account", "user_id", id, "err", err)
		return
	}
	if locked {
		s.logger.Warnw("account locked after repeated failures", "user_id", id, "failures", n, "lock_for", s.LockFor)
	}
}

// Get loads a user by id.
func (s *UserService) Get(ctx context.Context, id string) (*entity.User, error) {
	return s.lookup(s.store.GetByID(ctx, id))
}

// FindByEmail loads a user by normalized email.
func (s *UserService) FindByEmail(ctx context.Context, email string) (*entity.User, error) {
	return s.lookup(s.store.GetByEmail(ctx, NormalizeEmail(email)))
}

// FindByPhone loads a user by phone number.
func (s *UserService) FindByPhone(ctx context.Context, phone string) (*entity.User, error) {
	return s.lookup(s.store.GetByPhone(ctx, strings.TrimSpace(phone)))
}

// GetActive loads a user and fails with ErrDeactivated when the account is inactive.
func (s *UserService) GetActive(ctx context.Context, id string) (*entity.User, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !u.Active {
		return nil, ErrDeactivated
	}
	return u, nil
}

func (s *UserService) lookup(u *entity.User, err error) (*entity.User, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, apperr.Internal(fmt.Errorf("load user: %w", err))
	}
	return u, nil
}

// ChangePassword replaces the password after checking the current one.
// Callers are expected to revoke the user's refresh tokens afterwards.
func (s *UserService) ChangePassword(ctx context.Context, id, current, next string) error {
	u, err := s.GetActive(ctx, id)
	if err != nil {
		return err
	}
	if !u.HasPassword() {
		return ErrPasswordNotSet
	}
	if !s.hasher.Verify(*u.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	return s.SetPassword(ctx, id, next)
}

// SetPassword replaces the password without checking the old one (reset flow).
func (s *UserService) SetPassword(ctx context.Context, id, next string) error {
	if err := ValidatePassword(next); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return apperr.Internal(fmt.Errorf("hash password: %w", err))
	}
	if err := s.store.UpdatePassword(ctx, id, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return apperr.Internal(fmt.Errorf("update password: %w", err))
	}
	s.logger.Infow("password changed", "user_id", id)
	return nil
}

type ProfileInput struct {
	FirstName   string
	LastName    string
	PhoneNumber *string
}

// UpdateProfile replaces name and phone fields and returns the fresh row.
func (s *UserService) UpdateProfile(ctx context.Context, id string, in ProfileInput) (*entity.User, error) {
	var phone *string
	if in.PhoneNumber != nil && strings.TrimSpace(*in.PhoneNumber) != "" {
		p := strings.TrimSpace(*in.PhoneNumber)
		if err := ValidatePhone(p); err != nil {
			return nil, err
		}
		phone = &p
	}
	err := s.store.UpdateProfile(ctx, id, strings.TrimSpace(in.FirstName), strings.TrimSpace(in.LastName), phone)
	switch {
	case errors.Is(err, entity.ErrDuplicatePhone):
		return nil, ErrPhoneTaken
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, apperr.Internal(fmt.Errorf("update profile: %w", err))
	}
	return s.Get(ctx, id)
}

// UpdatePreferences replaces the caller's preference map.
func (s *UserService) UpdatePreferences(ctx context.Context, id string, prefs entity.Preferences) error {
	if len(prefs) > maxPreferenceKeys {
		return ErrTooManyPreferences
	}
	if prefs == nil {
		prefs = entity.Preferences{}
	}
	if err := s.store.UpdatePreferences(ctx, id, prefs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return apperr.Internal(fmt.Errorf("update preferences: %w", err))
	}
	return nil
}

// Deactivate marks the account inactive. Already-inactive accounts are left as is.
func (s *UserService) Deactivate(ctx context.Context, id string) error {
	return s.toggle(ctx, id, s.store.Deactivate, "user deactivated")
}

// Reactivate marks the account active again.
func (s *UserService) Reactivate(ctx context.Context, id string) error {
	return s.toggle(ctx, id, s.store.Reactivate, "user reactivated")
}

func (s *UserService) toggle(ctx context.Context, id string, fn func(context.Context, string) (bool, error), msg string) error {
	changed, err := fn(ctx, id)
	if err != nil {
		return apperr.Internal(fmt.Errorf("%s: %w", msg, err))
	}
	if !changed {
		_, err := s.Get(ctx, id)
		return err
	}
	s.logger.Infow(msg, "user_id", id)
	return nil
}

// Delete hard-deletes the account and, through the schema, its tokens and challenges.
func (s *UserService) Delete(ctx context.Context, id string) error {
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return apperr.Internal(fmt.Errorf("delete user: %w", err))
	}
	if !deleted {
		return ErrNotFound
	}
	s.logger.Warnw("user deleted", "user_id", id)
	return nil
}
