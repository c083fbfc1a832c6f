package user

import (
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/apperr"
)

const (
	minPasswordLength = 8
	// bcrypt ignores input past 72 bytes; anything longer is rejected instead of silently truncated.
	maxPasswordLength = 72
)

// PasswordHasher defines minimal hashing interface (abstract so we can swap to argon2 later).
type PasswordHasher interface {
	Hash(pw string) (string, error)
	Verify(hash, pw string) bool
	NeedsRehash(hash string) bool
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) cost() int {
	if b.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return b.Cost
}

func (b BcryptHasher) Hash(pw string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pw), b.cost())
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func (b BcryptHasher) NeedsRehash(hash string) bool {
	c, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return false
	}
	return c < b.cost()
}

// ValidatePassword enforces the baseline password policy: 8 to 72 bytes with
// at least one letter and one digit.
func ValidatePassword(pw string) error {
	if len(pw) < minPasswordLength {
		return ErrWeakPassword.WithMessage(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	if len(pw) > maxPasswordLength {
		return ErrWeakPassword.WithMessage(fmt.Sprintf("password must be at most %d bytes", maxPasswordLength))
	}
	var hasLetter, hasDigit bool
	for _, r := range pw {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return ErrWeakPassword
	}
	return nil
}

var ErrWeakPassword = apperr.New(apperr.KindValidation, "WEAK_PASSWORD", "password must contain at least one letter and one digit")
