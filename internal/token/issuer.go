package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/apperr"
)

// Kind distinguishes what a signed token may be used for.
type Kind string

const (
	KindAccess        Kind = "access"
	KindPasswordReset Kind = "password_reset"
)

var (
	ErrExpired     = apperr.New(apperr.KindAuthentication, "TOKEN_EXPIRED", "token expired")
	ErrNotYetValid = apperr.New(apperr.KindAuthentication, "TOKEN_NOT_YET_VALID", "token not yet valid")
	ErrMalformed   = apperr.New(apperr.KindAuthentication, "TOKEN_MALFORMED", "token malformed")
	// ErrInvalid covers a bad signature or an issuer/audience mismatch.
	ErrInvalid   = apperr.New(apperr.KindAuthentication, "TOKEN_INVALID", "token invalid")
	ErrWrongKind = apperr.New(apperr.KindAuthentication, "INVALID_TOKEN_TYPE", "wrong token type")
)

// Claims is the typed claim set carried by every token the Issuer signs.
// Extra holds caller-supplied claims that no component acts on.
type Claims struct {
	Role  string         `json:"role,omitempty"`
	Kind  Kind           `json:"kind"`
	Extra map[string]any `json:"ext,omitempty"`
	// Fingerprint binds single-use tokens (password reset) to mutable user state.
	Fingerprint string `json:"fp,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret    []byte
	Issuer    string
	Audience  string
	AccessTTL time.Duration
	Leeway    time.Duration
}

// Issuer mints and verifies HS256 tokens. It holds no mutable state and is
// safe for concurrent use.
type Issuer struct {
	cfg       Config
	ephemeral bool
	now       func() time.Time
}

// NewIssuer validates cfg. An empty secret is replaced with 32 random bytes
// and the issuer reports Ephemeral() so the caller can refuse to run that
// way in production.
func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 7 * 24 * time.Hour
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("token issuer and audience are required")
	}
	iss := &Issuer{cfg: cfg, now: time.Now}
	if len(cfg.Secret) == 0 {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
		iss.cfg.Secret = secret
		iss.ephemeral = true
	} else if len(cfg.Secret) < 32 {
		return nil, errors.New("signing secret must be at least 32 bytes")
	}
	return iss, nil
}

// Ephemeral reports whether the signing secret was generated at startup, in
// which case no token survives a restart.
func (i *Issuer) Ephemeral() bool { return i.ephemeral }

// AccessTTL is the lifetime of tokens minted by IssueAccessToken.
func (i *Issuer) AccessTTL() time.Duration { return i.cfg.AccessTTL }

// SetClock overrides the time source.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// IssueAccessToken signs an access token for userID with role.
func (i *Issuer) IssueAccessToken(userID, role string, extra map[string]any) (string, error) {
	return i.Issue(Claims{Role: role, Kind: KindAccess, Extra: extra}, userID, i.cfg.AccessTTL)
}

// Issue signs claims of any kind for subject with the given ttl.
func (i *Issuer) Issue(c Claims, subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	if c.Kind == "" {
		return "", errors.New("token kind is required")
	}
	now := i.now()
	c.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    i.cfg.Issuer,
		Audience:  jwt.ClaimStrings{i.cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &c)
	signed, err := tok.SignedString(i.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer, audience and time claims. It does not
// check the kind; use VerifyKind where a particular kind is required.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformed
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithAudience(i.cfg.Audience),
		jwt.WithLeeway(i.cfg.Leeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	var c Claims
	_, err := parser.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		return i.cfg.Secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if c.RegisteredClaims.Subject == "" || c.Kind == "" {
		return nil, ErrMalformed
	}
	return &c, nil
}

// VerifyKind verifies raw and requires its kind claim to equal want.
func (i *Issuer) VerifyKind(raw string, want Kind) (*Claims, error) {
	c, err := i.Verify(raw)
	if err != nil {
		return nil, err
	}
	if c.Kind != want {
		return nil, ErrWrongKind
	}
	return c, nil
}

// DecodeWithoutVerification parses the claims without checking the
// signature or any time claim. For diagnostics only.
func DecodeWithoutVerification(raw string) *Claims {
	var c Claims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(raw), &c); err != nil {
		return nil
	}
	return &c
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired.WithCause(err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ErrNotYetValid.WithCause(err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed.WithCause(err)
	default:
		return ErrInvalid.WithCause(err)
	}
}
