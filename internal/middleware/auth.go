// Package middleware holds the request gate that turns a bearer access
// token into a caller identity.
package middleware

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

var (
	ErrMissingToken       = apperr.New(apperr.KindAuthentication, "MISSING_TOKEN", "bearer token required")
	ErrTokenExpired       = apperr.New(apperr.KindAuthentication, "TOKEN_EXPIRED", "access token expired")
	ErrInvalidToken       = apperr.New(apperr.KindAuthentication, "INVALID_TOKEN", "invalid access token")
	ErrInvalidTokenType   = apperr.New(apperr.KindAuthentication, "INVALID_TOKEN_TYPE", "token is not an access token")
	ErrUserNotFound       = apperr.New(apperr.KindAuthentication, "USER_NOT_FOUND", "user not found")
	ErrAccountDeactivated = apperr.New(apperr.KindAuthentication, "ACCOUNT_DEACTIVATED", "account deactivated")
	ErrInsufficientRole   = apperr.New(apperr.KindAuthorization, "INSUFFICIENT_ROLE", "insufficient role")
)

// Identity is the resolved caller attached to the request context.
type Identity struct {
	UserID        string
	Email         string
	Role          entity.Role
	EmailVerified bool
	PhoneVerified bool
}

// TokenInfo is metadata of the access token that authenticated the request.
type TokenInfo struct {
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Verifier is satisfied by *token.Issuer.
type Verifier interface {
	Verify(raw string) (*token.Claims, error)
}

// UserLoader returns sql.ErrNoRows for an unknown id.
type UserLoader interface {
	GetByID(ctx context.Context, id string) (*entity.User, error)
}

type identityKey struct{}
type tokenKey struct{}

// IdentityFrom returns the caller attached by RequireAuth or OptionalAuth.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

// TokenFrom returns the access token metadata attached with the identity.
func TokenFrom(ctx context.Context) (*TokenInfo, bool) {
	t, ok := ctx.Value(tokenKey{}).(*TokenInfo)
	return t, ok
}

// WithIdentity attaches an identity to ctx.
func WithIdentity(ctx context.Context, id *Identity, tok *TokenInfo) context.Context {
	ctx = context.WithValue(ctx, identityKey{}, id)
	if tok != nil {
		ctx = context.WithValue(ctx, tokenKey{}, tok)
	}
	return ctx
}

// Gate authenticates requests. Every request re-reads the user so that
// deactivation takes effect before the access token expires.
type Gate struct {
	tokens         Verifier
	users          UserLoader
	logger         *zap.SugaredLogger
	exposeInternal bool
}

func NewGate(tokens Verifier, users UserLoader, logger *zap.SugaredLogger, exposeInternal bool) *Gate {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Gate{tokens: tokens, users: users, logger: logger, exposeInternal: exposeInternal}
}

func (g *Gate) authenticate(r *http.Request) (*Identity, *TokenInfo, error) {
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, nil, ErrMissingToken
	}
	claims, err := g.tokens.Verify(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, nil, ErrTokenExpired
		}
		return nil, nil, ErrInvalidToken.WithCause(err)
	}
	if claims.Kind != token.KindAccess {
		return nil, nil, ErrInvalidTokenType
	}
	u, err := g.users.GetByID(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrUserNotFound
		}
		return nil, nil, apperr.Internal(fmt.Errorf("load caller: %w", err))
	}
	if !u.Active {
		return nil, nil, ErrAccountDeactivated
	}
	id := &Identity{
		UserID:        u.ID,
		Email:         u.Email,
		Role:          u.Role,
		EmailVerified: u.EmailVerified,
		PhoneVerified: u.PhoneVerified,
	}
	info := &TokenInfo{ID: claims.ID}
	if claims.IssuedAt != nil {
		info.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, info, nil
}

// RequireAuth rejects requests without a valid access token for an active user.
func (g *Gate) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, info, err := g.authenticate(r)
		if err != nil {
			g.logger.Debugw("request rejected", "path", r.URL.Path, "code", apperr.From(err).Code, "err", err)
			if apperr.KindOf(err) == apperr.KindAuthentication {
				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			}
			apperr.Write(w, err, g.exposeInternal)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id, info)))
	})
}

// OptionalAuth attaches the caller when the token checks out and otherwise
// continues unauthenticated.
func (g *Gate) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, info, err := g.authenticate(r)
		if err != nil {
			if !errors.Is(err, ErrMissingToken) {
				g.logger.Debugw("optional auth ignored token", "path", r.URL.Path, "code", apperr.From(err).Code)
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id, info)))
	})
}

// RequireRole must run after RequireAuth.
func RequireRole(roles ...entity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				apperr.Write(w, ErrMissingToken, false)
				return
			}
			for _, role := range roles {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			apperr.Write(w, ErrInsufficientRole, false)
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}
	tok := strings.TrimSpace(value[len(bearer):])
	if tok == "" {
		return "", false
	}
	return tok, true
}
