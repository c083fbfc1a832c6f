package refresh

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh/entity"
	userentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

const (
	DefaultTTL = 30 * 24 * time.Hour
	tokenBytes = 32
)

var (
	ErrInvalidOrExpired = apperr.New(apperr.KindAuthentication, "INVALID_OR_EXPIRED", "refresh token invalid or expired")
	// ErrRotationConflict is returned to the loser of two concurrent rotations
	// of the same token. It also matches ErrInvalidOrExpired.
	ErrRotationConflict      = ErrInvalidOrExpired.Refine(apperr.KindConflict, "ROTATION_CONFLICT", "refresh token already rotated")
	ErrUserInactiveOrMissing = apperr.New(apperr.KindAuthentication, "USER_INACTIVE_OR_MISSING", "user inactive or missing")
)

// Store persists refresh tokens by hash; *repo.RefreshRepo satisfies it.
type Store interface {
	Insert(ctx context.Context, t *entity.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*entity.RefreshToken, error)
	Rotate(ctx context.Context, oldHash string, now time.Time, next *entity.RefreshToken) (bool, error)
	Revoke(ctx context.Context, hash string, now time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error)
	DeleteDead(ctx context.Context, now time.Time) (int64, error)
}

// Users loads token owners; it must return sql.ErrNoRows for a missing user.
type Users interface {
	GetByID(ctx context.Context, id string) (*userentity.User, error)
}

// AccessIssuer mints the access token paired with each rotation.
type AccessIssuer interface {
	IssueAccessToken(userID, role string, extra map[string]any) (string, error)
	AccessTTL() time.Duration
}

// Issued is a freshly minted refresh token. Token is only ever available here.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// Rotation is the result of a successful rotate.
type Rotation struct {
	AccessToken  string
	RefreshToken Issued
	// ExpiresIn is the access token lifetime.
	ExpiresIn time.Duration
	User      *userentity.User
}

// Ledger implements issue/rotate/revoke over a Store.
type Ledger struct {
	store  Store
	users  Users
	access AccessIssuer
	ttl    time.Duration
	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewLedger(store Store, users Users, access AccessIssuer, ttl time.Duration, logger *zap.SugaredLogger) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Ledger{store: store, users: users, access: access, ttl: ttl, now: time.Now, logger: logger}
}

// SetClock overrides the time source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// HashToken returns the storage key of an opaque token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (l *Ledger) mint(userID string, now time.Time) (string, *entity.RefreshToken, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate refresh token: %w", err)
	}
	raw := hex.EncodeToString(buf)
	return raw, &entity.RefreshToken{
		ID:        utilities.NewKSUID(),
		UserID:    userID,
		TokenHash: HashToken(raw),
		ExpiresAt: now.Add(l.ttl),
		CreatedAt: now,
	}, nil
}

// Issue persists a new refresh token for userID.
func (l *Ledger) Issue(ctx context.Context, userID string) (Issued, error) {
	now := l.now().UTC()
	raw, row, err := l.mint(userID, now)
	if err != nil {
		return Issued{}, apperr.Internal(err)
	}
	if err := l.store.Insert(ctx, row); err != nil {
		return Issued{}, apperr.Internal(fmt.Errorf("insert refresh token: %w", err))
	}
	return Issued{Token: raw, ExpiresAt: row.ExpiresAt}, nil
}

// Rotate exchanges a live refresh token for a new access/refresh pair and
// retires the presented one. Of two concurrent calls with the same token
// exactly one succeeds.
func (l *Ledger) Rotate(ctx context.Context, presented string) (*Rotation, error) {
	if presented == "" {
		return nil, ErrInvalidOrExpired
	}
	hash := HashToken(presented)
	cur, err := l.store.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidOrExpired
		}
		return nil, apperr.Internal(fmt.Errorf("load refresh token: %w", err))
	}
	now := l.now().UTC()
	if !cur.ValidAt(now) {
		return nil, ErrInvalidOrExpired
	}

	u, err := l.users.GetByID(ctx, cur.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserInactiveOrMissing
		}
		return nil, apperr.Internal(fmt.Errorf("load token owner: %w", err))
	}
	if !u.Active {
		return nil, ErrUserInactiveOrMissing
	}

	access, err := l.access.IssueAccessToken(u.ID, string(u.Role), nil)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	raw, next, err := l.mint(u.ID, now)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	won, err := l.store.Rotate(ctx, hash, now, next)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("rotate refresh token: %w", err))
	}
	if !won {
		l.logger.Warnw("refresh rotation lost race", "user_id", u.ID, "token_id", cur.ID)
		return nil, ErrRotationConflict
	}
	l.logger.Debugw("refresh token rotated", "user_id", u.ID, "old_id", cur.ID, "new_id", next.ID)
	return &Rotation{
		AccessToken:  access,
		RefreshToken: Issued{Token: raw, ExpiresAt: next.ExpiresAt},
		ExpiresIn:    l.access.AccessTTL(),
		User:         u,
	}, nil
}

// Revoke retires a token. It is idempotent and reports whether a live token was flipped.
func (l *Ledger) Revoke(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	ok, err := l.store.Revoke(ctx, HashToken(token), l.now().UTC())
	if err != nil {
		return false, apperr.Internal(fmt.Errorf("revoke refresh token: %w", err))
	}
	return ok, nil
}

// RevokeOwned revokes token only if it belongs to userID.
func (l *Ledger) RevokeOwned(ctx context.Context, userID, token string) (bool, error) {
	cur, err := l.store.GetByHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, apperr.Internal(fmt.Errorf("load refresh token: %w", err))
	}
	if cur.UserID != userID {
		return false, nil
	}
	return l.Revoke(ctx, token)
}

// Inspect returns the stored record of a live token, or nil when the token
// is unknown, revoked or expired.
func (l *Ledger) Inspect(ctx context.Context, token string) (*entity.RefreshToken, error) {
	if token == "" {
		return nil, nil
	}
	cur, err := l.store.GetByHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Internal(fmt.Errorf("load refresh token: %w", err))
	}
	if !cur.ValidAt(l.now().UTC()) {
		return nil, nil
	}
	return cur, nil
}

// RevokeAll revokes every live token of userID.
func (l *Ledger) RevokeAll(ctx context.Context, userID string) (int64, error) {
	n, err := l.store.RevokeAllForUser(ctx, userID, l.now().UTC())
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("revoke all refresh tokens: %w", err))
	}
	if n > 0 {
		l.logger.Infow("refresh tokens revoked", "user_id", userID, "count", n)
	}
	return n, nil
}

// Sweep deletes expired and revoked rows.
func (l *Ledger) Sweep(ctx context.Context) (int64, error) {
	n, err := l.store.DeleteDead(ctx, l.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep refresh tokens: %w", err)
	}
	return n, nil
}
