package otp

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

const (
	DefaultTTL         = 180 * time.Second
	DefaultMaxAttempts = 3
	CodeLength         = 6
)

var (
	ErrInvalidOrExpired = apperr.New(apperr.KindValidation, "OTP_INVALID_OR_EXPIRED", "code is invalid or expired")
	ErrTooManyAttempts  = apperr.New(apperr.KindValidation, "OTP_TOO_MANY_ATTEMPTS", "too many attempts; request a new code")
	ErrInvalidChannel   = apperr.New(apperr.KindValidation, "OTP_INVALID_CHANNEL", "verification type must be email or sms")
)

// Store persists challenges; *repo.OTPRepo satisfies it.
type Store interface {
	Create(ctx context.Context, c *entity.Challenge, now time.Time) error
	FindLive(ctx context.Context, userID string, ch entity.Channel, code string, now time.Time) (*entity.Challenge, error)
	IncrementLatest(ctx context.Context, userID string, ch entity.Channel, now time.Time) (int, error)
	MarkVerified(ctx context.Context, c *entity.Challenge, maxAttempts int, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type Config struct {
	TTL         time.Duration
	MaxAttempts int
	// AppName is used in message subjects and bodies.
	AppName string
}

// Requested describes a challenge that was persisted and handed to delivery.
type Requested struct {
	ChallengeID string
	ExpiresIn   time.Duration
}

// Verified describes a consumed challenge.
type Verified struct {
	UserID     string
	Channel    entity.Channel
	VerifiedAt time.Time
}

// Engine issues and verifies OTP challenges. Requesting a new challenge
// retires earlier live ones for the same user and channel.
type Engine struct {
	store    Store
	delivery *Delivery
	cfg      Config
	now      func() time.Time
	code     func() (string, error)
	logger   *zap.SugaredLogger
}

func NewEngine(store Store, delivery *Delivery, cfg Config, logger *zap.SugaredLogger) *Engine {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AppName == "" {
		cfg.AppName = "Pitchfork"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{store: store, delivery: delivery, cfg: cfg, now: time.Now, code: randomDigits, logger: logger}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetCodeGenerator overrides code generation.
func (e *Engine) SetCodeGenerator(fn func() (string, error)) { e.code = fn }

func (e *Engine) TTL() time.Duration { return e.cfg.TTL }

// RequestChallenge persists a new challenge and delivers its code to
// destination. On a delivery failure in strict mode the challenge stays
// persisted and the error is returned; the caller may request again.
func (e *Engine) RequestChallenge(ctx context.Context, userID string, ch entity.Channel, destination string) (*Requested, error) {
	if !ch.Valid() {
		return nil, ErrInvalidChannel
	}
	destination = strings.TrimSpace(destination)
	if userID == "" || destination == "" {
		return nil, apperr.Validation("user and destination are required")
	}
	code, err := e.code()
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("generate otp: %w", err))
	}
	now := e.now().UTC()
	c := &entity.Challenge{
		ID:        utilities.NewKSUID(),
		UserID:    userID,
		Channel:   ch,
		Code:      code,
		ExpiresAt: now.Add(e.cfg.TTL),
		CreatedAt: now,
	}
	if ch == entity.ChannelEmail {
		c.Email = &destination
	} else {
		c.PhoneNumber = &destination
	}
	if err := e.store.Create(ctx, c, now); err != nil {
		return nil, apperr.Internal(fmt.Errorf("persist otp challenge: %w", err))
	}

	msg := Message{
		Purpose:   PurposeOTP,
		Channel:   ch,
		UserID:    userID,
		To:        destination,
		Subject:   e.cfg.AppName + " verification code",
		Body:      fmt.Sprintf("Your %s verification code is %s. It expires in %d minutes.", e.cfg.AppName, code, int(e.cfg.TTL.Round(time.Minute)/time.Minute)),
		Code:      code,
		ExpiresIn: e.cfg.TTL,
	}
	if err := e.delivery.Deliver(ctx, msg); err != nil {
		return nil, err
	}
	e.logger.Infow("otp challenge issued", "user_id", userID, "channel", ch, "challenge_id", c.ID)
	return &Requested{ChallengeID: c.ID, ExpiresIn: e.cfg.TTL}, nil
}

// VerifyChallenge consumes the live challenge matching code. A failed
// attempt is charged to the newest live challenge of (user, channel); once
// that challenge has absorbed MaxAttempts failures every further attempt,
// including one with the right code, fails with ErrTooManyAttempts.
func (e *Engine) VerifyChallenge(ctx context.Context, userID, code string, ch entity.Channel) (*Verified, error) {
	if !ch.Valid() {
		return nil, ErrInvalidChannel
	}
	code = strings.TrimSpace(code)
	now := e.now().UTC()

	c, err := e.store.FindLive(ctx, userID, ch, code, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, e.chargeFailure(ctx, userID, ch, now)
		}
		return nil, apperr.Internal(fmt.Errorf("find otp challenge: %w", err))
	}
	if c.Attempts >= e.cfg.MaxAttempts {
		e.logger.Infow("otp verify refused after attempt cap", "user_id", userID, "challenge_id", c.ID)
		return nil, ErrTooManyAttempts
	}
	won, err := e.store.MarkVerified(ctx, c, e.cfg.MaxAttempts, now)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("mark otp verified: %w", err))
	}
	if !won {
		return nil, ErrInvalidOrExpired
	}
	e.logger.Infow("otp challenge verified", "user_id", userID, "channel", ch, "challenge_id", c.ID)
	return &Verified{UserID: userID, Channel: ch, VerifiedAt: now}, nil
}

func (e *Engine) chargeFailure(ctx context.Context, userID string, ch entity.Channel, now time.Time) error {
	attempts, err := e.store.IncrementLatest(ctx, userID, ch, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidOrExpired
		}
		return apperr.Internal(fmt.Errorf("record otp attempt: %w", err))
	}
	e.logger.Debugw("otp attempt failed", "user_id", userID, "channel", ch, "attempts", attempts)
	if attempts > e.cfg.MaxAttempts {
		return ErrTooManyAttempts
	}
	return ErrInvalidOrExpired
}

// CleanupExpired deletes challenges whose expiry has passed.
func (e *Engine) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := e.store.DeleteExpired(ctx, e.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup otp challenges: %w", err)
	}
	return n, nil
}

// randomDigits returns CodeLength uniformly distributed decimal digits.
func randomDigits() (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
