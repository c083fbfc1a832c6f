// Package auth composes the credential store, OTP engine, token issuer,
// refresh ledger and federation bridge into the sign-in flows.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/federation"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/otp"
	otpentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

var (
	ErrInvalidResetToken = apperr.New(apperr.KindValidation, "INVALID_RESET_TOKEN", "reset token is invalid or has already been used")
	ErrIdentifierMissing = apperr.New(apperr.KindValidation, "IDENTIFIER_REQUIRED", "email or phoneNumber is required for this verification type")
)

// ForgotPasswordMessage is returned whether or not the account exists.
const ForgotPasswordMessage = "If an account exists for that email, password reset instructions have been sent."

type Config struct {
	AppName          string
	PasswordResetTTL time.Duration
	// ResetLinkBase, when set, is the frontend page the reset token is appended to.
	ResetLinkBase string
}

// Session is what a successful sign-in hands to the client.
type Session struct {
	User             *entity.User
	AccessToken      string
	RefreshToken     string
	ExpiresIn        time.Duration
	RefreshExpiresAt time.Time
}

// Service implements the /auth flows on top of injected components.
type Service struct {
	users    *user.UserService
	tokens   *token.Issuer
	ledger   *refresh.Ledger
	otps     *otp.Engine
	delivery *otp.Delivery
	bridge   *federation.Bridge
	cfg      Config
	logger   *zap.SugaredLogger
}

// NewService wires the flows. bridge may be nil when federation is not configured.
func NewService(users *user.UserService, tokens *token.Issuer, ledger *refresh.Ledger, otps *otp.Engine, delivery *otp.Delivery, bridge *federation.Bridge, cfg Config, logger *zap.SugaredLogger) *Service {
	if cfg.PasswordResetTTL <= 0 {
		cfg.PasswordResetTTL = 15 * time.Minute
	}
	if cfg.AppName == "" {
		cfg.AppName = "Pitchfork"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		users:    users,
		tokens:   tokens,
		ledger:   ledger,
		otps:     otps,
		delivery: delivery,
		bridge:   bridge,
		cfg:      cfg,
		logger:   logger,
	}
}

func (s *Service) issueSession(ctx context.Context, u *entity.User) (*Session, error) {
	access, err := s.tokens.IssueAccessToken(u.ID, string(u.Role), nil)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	rt, err := s.ledger.Issue(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return &Session{
		User:             u,
		AccessToken:      access,
		RefreshToken:     rt.Token,
		ExpiresIn:        s.tokens.AccessTTL(),
		RefreshExpiresAt: rt.ExpiresAt,
	}, nil
}

// Register creates a password account and signs it in.
func (s *Service) Register(ctx context.Context, in user.RegisterInput) (*Session, error) {
	u, err := s.users.Register(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.issueSession(ctx, u)
}

// Login checks credentials. Every failure looks the same to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.users.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("user logged in", "user_id", u.ID)
	return s.issueSession(ctx, u)
}

// Refresh rotates a refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*refresh.Rotation, error) {
	return s.ledger.Rotate(ctx, strings.TrimSpace(refreshToken))
}

// Logout revokes refreshToken when it is a live token of userID. Without a
// token, or with one that is not the caller's, every token of the caller is revoked.
func (s *Service) Logout(ctx context.Context, userID, refreshToken string) (int64, error) {
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken != "" {
		ok, err := s.ledger.RevokeOwned(ctx, userID, refreshToken)
		if err != nil {
			return 0, err
		}
		if ok {
			s.logger.Infow("user logged out", "user_id", userID)
			return 1, nil
		}
	}
	return s.LogoutAll(ctx, userID)
}

// LogoutAll revokes every refresh token of userID.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.ledger.RevokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.logger.Infow("user logged out everywhere", "user_id", userID, "revoked", n)
	return n, nil
}

// Me loads the caller.
func (s *Service) Me(ctx context.Context, userID string) (*entity.User, error) {
	return s.users.GetActive(ctx, userID)
}

// SendEmailOTP issues an email challenge for a registered address.
func (s *Service) SendEmailOTP(ctx context.Context, email string) (*otp.Requested, error) {
	email = user.NormalizeEmail(email)
	if err := user.ValidateEmail(email); err != nil {
		return nil, err
	}
	u, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !u.Active {
		return nil, user.ErrDeactivated
	}
	return s.otps.RequestChallenge(ctx, u.ID, otpentity.ChannelEmail, u.Email)
}

// SendSMSOTP issues an SMS challenge for a registered phone number.
func (s *Service) SendSMSOTP(ctx context.Context, phone string) (*otp.Requested, error) {
	phone = strings.TrimSpace(phone)
	if err := user.ValidatePhone(phone); err != nil {
		return nil, err
	}
	u, err := s.users.FindByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if !u.Active {
		return nil, user.ErrDeactivated
	}
	return s.otps.RequestChallenge(ctx, u.ID, otpentity.ChannelSMS, *u.PhoneNumber)
}

type VerifyOTPInput struct {
	Code        string
	Channel     otpentity.Channel
	Email       string
	PhoneNumber string
}

// VerifyOTP consumes a challenge and signs the user in. An unknown
// identifier is reported like a wrong code.
func (s *Service) VerifyOTP(ctx context.Context, in VerifyOTPInput) (*Session, error) {
	if !in.Channel.Valid() {
		return nil, otp.ErrInvalidChannel
	}
	if strings.TrimSpace(in.Code) == "" {
		return nil, apperr.Validation("otpCode is required")
	}
	var (
		u   *entity.User
		err error
	)
	switch in.Channel {
	case otpentity.ChannelEmail:
		if strings.TrimSpace(in.Email) == "" {
			return nil, ErrIdentifierMissing
		}
		u, err = s.users.FindByEmail(ctx, in.Email)
	case otpentity.ChannelSMS:
		if strings.TrimSpace(in.PhoneNumber) == "" {
			return nil, ErrIdentifierMissing
		}
		u, err = s.users.FindByPhone(ctx, in.PhoneNumber)
	}
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, otp.ErrInvalidOrExpired
		}
		return nil, err
	}
	if !u.Active {
		return nil, user.ErrDeactivated
	}
	if _, err := s.otps.VerifyChallenge(ctx, u.ID, in.Code, in.Channel); err != nil {
		return nil, err
	}
	// reload for the verified flag
	if u, err = s.users.GetActive(ctx, u.ID); err != nil {
		return nil, err
	}
	return s.issueSession(ctx, u)
}

// passwordFingerprint changes whenever the password does, which makes a
// reset token single use.
func passwordFingerprint(u *entity.User) string {
	material := "none:" + u.ID
	if u.HasPassword() {
		material = *u.PasswordHash
	}
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:16])
}

// ForgotPassword mails a reset token when the email belongs to an active
// account. The outcome is never reported to the caller.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email = user.NormalizeEmail(email)
	if err := user.ValidateEmail(email); err != nil {
		return err
	}
	u, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			s.logger.Debugw("password reset for unknown email")
			return nil
		}
		return err
	}
	if !u.Active {
		s.logger.Infow("password reset ignored for deactivated account", "user_id", u.ID)
		return nil
	}
	raw, err := s.tokens.Issue(token.Claims{Kind: token.KindPasswordReset, Fingerprint: passwordFingerprint(u)}, u.ID, s.cfg.PasswordResetTTL)
	if err != nil {
		return apperr.Internal(err)
	}
	body := fmt.Sprintf("Use this token to reset your %s password within %d minutes: %s", s.cfg.AppName, int(s.cfg.PasswordResetTTL/time.Minute), raw)
	if s.cfg.ResetLinkBase != "" {
		body = fmt.Sprintf("Reset your %s password within %d minutes: %s", s.cfg.AppName, int(s.cfg.PasswordResetTTL/time.Minute), resetLink(s.cfg.ResetLinkBase, raw))
	}
	msg := otp.Message{
		Purpose:   otp.PurposePasswordReset,
		Channel:   otpentity.ChannelEmail,
		UserID:    u.ID,
		To:        u.Email,
		Subject:   s.cfg.AppName + " password reset",
		Body:      body,
		ExpiresIn: s.cfg.PasswordResetTTL,
	}
	if err := s.delivery.Deliver(ctx, msg); err != nil {
		s.logger.Errorw("password reset delivery failed", "user_id", u.ID, "err", err)
		return nil
	}
	s.logger.Infow("password reset issued", "user_id", u.ID)
	return nil
}

func resetLink(base, raw string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(raw)
}

// ResetPassword sets a new password from a reset token and revokes every
// refresh token of the account.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	claims, err := s.tokens.VerifyKind(rawToken, token.KindPasswordReset)
	if err != nil {
		s.logger.Debugw("reset token rejected", "err", err)
		return ErrInvalidResetToken.WithCause(err)
	}
	u, err := s.users.GetActive(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) || errors.Is(err, user.ErrDeactivated) {
			return ErrInvalidResetToken
		}
		return err
	}
	if claims.Fingerprint != passwordFingerprint(u) {
		return ErrInvalidResetToken
	}
	if err := s.users.SetPassword(ctx, u.ID, newPassword); err != nil {
		return err
	}
	if _, err := s.ledger.RevokeAll(ctx, u.ID); err != nil {
		return err
	}
	s.logger.Infow("password reset completed", "user_id", u.ID)
	return nil
}

// ChangePassword replaces the caller's password, revokes every refresh
// token and returns a fresh session.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) (*Session, error) {
	if err := s.users.ChangePassword(ctx, userID, current, next); err != nil {
		return nil, err
	}
	if _, err := s.ledger.RevokeAll(ctx, userID); err != nil {
		return nil, err
	}
	u, err := s.users.GetActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.issueSession(ctx, u)
}

func (s *Service) federation() (*federation.Bridge, error) {
	if s.bridge == nil {
		return nil, federation.ErrFederationDisabled
	}
	return s.bridge, nil
}

// FederatedStart returns the provider URL to redirect the browser to.
func (s *Service) FederatedStart(ctx context.Context) (string, error) {
	b, err := s.federation()
	if err != nil {
		return "", err
	}
	authURL, _, err := b.Start(ctx)
	return authURL, err
}

// FederatedCallback completes the redirect flow.
func (s *Service) FederatedCallback(ctx context.Context, state, code string) (*Session, error) {
	b, err := s.federation()
	if err != nil {
		return nil, err
	}
	u, err := b.Callback(ctx, state, code)
	if err != nil {
		return nil, err
	}
	return s.issueSession(ctx, u)
}

// FederatedIDToken signs in with an ID token the client obtained itself.
func (s *Service) FederatedIDToken(ctx context.Context, rawIDToken string) (*Session, error) {
	b, err := s.federation()
	if err != nil {
		return nil, err
	}
	u, err := b.SignInWithIDToken(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}
	return s.issueSession(ctx, u)
}

// Introspection describes a token as seen by this service.
type Introspection struct {
	Active    bool   `json:"active"`
	TokenType string `json:"token_type,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Role      string `json:"role,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// Introspect reports whether raw is a live refresh token or a valid access
// token. Anything else is simply inactive.
func (s *Service) Introspect(ctx context.Context, raw string) (*Introspection, error) {
	raw = strings.TrimSpace(raw)
	rec, err := s.ledger.Inspect(ctx, raw)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return &Introspection{
			Active:    true,
			TokenType: "refresh_token",
			Subject:   rec.UserID,
			ExpiresAt: rec.ExpiresAt.Unix(),
			IssuedAt:  rec.CreatedAt.Unix(),
		}, nil
	}
	claims, err := s.tokens.VerifyKind(raw, token.KindAccess)
	if err != nil {
		return &Introspection{Active: false}, nil
	}
	out := &Introspection{
		Active:    true,
		TokenType: "access_token",
		Subject:   claims.Subject,
		Role:      claims.Role,
		Issuer:    claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Unix()
	}
	return out, nil
}

// RevokeToken retires a refresh token without requiring its owner to be
// signed in. Unknown tokens are not an error.
func (s *Service) RevokeToken(ctx context.Context, raw string) error {
	ok, err := s.ledger.Revoke(ctx, strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if ok {
		s.logger.Infow("refresh token revoked by holder")
	}
	return nil
}
