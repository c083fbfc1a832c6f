// Package federation exchanges third-party identity assertions for local
// user records.
package federation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/repo"
)

const stateTTL = 10 * time.Minute

var (
	ErrFederationFailed   = apperr.New(apperr.KindAuthentication, "FEDERATION_FAILED", "federated sign-in failed")
	ErrFederationDisabled = apperr.New(apperr.KindNotFound, "FEDERATION_DISABLED", "federated sign-in is not configured")
)

var (
	errNoEmail       = errors.New("provider asserted no email")
	errLinkRefused   = errors.New("email belongs to an existing account and linking is not allowed")
	errLinkedToOther = errors.New("account is already linked to another identity")
	errBadState      = errors.New("unknown or expired state")
)

// Assertion is what a provider vouches for after a successful sign-in.
type Assertion struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	FirstName     string
	LastName      string
	AvatarURL     string
}

// FederatedID is the value stored in users.federated_id.
func (a Assertion) FederatedID() string { return a.Provider + ":" + a.Subject }

// Provider runs the authorization-code flow against one identity provider.
type Provider interface {
	Name() string
	AuthCodeURL(state, nonce, verifier string) string
	Exchange(ctx context.Context, code, verifier, nonce string) (*Assertion, error)
}

// IDTokenVerifier validates an ID token obtained by the client itself.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*Assertion, error)
}

// TxStore is the user persistence needed while reconciling, bound to one transaction.
type TxStore interface {
	GetByID(ctx context.Context, id string) (*entity.User, error)
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	GetByFederatedID(ctx context.Context, federatedID string) (*entity.User, error)
	LinkFederatedID(ctx context.Context, id, federatedID string, avatarURL *string) (bool, error)
	Create(ctx context.Context, u *entity.User) error
}

// Store runs fn in a transaction; nothing fn wrote is visible if it fails.
type Store interface {
	InTx(ctx context.Context, fn func(tx TxStore) error) error
}

// RepoStore adapts *userrepo.UserRepo to Store.
type RepoStore struct{ Repo *userrepo.UserRepo }

func (s RepoStore) InTx(ctx context.Context, fn func(tx TxStore) error) error {
	return s.Repo.InTx(ctx, func(tx *userrepo.UserRepo) error { return fn(tx) })
}

// AuthState is kept between Start and Callback.
type AuthState struct {
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier"`
	CreatedAt    time.Time `json:"created_at"`
}

// StateStore keeps AuthState for a bounded time. Take is single use.
type StateStore interface {
	Put(ctx context.Context, state string, v AuthState, ttl time.Duration) error
	Take(ctx context.Context, state string) (*AuthState, error)
}

type Config struct {
	// LinkByEmail allows attaching a new identity to an existing account with
	// the same email, provided the provider asserts the email is verified.
	LinkByEmail bool
}

// Bridge resolves provider identities to local users: by federated id,
// then by email (linking), then by creating a pre-verified account.
type Bridge struct {
	store    Store
	provider Provider
	states   StateStore
	idTokens IDTokenVerifier
	cfg      Config
	logger   *zap.SugaredLogger
}

// NewBridge wires the bridge. provider/states and idTokens may be nil when
// the corresponding sign-in route is not configured.
func NewBridge(store Store, provider Provider, states StateStore, idTokens IDTokenVerifier, cfg Config, logger *zap.SugaredLogger) *Bridge {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bridge{store: store, provider: provider, states: states, idTokens: idTokens, cfg: cfg, logger: logger}
}

// RedirectEnabled reports whether Start/Callback are usable.
func (b *Bridge) RedirectEnabled() bool { return b.provider != nil && b.states != nil }

// IDTokenEnabled reports whether SignInWithIDToken is usable.
func (b *Bridge) IDTokenEnabled() bool { return b.idTokens != nil }

// Start creates state, nonce and a PKCE verifier and returns the provider
// URL to redirect to along with the state value.
func (b *Bridge) Start(ctx context.Context) (authURL, state string, err error) {
	if !b.RedirectEnabled() {
		return "", "", ErrFederationDisabled
	}
	state = uuid.NewString()
	st := AuthState{
		Nonce:        uuid.NewString(),
		CodeVerifier: oauth2.GenerateVerifier(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := b.states.Put(ctx, state, st, stateTTL); err != nil {
		return "", "", ErrFederationFailed.WithCause(fmt.Errorf("store state: %w", err))
	}
	return b.provider.AuthCodeURL(state, st.Nonce, st.CodeVerifier), state, nil
}

// Callback consumes the state, exchanges the code and reconciles the identity.
func (b *Bridge) Callback(ctx context.Context, state, code string) (*entity.User, error) {
	if !b.RedirectEnabled() {
		return nil, ErrFederationDisabled
	}
	if strings.TrimSpace(state) == "" || strings.TrimSpace(code) == "" {
		return nil, ErrFederationFailed.WithCause(errBadState)
	}
	st, err := b.states.Take(ctx, state)
	if err != nil {
		return nil, ErrFederationFailed.WithCause(fmt.Errorf("load state: %w", err))
	}
	if st == nil {
		b.logger.Warnw("federation callback with unknown state", "state", state)
		return nil, ErrFederationFailed.WithCause(errBadState)
	}
	a, err := b.provider.Exchange(ctx, code, st.CodeVerifier, st.Nonce)
	if err != nil {
		b.logger.Warnw("federation code exchange failed", "provider", b.provider.Name(), "err", err)
		return nil, ErrFederationFailed.WithCause(err)
	}
	return b.Reconcile(ctx, *a)
}

// SignInWithIDToken verifies a client-obtained ID token and reconciles it.
func (b *Bridge) SignInWithIDToken(ctx context.Context, rawIDToken string) (*entity.User, error) {
	if !b.IDTokenEnabled() {
		return nil, ErrFederationDisabled
	}
	if strings.TrimSpace(rawIDToken) == "" {
		return nil, apperr.Validation("idToken is required")
	}
	a, err := b.idTokens.Verify(ctx, rawIDToken)
	if err != nil {
		b.logger.Warnw("id token rejected", "err", err)
		return nil, ErrFederationFailed.WithCause(err)
	}
	return b.Reconcile(ctx, *a)
}

// Reconcile maps an assertion to a local user inside one transaction.
// A deactivated account is reported as user.ErrDeactivated and is never
// linked. New accounts take the provider's email_verified claim as is.
func (b *Bridge) Reconcile(ctx context.Context, a Assertion) (*entity.User, error) {
	if a.Provider == "" || a.Subject == "" {
		return nil, ErrFederationFailed.WithCause(errors.New("assertion without provider subject"))
	}
	fedID := a.FederatedID()
	var (
		out    *entity.User
		action string
	)
	err := b.store.InTx(ctx, func(tx TxStore) error {
		u, err := tx.GetByFederatedID(ctx, fedID)
		if err == nil {
			out, action = u, "matched"
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		email := user.NormalizeEmail(a.Email)
		if email == "" {
			return errNoEmail
		}
		existing, err := tx.GetByEmail(ctx, email)
		switch {
		case err == nil:
			if !existing.Active {
				return user.ErrDeactivated
			}
			if !b.cfg.LinkByEmail || !a.EmailVerified {
				return errLinkRefused
			}
			linked, err := tx.LinkFederatedID(ctx, existing.ID, fedID, optional(a.AvatarURL))
			if err != nil {
				return err
			}
			if !linked {
				return errLinkedToOther
			}
			out, err = tx.GetByID(ctx, existing.ID)
			action = "linked"
			return err
		case errors.Is(err, sql.ErrNoRows):
			nu := &entity.User{
				Email:         email,
				EmailVerified: a.EmailVerified,
				Role:          entity.RoleUser,
				Active:        true,
				FederatedID:   &fedID,
				FirstName:     a.FirstName,
				LastName:      a.LastName,
				AvatarURL:     optional(a.AvatarURL),
			}
			if err := tx.Create(ctx, nu); err != nil {
				return err
			}
			out, action = nu, "created"
			return nil
		default:
			return err
		}
	})
	if errors.Is(err, user.ErrDeactivated) {
		b.logger.Infow("federated sign-in refused for deactivated account", "provider", a.Provider)
		return nil, user.ErrDeactivated
	}
	if err != nil {
		b.logger.Warnw("federated reconcile failed", "provider", a.Provider, "err", err)
		return nil, ErrFederationFailed.WithCause(err)
	}
	if !out.Active {
		return nil, user.ErrDeactivated
	}
	b.logger.Infow("federated sign-in", "provider", a.Provider, "user_id", out.ID, "action", action)
	return out, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
