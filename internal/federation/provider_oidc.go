package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

type OIDCConfig struct {
	// Name prefixes federated ids, e.g. "google" gives "google:<sub>".
	Name         string
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// OIDCProvider runs the authorization-code flow with PKCE against an
// OpenID Connect issuer discovered at construction time.
type OIDCProvider struct {
	name     string
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, errors.New("oidc provider requires issuer and client id")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", cfg.Issuer, err)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	name := cfg.Name
	if name == "" {
		name = "oidc"
	}
	return &OIDCProvider{
		name: name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

func (p *OIDCProvider) Name() string { return p.name }

func (p *OIDCProvider) AuthCodeURL(state, nonce, verifier string) string {
	return p.oauth.AuthCodeURL(state, oidc.Nonce(nonce), oauth2.S256ChallengeOption(verifier))
}

// idClaims are the profile claims read from an ID token.
type idClaims struct {
	Email         string `json:"email"`
	EmailVerified any    `json:"email_verified"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func (c idClaims) assertion(provider, subject string) *Assertion {
	first, last := c.GivenName, c.FamilyName
	if first == "" && last == "" && c.Name != "" {
		first, last, _ = strings.Cut(c.Name, " ")
	}
	return &Assertion{
		Provider:      provider,
		Subject:       subject,
		Email:         c.Email,
		EmailVerified: truthy(c.EmailVerified),
		FirstName:     first,
		LastName:      last,
		AvatarURL:     c.Picture,
	}
}

func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier, nonce string) (*Assertion, error) {
	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, errors.New("no id_token in token response")
	}
	idt, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}
	if idt.Nonce != nonce {
		return nil, errors.New("id token nonce mismatch")
	}
	var c idClaims
	if err := idt.Claims(&c); err != nil {
		return nil, fmt.Errorf("parse id token claims: %w", err)
	}
	return c.assertion(p.name, idt.Subject), nil
}

// Some providers send email_verified as a string.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	}
	return false
}
