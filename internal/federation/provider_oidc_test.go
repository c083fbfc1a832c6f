package federation

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// fakeIssuer is a minimal OpenID Connect provider: discovery, JWKS and a
// token endpoint that checks the PKCE verifier.
type fakeIssuer struct {
	url string
	key *rsa.PrivateKey

	mu        sync.Mutex
	challenge string
	nonce     string
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fi := &fakeIssuer{key: key}
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	fi.url = srv.URL

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]any{
			"issuer":                                fi.url,
			"authorization_endpoint":                fi.url + "/authorize",
			"token_endpoint":                        fi.url + "/token",
			"jwks_uri":                              fi.url + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		pub := fi.key.PublicKey
		writeTestJSON(w, map[string]any{"keys": []any{map[string]any{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": "k1",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			writeTestJSON(w, map[string]string{"error": "invalid_grant"})
			return
		}
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		fi.mu.Lock()
		challenge, nonce := fi.challenge, fi.nonce
		fi.mu.Unlock()
		if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
			w.WriteHeader(http.StatusBadRequest)
			writeTestJSON(w, map[string]string{"error": "invalid_grant", "error_description": "pkce"})
			return
		}
		now := time.Now()
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss":            fi.url,
			"aud":            "client-1",
			"sub":            "sub-42",
			"iat":            now.Unix(),
			"exp":            now.Add(time.Hour).Unix(),
			"nonce":          nonce,
			"email":          "frank@example.com",
			"email_verified": true,
			"name":           "Frank Castle",
			"picture":        "https://img.example.com/f.png",
		})
		tok.Header["kid"] = "k1"
		signed, err := tok.SignedString(fi.key)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeTestJSON(w, map[string]any{
			"access_token": "at-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     signed,
		})
	})
	return fi
}

// remember records what the authorization request carried, as the real
// provider would when the browser arrives.
func (fi *fakeIssuer) remember(t *testing.T, authURL string) {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	if q.Get("code_challenge_method") != "S256" {
		t.Fatalf("expected S256 PKCE, got %q", q.Get("code_challenge_method"))
	}
	fi.mu.Lock()
	fi.challenge, fi.nonce = q.Get("code_challenge"), q.Get("nonce")
	fi.mu.Unlock()
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestOIDCProvider(t *testing.T, fi *fakeIssuer) *OIDCProvider {
	t.Helper()
	p, err := NewOIDCProvider(context.Background(), OIDCConfig{
		Name:         "google",
		Issuer:       fi.url,
		ClientID:     "client-1",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/auth/federated/callback",
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func TestOIDCProviderExchange(t *testing.T) {
	fi := newFakeIssuer(t)
	p := newTestOIDCProvider(t, fi)

	verifier := "verifier-0123456789-0123456789-0123456789-abcdef"
	authURL := p.AuthCodeURL("state-1", "nonce-1", verifier)
	fi.remember(t, authURL)

	a, err := p.Exchange(context.Background(), "good-code", verifier, "nonce-1")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if a.Provider != "google" || a.Subject != "sub-42" || a.FederatedID() != "google:sub-42" {
		t.Fatalf("unexpected identity %+v", a)
	}
	if a.Email != "frank@example.com" || !a.EmailVerified {
		t.Fatalf("unexpected email claims %+v", a)
	}
	if a.FirstName != "Frank" || a.LastName != "Castle" || a.AvatarURL == "" {
		t.Fatalf("unexpected profile %+v", a)
	}
}

func TestOIDCProviderRejectsNonceMismatch(t *testing.T) {
	fi := newFakeIssuer(t)
	p := newTestOIDCProvider(t, fi)

	verifier := "verifier-0123456789-0123456789-0123456789-abcdef"
	fi.remember(t, p.AuthCodeURL("state-1", "nonce-1", verifier))

	if _, err := p.Exchange(context.Background(), "good-code", verifier, "other-nonce"); err == nil {
		t.Fatalf("expected nonce mismatch error")
	}
}

func TestOIDCProviderRejectsWrongVerifier(t *testing.T) {
	fi := newFakeIssuer(t)
	p := newTestOIDCProvider(t, fi)

	fi.remember(t, p.AuthCodeURL("state-1", "nonce-1", "verifier-0123456789-0123456789-0123456789-abcdef"))

	if _, err := p.Exchange(context.Background(), "good-code", "verifier-wrong-0123456789-0123456789-0123456789", "nonce-1"); err == nil {
		t.Fatalf("expected exchange to fail with a wrong PKCE verifier")
	}
}

func TestTruthy(t *testing.T) {
	t.Parallel()
	for v, want := range map[any]bool{true: true, false: false, "true": true, "TRUE": true, "no": false} {
		if got := truthy(v); got != want {
			t.Errorf("truthy(%v) = %v, want %v", v, got, want)
		}
	}
	if truthy(nil) {
		t.Errorf("truthy(nil) should be false")
	}
}
