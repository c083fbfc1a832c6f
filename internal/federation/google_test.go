package federation

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/api/idtoken"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/testutil"
)

func stubGoogle(payload *idtoken.Payload, err error) *GoogleIDTokenVerifier {
	return &GoogleIDTokenVerifier{
		ClientID: "web-client",
		validate: func(_ context.Context, _, audience string) (*idtoken.Payload, error) {
			if audience != "web-client" {
				return nil, errors.New("audience mismatch")
			}
			return payload, err
		},
	}
}

func TestGoogleVerifierMapsClaims(t *testing.T) {
	t.Parallel()
	v := stubGoogle(&idtoken.Payload{Subject: "1077", Claims: map[string]any{
		"email":          "gina@example.com",
		"email_verified": true,
		"given_name":     "Gina",
		"family_name":    "Linetti",
		"picture":        "https://lh3.example.com/g",
	}}, nil)

	a, err := v.Verify(context.Background(), "raw")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if a.FederatedID() != "google:1077" || a.Email != "gina@example.com" || !a.EmailVerified || a.FirstName != "Gina" {
		t.Fatalf("unexpected assertion %+v", a)
	}
}

func TestGoogleVerifierRequiresEmail(t *testing.T) {
	t.Parallel()
	v := stubGoogle(&idtoken.Payload{Subject: "1", Claims: map[string]any{}}, nil)
	if _, err := v.Verify(context.Background(), "raw"); err == nil {
		t.Fatalf("expected error for missing email")
	}
}

func TestSignInWithIDToken(t *testing.T) {
	t.Parallel()
	users := testutil.NewUsers()
	good := stubGoogle(&idtoken.Payload{Subject: "55", Claims: map[string]any{"email": "hank@example.com", "email_verified": "true"}}, nil)
	b := NewBridge(memStore{users}, nil, nil, good, Config{LinkByEmail: true}, nil)

	u, err := b.SignInWithIDToken(context.Background(), "raw")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if u.FederatedID == nil || *u.FederatedID != "google:55" {
		t.Fatalf("unexpected user %+v", u)
	}

	bad := stubGoogle(nil, errors.New("token expired"))
	b = NewBridge(memStore{users}, nil, nil, bad, Config{LinkByEmail: true}, nil)
	if _, err := b.SignInWithIDToken(context.Background(), "raw"); !errors.Is(err, ErrFederationFailed) {
		t.Fatalf("expected ErrFederationFailed, got %v", err)
	}
}
