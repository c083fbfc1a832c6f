package federation

import (
	"context"
	"errors"

	"google.golang.org/api/idtoken"
)

// GoogleIDTokenVerifier accepts ID tokens that a client obtained from
// Google Sign-In directly. Identities share the "google" namespace with the
// redirect flow when that is configured against Google.
type GoogleIDTokenVerifier struct {
	ClientID string
	// validate is idtoken.Validate outside tests.
	validate func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)
}

func NewGoogleIDTokenVerifier(clientID string) *GoogleIDTokenVerifier {
	return &GoogleIDTokenVerifier{ClientID: clientID, validate: idtoken.Validate}
}

func (v *GoogleIDTokenVerifier) Verify(ctx context.Context, rawIDToken string) (*Assertion, error) {
	if v.ClientID == "" {
		return nil, errors.New("google client id not configured")
	}
	payload, err := v.validate(ctx, rawIDToken, v.ClientID)
	if err != nil {
		return nil, err
	}
	if payload.Subject == "" {
		return nil, errors.New("subject not present in id token")
	}
	c := idClaims{EmailVerified: payload.Claims["email_verified"]}
	c.Email, _ = payload.Claims["email"].(string)
	c.GivenName, _ = payload.Claims["given_name"].(string)
	c.FamilyName, _ = payload.Claims["family_name"].(string)
	c.Name, _ = payload.Claims["name"].(string)
	c.Picture, _ = payload.Claims["picture"].(string)
	if c.Email == "" {
		return nil, errors.New("email not present in id token")
	}
	return c.assertion("google", payload.Subject), nil
}
