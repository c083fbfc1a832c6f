package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/testutil"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token"
	userentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

type fixture struct {
	ledger *Ledger
	store  *testutil.RefreshTokens
	users  *testutil.Users
	issuer *token.Issuer
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	users := testutil.NewUsers()
	hash := "$2a$04$placeholderplaceholderplaceholderplaceholderplacehold"
	users.Put(userentity.User{ID: "u1", Email: "alice@example.com", PasswordHash: &hash, Role: userentity.RoleAdmin, Active: true})

	issuer, err := token.NewIssuer(token.Config{
		Secret:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:    "auth-test",
		Audience:  "app-test",
		AccessTTL: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	store := testutil.NewRefreshTokens(users)
	f := &fixture{store: store, users: users, issuer: issuer, now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.ledger = NewLedger(store, users, issuer, 30*24*time.Hour, nil)
	f.ledger.SetClock(func() time.Time { return f.now })
	issuer.SetClock(func() time.Time { return f.now })
	return f
}

func TestIssueProducesHexTokenWithThirtyDayTTL(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	got, err := f.ledger.Issue(context.Background(), "u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(got.Token) != 64 {
		t.Fatalf("expected 64 hex chars (256 bits), got %d", len(got.Token))
	}
	if !got.ExpiresAt.Equal(f.now.Add(30 * 24 * time.Hour)) {
		t.Fatalf("unexpected expiry %s", got.ExpiresAt)
	}
	row, err := f.store.GetByHash(context.Background(), HashToken(got.Token))
	if err != nil {
		t.Fatalf("stored row missing: %v", err)
	}
	if row.TokenHash == got.Token {
		t.Fatalf("raw token must not be stored")
	}
}

func TestRotateScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.ledger.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rot, err := f.ledger.Rotate(ctx, r.Token)
	if err != nil {
		t.Fatalf("first rotate: %v", err)
	}
	if rot.AccessToken == "" || rot.RefreshToken.Token == "" || rot.RefreshToken.Token == r.Token {
		t.Fatalf("expected a fresh pair, got %+v", rot)
	}
	if rot.ExpiresIn != 15*time.Minute {
		t.Fatalf("expected access ttl in ExpiresIn, got %s", rot.ExpiresIn)
	}
	claims, err := f.issuer.VerifyKind(rot.AccessToken, token.KindAccess)
	if err != nil {
		t.Fatalf("verify access token: %v", err)
	}
	if claims.Subject != "u1" || claims.Role != "admin" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := f.ledger.Rotate(ctx, r.Token); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("replay must fail with ErrInvalidOrExpired, got %v", err)
	}
	if _, err := f.ledger.Rotate(ctx, rot.RefreshToken.Token); err != nil {
		t.Fatalf("successor rotate: %v", err)
	}
}

func TestRotateUnknownToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, tok := range []string{"", "deadbeef"} {
		if _, err := f.ledger.Rotate(context.Background(), tok); !errors.Is(err, ErrInvalidOrExpired) {
			t.Fatalf("%q: expected ErrInvalidOrExpired, got %v", tok, err)
		}
	}
}

func TestRotateExpiryBoundaryIsStrict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.ledger.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	f.now = r.ExpiresAt
	if _, err := f.ledger.Rotate(ctx, r.Token); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("rotate at exactly expires_at must fail, got %v", err)
	}

	f.now = r.ExpiresAt.Add(-time.Nanosecond)
	if _, err := f.ledger.Rotate(ctx, r.Token); err != nil {
		t.Fatalf("rotate just before expiry should succeed: %v", err)
	}
}

func TestRotateInactiveOrMissingUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.ledger.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := f.users.Deactivate(ctx, "u1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.ledger.Rotate(ctx, r.Token); !errors.Is(err, ErrUserInactiveOrMissing) {
		t.Fatalf("expected ErrUserInactiveOrMissing, got %v", err)
	}
	// The token is left untouched so a reactivated user can still use it.
	row, err := f.store.GetByHash(ctx, HashToken(r.Token))
	if err != nil || row.Revoked {
		t.Fatalf("token should remain live, row=%+v err=%v", row, err)
	}

	orphan, err := f.ledger.Issue(ctx, "ghost")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := f.ledger.Rotate(ctx, orphan.Token); !errors.Is(err, ErrUserInactiveOrMissing) {
		t.Fatalf("expected ErrUserInactiveOrMissing for missing user, got %v", err)
	}
}

func TestConcurrentRotateHasSingleWinner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.ledger.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const workers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(workers)
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := f.ledger.Rotate(ctx, r.Token)
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrInvalidOrExpired):
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one winner, got %d", success)
	}
}

func TestRotationConflictClassification(t *testing.T) {
	t.Parallel()
	if !errors.Is(ErrRotationConflict, ErrInvalidOrExpired) {
		t.Fatalf("rotation conflict must match ErrInvalidOrExpired")
	}
	if apperr.KindOf(ErrRotationConflict) != apperr.KindConflict {
		t.Fatalf("rotation conflict must be classified as conflict")
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.ledger.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	want := []bool{true, false, false, false}
	for i, w := range want {
		got, err := f.ledger.Revoke(ctx, r.Token)
		if err != nil {
			t.Fatalf("revoke #%d: %v", i+1, err)
		}
		if got != w {
			t.Fatalf("revoke #%d: got %v want %v", i+1, got, w)
		}
	}
	if _, err := f.ledger.Rotate(ctx, r.Token); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("revoked token must not rotate, got %v", err)
	}
}

func TestRevokeOwnedChecksOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.ledger.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ok, err := f.ledger.RevokeOwned(ctx, "someone-else", r.Token); err != nil || ok {
		t.Fatalf("foreign revoke must be a no-op, ok=%v err=%v", ok, err)
	}
	if ok, err := f.ledger.RevokeOwned(ctx, "u1", r.Token); err != nil || !ok {
		t.Fatalf("owner revoke should flip the token, ok=%v err=%v", ok, err)
	}
}

func TestRevokeAllAndSweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var tokens []Issued
	for i := 0; i < 3; i++ {
		r, err := f.ledger.Issue(ctx, "u1")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		tokens = append(tokens, r)
	}
	n, err := f.ledger.RevokeAll(ctx, "u1")
	if err != nil || n != 3 {
		t.Fatalf("revoke all: n=%d err=%v", n, err)
	}
	for _, r := range tokens {
		if _, err := f.ledger.Rotate(ctx, r.Token); !errors.Is(err, ErrInvalidOrExpired) {
			t.Fatalf("expected revoked token to fail rotate, got %v", err)
		}
	}

	live, err := f.ledger.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	f.now = f.now.Add(time.Hour)
	if _, err := f.ledger.Issue(ctx, "u1"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	swept, err := f.ledger.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 3 {
		t.Fatalf("expected 3 revoked rows swept, got %d", swept)
	}
	if f.store.Len() != 2 {
		t.Fatalf("expected 2 live rows left, got %d", f.store.Len())
	}

	f.now = live.ExpiresAt
	swept, err = f.ledger.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 || f.store.Len() != 1 {
		t.Fatalf("expected the first token to expire and be swept, swept=%d left=%d", swept, f.store.Len())
	}
}

func TestInspect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	issued, _ := f.ledger.Issue(ctx, "u1")
	rec, err := f.ledger.Inspect(ctx, issued.Token)
	if err != nil || rec == nil || rec.UserID != "u1" {
		t.Fatalf("expected live record, got %+v err=%v", rec, err)
	}
	if rec, _ := f.ledger.Inspect(ctx, "nope"); rec != nil {
		t.Fatalf("unknown token should inspect as nil")
	}
	_, _ = f.ledger.Revoke(ctx, issued.Token)
	if rec, _ := f.ledger.Inspect(ctx, issued.Token); rec != nil {
		t.Fatalf("revoked token should inspect as nil")
	}
}
