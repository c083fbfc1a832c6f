package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/middleware"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/otp"
	otpentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/testutil"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

type app struct {
	handler http.Handler
	users   *testutil.Users
	issuer  *token.Issuer
}

func newApp(t *testing.T, limit Limiter) *app {
	t.Helper()
	users := testutil.NewUsers()
	issuer, err := token.NewIssuer(token.Config{
		Secret:    []byte("router-test-secret-0123456789abcd"),
		Issuer:    "auth-test",
		Audience:  "app-test",
		AccessTTL: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	delivery := otp.NewDelivery(otp.DeliveryLoggedFallback, time.Second, nil).
		Register(otpentity.ChannelEmail, otp.SenderFunc(func(_ context.Context, _ otp.Message) error { return nil }))
	engine := otp.NewEngine(testutil.NewOTPs(users), delivery, otp.Config{TTL: 180 * time.Second, MaxAttempts: 3}, nil)
	ledger := refresh.NewLedger(testutil.NewRefreshTokens(users), users, issuer, 24*time.Hour, nil)
	usvc := user.NewUserService(users, user.BcryptHasher{Cost: bcrypt.MinCost}, nil)
	svc := auth.NewService(usvc, issuer, ledger, engine, delivery, nil, auth.Config{}, nil)
	gate := middleware.NewGate(issuer, users, nil, false)

	return &app{
		handler: New(Deps{
			Auth:  auth.NewHandler(svc, "", false, nil),
			Users: user.NewHandler(usvc, false, nil),
			Gate:  gate,
			Limit: limit,
			Ready: func(context.Context) error { return nil },
		}),
		users:  users,
		issuer: issuer,
	}
}

func (a *app) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "198.51.100.4:4000"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *app) bearerFor(t *testing.T, id string, role entity.Role) string {
	t.Helper()
	hash := "x"
	a.users.Put(entity.User{ID: id, Email: id + "@example.com", PasswordHash: &hash, Role: role, Active: true})
	tok, err := a.issuer.IssueAccessToken(id, string(role), nil)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestHealthAndHeaders(t *testing.T) {
	t.Parallel()
	a := newApp(t, nil)

	rec := a.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" || rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("missing headers: %v", rec.Header())
	}
	if rec := a.do(t, http.MethodGet, "/ready", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") != "req-123" {
		t.Fatalf("request id must be propagated")
	}

	rec = a.do(t, http.MethodGet, "/nope", "", nil)
	if rec.Code != http.StatusNotFound || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("not found: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if rec := a.do(t, http.MethodGet, "/auth/login", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method: %d", rec.Code)
	}
}

func TestReadyReportsFailure(t *testing.T) {
	t.Parallel()
	h := New(Deps{Ready: func(context.Context) error { return errors.New("db down") }})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAuthRoundTripThroughRouter(t *testing.T) {
	t.Parallel()
	a := newApp(t, nil)

	rec := a.do(t, http.MethodPost, "/auth/register", "", map[string]string{"email": "alice@example.com", "password": "Passw0rd!"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	var sess auth.SessionResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &sess)

	if rec := a.do(t, http.MethodGet, "/auth/me", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("me without token: %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/auth/me", sess.AccessToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("me: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(t, http.MethodPatch, "/users/me", sess.AccessToken, map[string]string{"firstName": "Alice"}); rec.Code != http.StatusOK {
		t.Fatalf("patch me: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(t, http.MethodPut, "/users/me/preferences", sess.AccessToken, map[string]any{"lang": "en"}); rec.Code != http.StatusOK {
		t.Fatalf("put preferences: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(t, http.MethodPost, "/auth/logout", sess.AccessToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("logout: %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/auth/federated/start", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("federation is not configured, expected 404, got %d", rec.Code)
	}
}

func TestAdminRoutesEnforceRoles(t *testing.T) {
	t.Parallel()
	a := newApp(t, nil)
	userTok := a.bearerFor(t, "plain", entity.RoleUser)
	adminTok := a.bearerFor(t, "boss", entity.RoleAdmin)
	superTok := a.bearerFor(t, "root", entity.RoleSuperAdmin)
	a.bearerFor(t, "target", entity.RoleUser)

	if rec := a.do(t, http.MethodPost, "/admin/users/target/deactivate", userTok, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("user must be refused: %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, "/admin/users/target/deactivate", adminTok, nil); rec.Code != http.StatusOK {
		t.Fatalf("admin deactivate: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(t, http.MethodPost, "/admin/users/target/reactivate", adminTok, nil); rec.Code != http.StatusOK {
		t.Fatalf("admin reactivate: %d", rec.Code)
	}
	if rec := a.do(t, http.MethodDelete, "/admin/users/target", adminTok, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("admin must not delete: %d", rec.Code)
	}
	if rec := a.do(t, http.MethodDelete, "/admin/users/target", superTok, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("super admin delete: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(t, http.MethodPost, "/auth/introspect", userTok, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("introspect needs admin: %d", rec.Code)
	}
}

func TestRateLimitedRoutes(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := ratelimit.NewRedisLimiter(client, map[ratelimit.Class]int{ratelimit.ClassAuth: 2}, time.Minute, nil)
	a := newApp(t, limiter.Middleware)

	body := map[string]string{"email": "x@example.com", "password": "Wr0ngPassword"}
	for i := 0; i < 2; i++ {
		if rec := a.do(t, http.MethodPost, "/auth/login", "", body); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: %d", i+1, rec.Code)
		}
	}
	rec := a.do(t, http.MethodPost, "/auth/login", "", body)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, "/auth/send-email-otp", "", map[string]string{"email": "x@example.com"}); rec.Code != http.StatusNotFound {
		t.Fatalf("other classes keep their own budget, got %d", rec.Code)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	h := RecoverMiddleware(zap.NewNop().Sugar())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
