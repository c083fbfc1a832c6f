package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/middleware"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

var (
	errRouteNotFound    = apperr.New(apperr.KindNotFound, "ROUTE_NOT_FOUND", "no such route")
	errMethodNotAllowed = apperr.New(apperr.KindValidation, "METHOD_NOT_ALLOWED", "method not allowed")
)

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

type requestIDKey struct{}

// RequestID returns the id assigned by RequestIDMiddleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDMiddleware propagates X-Request-Id, generating one when absent.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// LoggingMiddleware logs each request. Server errors are logged at warn, the rest at debug.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			log := logger.Debugw
			if status >= http.StatusInternalServerError {
				log = logger.Warnw
			}
			log("http request",
				"request_id", RequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// RecoverMiddleware turns a panic into a 500 JSON error.
func RecoverMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Errorw("panic recovered", "request_id", RequestID(r.Context()), "method", r.Method, "path", r.URL.Path, "panic", rec)
					apperr.Write(w, apperr.Internal(nil), false)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware sets conservative security headers. Responses
// carry tokens, so nothing is cacheable.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Cache-Control", "no-store")
			if h.Get("Content-Security-Policy") == "" {
				h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Limiter builds the throttling middleware for an endpoint class.
type Limiter func(ratelimit.Class) func(http.Handler) http.Handler

// Deps are the handlers and middleware the routes are built from.
type Deps struct {
	Auth   *auth.Handler
	Users  *user.Handler
	Gate   *middleware.Gate
	Limit  Limiter
	Logger *zap.SugaredLogger
	// Ready reports dependency health for /ready. Nil means always ready.
	Ready func(ctx context.Context) error
}

// New mounts every route.
func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Limit == nil {
		d.Limit = ratelimit.Passthrough
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(RecoverMiddleware(d.Logger))
	r.Use(LoggingMiddleware(d.Logger))
	r.Use(SecurityHeadersMiddleware())

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) { apperr.Write(w, errRouteNotFound, false) })
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		apperr.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": map[string]string{"code": errMethodNotAllowed.Code, "message": errMethodNotAllowed.Message}})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		apperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		if d.Ready != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := d.Ready(ctx); err != nil {
				d.Logger.Warnw("readiness check failed", "err", err)
				apperr.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		apperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	a := d.Auth
	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(d.Limit(ratelimit.ClassAuth))
			r.Post("/register", a.Register)
			r.Post("/login", a.Login)
			r.Post("/refresh-token", a.Refresh)
			r.Post("/forgot-password", a.ForgotPassword)
			r.Post("/reset-password", a.ResetPassword)
			r.Post("/revoke", a.Revoke)
			r.Post("/federated/google", a.FederatedIDToken)
			r.Get("/federated/start", a.FederatedStart)
			r.Get("/federated/callback", a.FederatedCallback)
		})
		r.Group(func(r chi.Router) {
			r.Use(d.Limit(ratelimit.ClassOTPSend))
			r.Post("/send-email-otp", a.SendEmailOTP)
			r.Post("/send-sms-otp", a.SendSMSOTP)
		})
		r.With(d.Limit(ratelimit.ClassOTPVerify)).Post("/verify-otp", a.VerifyOTP)

		r.Group(func(r chi.Router) {
			r.Use(d.Gate.RequireAuth)
			r.Get("/me", a.Me)
			r.Post("/logout", a.Logout)
			r.Post("/logout-all", a.LogoutAll)
			r.With(d.Limit(ratelimit.ClassAuth)).Post("/change-password", a.ChangePassword)
			r.With(middleware.RequireRole(entity.RoleAdmin, entity.RoleSuperAdmin)).Post("/introspect", a.Introspect)
		})
	})

	u := d.Users
	r.Route("/users/me", func(r chi.Router) {
		r.Use(d.Gate.RequireAuth)
		r.Patch("/", u.UpdateMe)
		r.Get("/preferences", u.GetPreferences)
		r.Put("/preferences", u.PutPreferences)
	})

	r.Route("/admin/users/{id}", func(r chi.Router) {
		r.Use(d.Gate.RequireAuth)
		r.Use(middleware.RequireRole(entity.RoleAdmin, entity.RoleSuperAdmin))
		r.Post("/deactivate", u.Deactivate)
		r.Post("/reactivate", u.Reactivate)
		r.With(middleware.RequireRole(entity.RoleSuperAdmin)).Delete("/", u.Delete)
	})

	return r
}
