package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/federation"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/middleware"
	otpentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

const maxBodyBytes = 1 << 20

// Handler exposes the /auth endpoints.
type Handler struct {
	svc            *Service
	frontendURL    string
	exposeInternal bool
	logger         *zap.SugaredLogger
}

// NewHandler builds the handler. frontendURL receives the federated
// callback redirect; exposeInternal controls error detail in responses.
func NewHandler(svc *Service, frontendURL string, exposeInternal bool, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, frontendURL: frontendURL, exposeInternal: exposeInternal, logger: logger}
}

// SessionResponse is returned by every endpoint that signs a user in.
type SessionResponse struct {
	User             entity.View `json:"user"`
	AccessToken      string      `json:"accessToken"`
	RefreshToken     string      `json:"refreshToken"`
	ExpiresIn        int64       `json:"expiresIn"`
	RefreshExpiresAt time.Time   `json:"refreshExpiresAt"`
}

func sessionResponse(s *Session) SessionResponse {
	return SessionResponse{
		User:             s.User.View(),
		AccessToken:      s.AccessToken,
		RefreshToken:     s.RefreshToken,
		ExpiresIn:        int64(s.ExpiresIn / time.Second),
		RefreshExpiresAt: s.RefreshExpiresAt,
	}
}

type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type SendEmailOTPRequest struct {
	Email string `json:"email"`
}

type SendSMSOTPRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

type OTPSentResponse struct {
	ExpiresIn int64 `json:"expiresIn"`
}

type VerifyOTPRequest struct {
	OTPCode          string `json:"otpCode"`
	VerificationType string `json:"verificationType"`
	Email            string `json:"email"`
	PhoneNumber      string `json:"phoneNumber"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type MessageResponse struct {
	Message string `json:"message"`
	Revoked *int64 `json:"revoked,omitempty"`
}

type IDTokenRequest struct {
	IDToken string `json:"idToken"`
}

type TokenMeta struct {
	ID        string    `json:"id"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type MeResponse struct {
	User  entity.View `json:"user"`
	Token *TokenMeta  `json:"token,omitempty"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		h.logger.Errorw("request failed", "path", r.URL.Path, "err", err)
	} else {
		h.logger.Debugw("request rejected", "path", r.URL.Path, "code", apperr.From(err).Code)
	}
	apperr.Write(w, err, h.exposeInternal)
}

// decode reads a JSON body into v. An empty body decodes as the zero value.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("request body must be valid JSON")
	}
	return nil
}

func required(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return apperr.Validation("missing required field(s): " + strings.Join(missing, ", "))
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (*middleware.Identity, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		apperr.Write(w, middleware.ErrMissingToken, false)
	}
	return id, ok
}

// Register handles POST /auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := required(map[string]string{"email": req.Email, "password": req.Password}); err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.svc.Register(r.Context(), user.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusCreated, sessionResponse(s))
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := required(map[string]string{"email": req.Email, "password": req.Password}); err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, sessionResponse(s))
}

// Refresh handles POST /auth/refresh-token.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := required(map[string]string{"refreshToken": req.RefreshToken}); err != nil {
		h.fail(w, r, err)
		return
	}
	rot, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, RefreshResponse{
		AccessToken:  rot.AccessToken,
		RefreshToken: rot.RefreshToken.Token,
		ExpiresIn:    int64(rot.ExpiresIn / time.Second),
	})
}

// Logout handles POST /auth/logout. Requires RequireAuth.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req LogoutRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.svc.Logout(r.Context(), id.UserID, req.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, MessageResponse{Message: "logged out", Revoked: &n})
}

// LogoutAll handles POST /auth/logout-all. Requires RequireAuth.
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	n, err := h.svc.LogoutAll(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, MessageResponse{Message: "logged out everywhere", Revoked: &n})
}

// Me handles GET /auth/me. Requires RequireAuth.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	u, err := h.svc.Me(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := MeResponse{User: u.View()}
	if info, ok := middleware.TokenFrom(r.Context()); ok {
		out.Token = &TokenMeta{ID: info.ID, IssuedAt: info.IssuedAt, ExpiresAt: info.ExpiresAt}
	}
	apperr.WriteJSON(w, http.StatusOK, out)
}

// SendEmailOTP handles POST /auth/send-email-otp.
func (h *Handler) SendEmailOTP(w http.ResponseWriter, r *http.Request) {
	var req SendEmailOTPRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := required(map[string]string{"email": req.Email}); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.SendEmailOTP(r.Context(), req.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, OTPSentResponse{ExpiresIn: int64(res.ExpiresIn / time.Second)})
}

// SendSMSOTP handles POST /auth/send-sms-otp.
func (h *Handler) SendSMSOTP(w http.ResponseWriter, r *http.Request) {
	var req SendSMSOTPRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := required(map[string]string{"phoneNumber": req.PhoneNumber}); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.SendSMSOTP(r.Context(), req.PhoneNumber)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, OTPSentResponse{ExpiresIn: int64(res.ExpiresIn / time.Second)})
}

// VerifyOTP handles POST /auth/verify-otp.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := required(map[string]string{"otpCode": req.OTPCode, "verificationType": req.VerificationType}); err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.svc.VerifyOTP(r.Context(), VerifyOTPInput{
		Code:        req.OTPCode,
		Channel:     otpentity.Channel(strings.ToLower(strings.TrimSpace(req.VerificationType))),
		Email:       req.Email,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, sessionResponse(s))
}

// ForgotPassword handles POST /auth/forgot-password. The response does not
// depend on whether the email is registered.
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := required(map[string]string{"email": req.Email}); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.ForgotPassword(r.Context(), req.Email); err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, MessageResponse{Message: ForgotPasswordMessage})
}

// ResetPassword handles POST /auth/reset-password.
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := required(map[string]string{"token": req.Token, "newPassword": req.NewPassword}); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, MessageResponse{Message: "password updated"})
}

// ChangePassword handles POST /auth/change-password. Requires RequireAuth.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req ChangePasswordRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := required(map[string]string{"currentPassword": req.CurrentPassword, "newPassword": req.NewPassword}); err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.svc.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, sessionResponse(s))
}

// FederatedStart handles GET /auth/federated/start.
func (h *Handler) FederatedStart(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.svc.FederatedStart(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// FederatedCallback handles GET /auth/federated/callback. Tokens travel in
// the URL fragment so they never reach server logs or Referer headers.
func (h *Handler) FederatedCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		h.logger.Infow("provider returned error", "error", providerErr)
		if h.frontendURL == "" {
			h.fail(w, r, federation.ErrFederationFailed)
			return
		}
		h.redirectFragment(w, r, url.Values{"error": {federation.ErrFederationFailed.Code}})
		return
	}
	s, err := h.svc.FederatedCallback(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		if h.frontendURL == "" {
			h.fail(w, r, err)
			return
		}
		h.logger.Infow("federated callback failed", "err", err)
		h.redirectFragment(w, r, url.Values{"error": {apperr.From(err).Code}})
		return
	}
	if h.frontendURL == "" {
		apperr.WriteJSON(w, http.StatusOK, sessionResponse(s))
		return
	}
	h.redirectFragment(w, r, url.Values{
		"accessToken":  {s.AccessToken},
		"refreshToken": {s.RefreshToken},
		"expiresIn":    {strconv.FormatInt(int64(s.ExpiresIn/time.Second), 10)},
	})
}

func (h *Handler) redirectFragment(w http.ResponseWriter, r *http.Request, v url.Values) {
	target := strings.SplitN(h.frontendURL, "#", 2)[0] + "#" + v.Encode()
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}

// FederatedIDToken handles POST /auth/federated/google.
func (h *Handler) FederatedIDToken(w http.ResponseWriter, r *http.Request) {
	var req IDTokenRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := required(map[string]string{"idToken": req.IDToken}); err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.svc.FederatedIDToken(r.Context(), req.IDToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, sessionResponse(s))
}

// formToken reads the token parameter of an RFC 7009 / RFC 7662 request.
func formToken(r *http.Request) (string, error) {
	if err := r.ParseForm(); err != nil {
		return "", apperr.Validation("invalid form body")
	}
	tok := strings.TrimSpace(r.Form.Get("token"))
	if tok == "" {
		return "", apperr.Validation("token is required")
	}
	return tok, nil
}

// Revoke handles POST /auth/revoke (RFC 7009). It answers 200 even when the
// token is unknown.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	tok, err := formToken(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.RevokeToken(r.Context(), tok); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Introspect handles POST /auth/introspect (RFC 7662). Mount it behind an admin role.
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	tok, err := formToken(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.svc.Introspect(r.Context(), tok)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, out)
}
