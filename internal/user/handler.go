package user

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/middleware"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

var ErrSelfAction = apperr.New(apperr.KindValidation, "SELF_ACTION", "administrators cannot change their own account this way")

// Handler exposes profile endpoints for the caller and admin account
// management. Every route expects middleware.RequireAuth in front.
type Handler struct {
	svc            *UserService
	exposeInternal bool
	logger         *zap.SugaredLogger
}

func NewHandler(svc *UserService, exposeInternal bool, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, exposeInternal: exposeInternal, logger: logger}
}

// ProfileRequest is the PATCH /users/me body. Omitted fields keep their value;
// an empty phoneNumber clears it.
type ProfileRequest struct {
	FirstName   *string `json:"firstName"`
	LastName    *string `json:"lastName"`
	PhoneNumber *string `json:"phoneNumber"`
}

type PreferencesResponse struct {
	Preferences entity.Preferences `json:"preferences"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		h.logger.Errorw("request failed", "path", r.URL.Path, "err", err)
	}
	apperr.Write(w, err, h.exposeInternal)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (*middleware.Identity, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		apperr.Write(w, middleware.ErrMissingToken, false)
	}
	return id, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Validation("request body must be valid JSON")
	}
	return nil
}

// UpdateMe handles PATCH /users/me.
func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	id, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req ProfileRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	cur, err := h.svc.GetActive(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in := ProfileInput{FirstName: cur.FirstName, LastName: cur.LastName, PhoneNumber: cur.PhoneNumber}
	if req.FirstName != nil {
		in.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		in.LastName = *req.LastName
	}
	if req.PhoneNumber != nil {
		in.PhoneNumber = req.PhoneNumber
	}
	u, err := h.svc.UpdateProfile(r.Context(), id.UserID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, u.View())
}

// GetPreferences handles GET /users/me/preferences.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	id, ok := h.caller(w, r)
	if !ok {
		return
	}
	u, err := h.svc.GetActive(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	prefs := u.Preferences
	if prefs == nil {
		prefs = entity.Preferences{}
	}
	apperr.WriteJSON(w, http.StatusOK, PreferencesResponse{Preferences: prefs})
}

// PutPreferences handles PUT /users/me/preferences. The body replaces the whole map.
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	id, ok := h.caller(w, r)
	if !ok {
		return
	}
	var prefs entity.Preferences
	if err := decodeBody(w, r, &prefs); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.UpdatePreferences(r.Context(), id.UserID, prefs); err != nil {
		h.fail(w, r, err)
		return
	}
	if prefs == nil {
		prefs = entity.Preferences{}
	}
	apperr.WriteJSON(w, http.StatusOK, PreferencesResponse{Preferences: prefs})
}

// target loads the account named in the URL and checks the caller may act
// on it: never on itself, and only a super admin on other administrators.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (*entity.User, bool) {
	caller, ok := h.caller(w, r)
	if !ok {
		return nil, false
	}
	targetID := chi.URLParam(r, "id")
	if targetID == "" {
		h.fail(w, r, apperr.Validation("user id is required"))
		return nil, false
	}
	if targetID == caller.UserID {
		h.fail(w, r, ErrSelfAction)
		return nil, false
	}
	u, err := h.svc.Get(r.Context(), targetID)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if u.Role != entity.RoleUser && caller.Role != entity.RoleSuperAdmin {
		h.fail(w, r, middleware.ErrInsufficientRole)
		return nil, false
	}
	return u, true
}

// Deactivate handles POST /admin/users/{id}/deactivate.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	u, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.svc.Deactivate(r.Context(), u.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	u.Active = false
	apperr.WriteJSON(w, http.StatusOK, u.View())
}

// Reactivate handles POST /admin/users/{id}/reactivate.
func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	u, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.svc.Reactivate(r.Context(), u.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	u.Active = true
	apperr.WriteJSON(w, http.StatusOK, u.View())
}

// Delete handles DELETE /admin/users/{id}. Mount it behind RequireRole(super_admin).
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	u, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), u.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
