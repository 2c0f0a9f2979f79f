// Package account exposes the authentication and profile self-service HTTP
// surface on top of the reconciliation core.
package account

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vanguard-airsoft/vanguard/internal/guard"
	"github.com/vanguard-airsoft/vanguard/internal/profiles"
	"github.com/vanguard-airsoft/vanguard/internal/reconcile"
	"github.com/vanguard-airsoft/vanguard/internal/shared"
)

// Handler wires HTTP endpoints for authentication and profile flows.
type Handler struct {
	logger    *slog.Logger
	core      *reconcile.Core
	sessions  *shared.SessionManager
	guard     guard.Guard
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, core *reconcile.Core, sessions *shared.SessionManager, g guard.Guard) *Handler {
	return &Handler{
		logger:    logger,
		core:      core,
		sessions:  sessions,
		guard:     g,
		validator: validator.New(),
	}
}

// MountAuthRoutes registers /auth endpoints.
func (h *Handler) MountAuthRoutes(r chi.Router) {
	r.Post("/signin", h.handleSignIn)
	r.Post("/signup", h.handleSignUp)
	r.Post("/signout", h.handleSignOut)
	r.Post("/reset", h.handleReset)
	r.Get("/confirm", h.handleConfirm)
	r.Get("/oauth/{provider}", h.handleOAuthBegin)
	r.Get("/callback", h.handleOAuthCallback)
	r.Get("/session", h.handleSession)
}

// MountProfileRoutes registers /profile endpoints behind the guard.
func (h *Handler) MountProfileRoutes(r chi.Router) {
	r.Get("/", h.handleGetProfile)
	r.Patch("/", h.handleUpdateProfile)
	r.Post("/resync", h.handleResync)
}

type signInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	cred, err := h.core.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, shared.ErrInvalidCredentials):
			shared.RespondError(w, http.StatusUnauthorized, "invalid email or password")
		case errors.Is(err, shared.ErrProviderUnavailable):
			h.logger.Error("sign in", slog.Any("error", err))
			shared.RespondError(w, http.StatusServiceUnavailable, "sign-in temporarily unavailable")
		default:
			h.logger.Error("sign in", slog.Any("error", err))
			shared.RespondError(w, http.StatusInternalServerError, "sign-in failed")
		}
		return
	}

	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.SetCredential(cred.Subject(), cred.AccessToken, cred.RefreshToken)
	}
	shared.RespondJSON(w, http.StatusOK, map[string]string{"subject": cred.Subject()})
}

type signUpRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8"`
	DisplayName string `json:"display_name" validate:"required,max=80"`
}

func (h *Handler) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Field() == "Password" {
					shared.RespondError(w, http.StatusBadRequest, shared.ErrWeakPassword.Error())
					return
				}
			}
		}
		shared.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := h.core.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, shared.ErrEmailInUse):
			shared.RespondError(w, http.StatusConflict, shared.ErrEmailInUse.Error())
		case errors.Is(err, shared.ErrWeakPassword):
			shared.RespondError(w, http.StatusBadRequest, shared.ErrWeakPassword.Error())
		default:
			h.logger.Error("sign up", slog.Any("error", err))
			shared.RespondError(w, http.StatusServiceUnavailable, "sign-up temporarily unavailable")
		}
		return
	}

	// Token delivery rides the mail pipeline; never echo it to the caller.
	h.logger.Info("confirmation issued", slog.String("email", req.Email), slog.Int("token_len", len(token)))
	shared.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "confirmation required"})
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		shared.RespondError(w, http.StatusBadRequest, "missing token")
		return
	}
	cred, err := h.core.Confirm(r.Context(), token)
	if err != nil {
		shared.RespondError(w, http.StatusUnauthorized, "invalid or expired confirmation link")
		return
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.SetCredential(cred.Subject(), cred.AccessToken, cred.RefreshToken)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.Subject() == "" {
		shared.RespondError(w, http.StatusUnauthorized, shared.ErrNotAuthenticated.Error())
		return
	}
	if err := h.core.SignOut(r.Context(), sess.Subject()); err != nil {
		h.logger.Error("sign out", slog.Any("error", err))
		shared.RespondError(w, http.StatusServiceUnavailable, "sign-out failed")
		return
	}
	sess.ClearCredential()
	w.WriteHeader(http.StatusNoContent)
}

type resetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	// Always accepted, whether or not the address exists.
	if err := h.core.ResetPassword(r.Context(), req.Email); err != nil {
		h.logger.Warn("reset password", slog.Any("error", err))
	}
	shared.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "reset requested"})
}

func (h *Handler) handleOAuthBegin(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	target, err := h.core.SignInWithProvider(providerName, "/auth/callback")
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, "unsupported provider")
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cred, err := h.core.CompleteOAuth(r.Context(), q.Get("state"), q.Get("email"), q.Get("name"), q.Get("avatar"))
	if err != nil {
		shared.RespondError(w, http.StatusUnauthorized, "sign-in could not be completed")
		return
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.SetCredential(cred.Subject(), cred.AccessToken, cred.RefreshToken)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type sessionView struct {
	Subject        string `json:"subject"`
	JWTRole        string `json:"jwt_role,omitempty"`
	DBRole         string `json:"db_role"`
	RolesSynced    bool   `json:"roles_synced"`
	HasAdminAccess bool   `json:"has_admin_access"`
	Loading        bool   `json:"loading"`
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.Subject() == "" {
		shared.RespondError(w, http.StatusUnauthorized, shared.ErrNotAuthenticated.Error())
		return
	}
	st, ok := h.core.Snapshot(sess.Subject())
	if !ok {
		shared.RespondJSON(w, http.StatusOK, sessionView{Subject: sess.Subject(), Loading: true})
		return
	}
	shared.RespondJSON(w, http.StatusOK, sessionView{
		Subject:        st.Subject,
		JWTRole:        st.JWTRole,
		DBRole:         st.DBRole.String(),
		RolesSynced:    st.RolesSynced,
		HasAdminAccess: st.HasAdminAccess,
		Loading:        st.Loading,
	})
}

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	st, ok := guard.StateFromContext(r.Context())
	if !ok || st.Profile == nil {
		shared.RespondError(w, http.StatusUnauthorized, shared.ErrNotAuthenticated.Error())
		return
	}
	shared.RespondJSON(w, http.StatusOK, st.Profile)
}

func (h *Handler) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	st, ok := guard.StateFromContext(r.Context())
	if !ok {
		shared.RespondError(w, http.StatusUnauthorized, shared.ErrNotAuthenticated.Error())
		return
	}
	var patch profiles.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := h.core.UpdateProfile(r.Context(), st.Subject, patch)
	if err != nil {
		switch {
		case errors.Is(err, shared.ErrNotAuthenticated):
			shared.RespondError(w, http.StatusUnauthorized, shared.ErrNotAuthenticated.Error())
		default:
			h.logger.Error("update profile", slog.Any("error", err))
			shared.RespondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	shared.RespondJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleResync(w http.ResponseWriter, r *http.Request) {
	st, ok := guard.StateFromContext(r.Context())
	if !ok {
		shared.RespondError(w, http.StatusUnauthorized, shared.ErrNotAuthenticated.Error())
		return
	}
	if err := h.core.RefreshRole(r.Context(), st.Subject); err != nil {
		h.logger.Error("refresh role", slog.Any("error", err))
		shared.RespondError(w, http.StatusServiceUnavailable, "could not refresh role")
		return
	}
	if current, ok := h.core.Snapshot(st.Subject); ok && !current.RolesSynced {
		if err := h.core.SyncRoleToJWT(r.Context(), st.Subject); err != nil {
			// Reconciliation stays background-quiet; the caller still gets
			// the refreshed view.
			h.logger.Error("resync", slog.Any("error", err))
		}
	}
	current, _ := h.core.Snapshot(st.Subject)
	if sess := shared.SessionFromContext(r.Context()); sess != nil && current.Credential != nil && current.Credential.RefreshToken != sess.RefreshToken() {
		// The claim rewrite rotated the token pair; keep the stored pair
		// redeemable.
		sess.SetCredential(current.Credential.Subject(), current.Credential.AccessToken, current.Credential.RefreshToken)
	}
	shared.RespondJSON(w, http.StatusOK, sessionView{
		Subject:        current.Subject,
		JWTRole:        current.JWTRole,
		DBRole:         current.DBRole.String(),
		RolesSynced:    current.RolesSynced,
		HasAdminAccess: current.HasAdminAccess,
		Loading:        current.Loading,
	})
}
