package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vanguard-airsoft/vanguard/internal/guard"
	"github.com/vanguard-airsoft/vanguard/internal/roles"
	"github.com/vanguard-airsoft/vanguard/internal/shared"
)

// Handler wires the admin HTTP surface. Routes are mounted behind the guard:
// editors and above reach the roster, role management needs admin tier.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     guard.Guard
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, g guard.Guard) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		guard:     g,
		validator: validator.New(),
	}
}

// MountRoutes registers admin routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAdminArea())
		r.Get("/members", h.listMembers)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireRole(roles.RoleAdmin))
		r.Post("/roles", h.changeRole)
		r.Get("/audit", h.listAudit)
	})
}

type changeRoleRequest struct {
	Email  string `json:"email" validate:"required,email"`
	Role   string `json:"role" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	st, ok := guard.StateFromContext(r.Context())
	if !ok {
		shared.RespondError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	var req changeRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	newRole, err := roles.Parse(req.Role)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.service.ChangeRoleByEmail(r.Context(), st.Subject, st.DBRole, req.Email, newRole, req.Reason)
	if err != nil {
		// Admin audience is trusted; the server-reported reason goes back
		// verbatim.
		switch {
		case errors.Is(err, shared.ErrForbidden):
			shared.RespondError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, shared.ErrNotFound):
			shared.RespondError(w, http.StatusNotFound, err.Error())
		default:
			h.logger.Error("change role", slog.Any("error", err))
			shared.RespondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	shared.RespondJSON(w, http.StatusOK, updated)
}

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.ListMembers(r.Context())
	if err != nil {
		h.logger.Error("list members", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, "could not list members")
		return
	}
	shared.RespondJSON(w, http.StatusOK, members)
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.RecentAudit(r.Context(), 100)
	if err != nil {
		h.logger.Error("list audit", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, "could not list audit entries")
		return
	}
	shared.RespondJSON(w, http.StatusOK, entries)
}
