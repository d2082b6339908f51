package accounts

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/rbac"
	"github.com/ultra-agency/ultra/internal/shared"
)

// Handler manages account endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers account routes. The router must already run
// rbac.Middleware.Authenticate. Target-dependent rules are enforced by the
// service after loading the target.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listAccounts)
	r.Get("/{id}", h.showAccount)
	r.Get("/{id}/capabilities", h.showCapabilities)
	r.Patch("/{id}/username", h.updateUsername)
	r.Patch("/{id}/role", h.changeRole)
	r.Delete("/{id}", h.deleteAccount)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require("accounts.manage", policy.CanManageAccounts))
		r.Post("/", h.createAccount)
		r.Put("/{id}/affiliation", h.setAffiliation)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require("passwords.edit", policy.CanEditPasswords))
		r.Put("/{id}/password", h.setPassword)
		r.Put("/{id}/platform-secret", h.setPlatformSecret)
	})
}

// ShowMe serves GET /api/me.
func (h *Handler) ShowMe(w http.ResponseWriter, r *http.Request) {
	me, err := h.service.Me(r.Context(), rbac.Actor(r))
	if err != nil {
		h.fail(w, "show me", err)
		return
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		me.Notices = sess.PopNotices()
	}
	httpx.JSON(w, http.StatusOK, me)
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Search:  q.Get("search"),
		Page:    httpx.QueryInt(r, "page", 1),
		PerPage: httpx.QueryInt(r, "per_page", 20),
	}
	if raw := q.Get("role"); raw != "" {
		filter.Role = policy.ParseRole(raw)
		if filter.Role == policy.RoleUnknown {
			httpx.RespondError(w, httpx.ErrValidation)
			return
		}
	}
	if raw := q.Get("manager_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.RespondError(w, httpx.ErrValidation)
			return
		}
		filter.ManagerID = &id
	}
	page, err := h.service.List(r.Context(), rbac.Actor(r), filter)
	if err != nil {
		h.fail(w, "list accounts", err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) showAccount(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.service.Get(r.Context(), rbac.Actor(r), id)
	if err != nil {
		h.fail(w, "show account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) showCapabilities(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	caps, err := h.service.Capabilities(r.Context(), rbac.Actor(r), id)
	if err != nil {
		h.fail(w, "account capabilities", err)
		return
	}
	httpx.JSON(w, http.StatusOK, caps)
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.service.Create(r.Context(), rbac.Actor(r), in)
	if err != nil {
		h.fail(w, "create account", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, view)
}

func (h *Handler) updateUsername(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body struct {
		Username string `json:"username"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.service.UpdateUsername(r.Context(), rbac.Actor(r), id, body.Username)
	if err != nil {
		h.fail(w, "update username", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body struct {
		Role string `json:"role"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.service.ChangeRole(r.Context(), rbac.Actor(r), id, body.Role)
	if err != nil {
		h.fail(w, "change role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) setPassword(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body struct {
		Password string `json:"password"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.SetPassword(r.Context(), rbac.Actor(r), id, body.Password); err != nil {
		h.fail(w, "set password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setPlatformSecret(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body struct {
		Secret string `json:"secret"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.SetPlatformSecret(r.Context(), rbac.Actor(r), id, body.Secret); err != nil {
		h.fail(w, "set platform secret", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setAffiliation(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body struct {
		ManagerID *int64 `json:"manager_id"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.service.SetAffiliation(r.Context(), rbac.Actor(r), id, body.ManagerID)
	if err != nil {
		h.fail(w, "set affiliation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), rbac.Actor(r), id); err != nil {
		h.fail(w, "delete account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !httpx.IsClientError(err) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
