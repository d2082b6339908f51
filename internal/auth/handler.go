package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		csrfManager:    csrf,
		validator:      shared.NewValidator(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/csrf", h.issueCSRF)
	r.Get("/session", h.showSession)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
}

type loginForm struct {
	Username string `json:"username" validate:"required,max=32"`
	Password string `json:"password" validate:"required,max=72"`
}

type loginResponse struct {
	ID        int64       `json:"id"`
	Username  string      `json:"username"`
	Role      policy.Role `json:"role"`
	RoleLabel string      `json:"role_label"`
	CSRFToken string      `json:"csrf_token"`
}

func (h *Handler) issueCSRF(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	token, err := h.csrfManager.EnsureToken(r.Context(), sess)
	if err != nil {
		h.logger.Error("issue csrf", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

func (h *Handler) showSession(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	info := SessionInfo{IdleTimeoutSeconds: int64(h.sessionManager.IdleTimeout().Seconds())}
	if sess != nil {
		// Polling the idle countdown must not reset it.
		sess.SkipActivity()
		info.Expired = sess.Expired()
		if raw := sess.User(); raw != "" {
			info.Authenticated = true
			info.UserID, _ = strconv.ParseInt(raw, 10, 64)
			info.IdleRemainingSeconds = int64(sess.IdleRemaining().Seconds())
		}
	}
	httpx.JSON(w, http.StatusOK, info)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.RespondError(w, errors.New("session missing"))
		return
	}

	var form loginForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.RespondError(w, err)
		return
	}

	user, err := h.service.Authenticate(r.Context(), form.Username, form.Password)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			h.logger.Error("login", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		h.logger.Info("login rejected", slog.String("username", form.Username), slog.String("remote", r.RemoteAddr))
		httpx.RespondError(w, fmt.Errorf("%w: %w", httpx.ErrUnauthorized, err))
		return
	}

	h.sessionManager.Regenerate(sess)
	h.csrfManager.Rotate(sess)
	sess.SetUser(strconv.FormatInt(user.ID, 10))
	sess.AddNotice(shared.Notice{Kind: "success", Message: "Bienvenue " + user.Username})
	token, err := h.csrfManager.EnsureToken(r.Context(), sess)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, h.sessionManager.TTL(), r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}
	h.logger.Info("login", slog.Int64("account_id", user.ID), slog.String("role", user.Role.String()))

	httpx.JSON(w, http.StatusOK, loginResponse{
		ID:        user.ID,
		Username:  user.Username,
		Role:      user.Role,
		RoleLabel: policy.Label(user.Role),
		CSRFToken: token,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.csrfManager.Rotate(sess)
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}
