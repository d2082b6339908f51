package messages

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/rbac"
	"github.com/ultra-agency/ultra/internal/shared"
)

// Handler manages message endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers message routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.inbox)
	r.Post("/", h.send)
	r.Get("/unread", h.unread)
	r.Get("/with/{peer}", h.conversation)
	r.Post("/{id}/read", h.markRead)
}

func (h *Handler) inbox(w http.ResponseWriter, r *http.Request) {
	page, err := h.service.Inbox(r.Context(), rbac.Actor(r), r.URL.Query().Get("unread") == "1",
		httpx.QueryInt(r, "page", 1), httpx.QueryInt(r, "per_page", 20))
	if err != nil {
		h.fail(w, "inbox", err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) {
	peer, err := httpx.IDParam(r, "peer")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	page, err := h.service.Conversation(r.Context(), rbac.Actor(r), peer,
		httpx.QueryInt(r, "page", 1), httpx.QueryInt(r, "per_page", 20))
	if err != nil {
		h.fail(w, "conversation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var in SendInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	msg, err := h.service.Send(r.Context(), rbac.Actor(r), in, r.Header.Get(shared.IdempotencyHeader))
	if err != nil {
		h.fail(w, "send message", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, msg)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	msg, err := h.service.MarkRead(r.Context(), rbac.Actor(r), id)
	if err != nil {
		h.fail(w, "mark message read", err)
		return
	}
	httpx.JSON(w, http.StatusOK, msg)
}

func (h *Handler) unread(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.UnreadCount(r.Context(), rbac.Actor(r))
	if err != nil {
		h.fail(w, "unread count", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !httpx.IsClientError(err) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
