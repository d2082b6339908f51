package rewards

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/rbac"
)

// Handler exposes reward and dashboard endpoints.
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

// MountRoutes registers reward routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.detailed)
	r.Post("/", h.record)
	r.Get("/summary", h.summary)
	r.Delete("/{id}", h.delete)
}

// ShowDashboard serves GET /api/dashboard.
func (h *Handler) ShowDashboard(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.Dashboard(r.Context(), rbac.Actor(r))
	if err != nil {
		h.fail(w, "dashboard", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) detailed(w http.ResponseWriter, r *http.Request) {
	var creatorID int64
	if raw := r.URL.Query().Get("creator_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.RespondError(w, httpx.ErrValidation)
			return
		}
		creatorID = id
	}
	entries, err := h.service.Detailed(r.Context(), rbac.Actor(r), creatorID, r.URL.Query().Get("period"))
	if err != nil {
		h.fail(w, "list rewards", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.Summary(r.Context(), rbac.Actor(r), r.URL.Query().Get("period"))
	if err != nil {
		h.fail(w, "rewards summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) record(w http.ResponseWriter, r *http.Request) {
	var in RecordInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.Record(r.Context(), rbac.Actor(r), in)
	if err != nil {
		h.fail(w, "record reward", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), rbac.Actor(r), id); err != nil {
		h.fail(w, "delete reward", err)
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
