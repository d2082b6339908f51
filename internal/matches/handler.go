package matches

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/rbac"
)

// Handler manages match endpoints.
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

// MountRoutes registers match routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.schedule)
	r.Get("/{id}", h.show)
	r.Post("/{id}/reschedule", h.reschedule)
	r.Post("/{id}/complete", h.complete)
	r.Post("/{id}/cancel", h.cancel)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.List(r.Context(), rbac.Actor(r), ListFilter{Status: Status(r.URL.Query().Get("status"))})
	if err != nil {
		h.fail(w, "list matches", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"matches": items})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := h.service.Get(r.Context(), rbac.Actor(r), id)
	if err != nil {
		h.fail(w, "show match", err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	var in ScheduleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := h.service.Schedule(r.Context(), rbac.Actor(r), in)
	if err != nil {
		h.fail(w, "schedule match", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) reschedule(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body struct {
		ScheduledAt time.Time `json:"scheduled_at"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := h.service.Reschedule(r.Context(), rbac.Actor(r), id, body.ScheduledAt)
	if err != nil {
		h.fail(w, "reschedule match", err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body struct {
		WinnerID int64 `json:"winner_id"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := h.service.Complete(r.Context(), rbac.Actor(r), id, body.WinnerID)
	if err != nil {
		h.fail(w, "complete match", err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := h.service.Cancel(r.Context(), rbac.Actor(r), id)
	if err != nil {
		h.fail(w, "cancel match", err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !httpx.IsClientError(err) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
