package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/rbac"
)

// Subscriber opens an event subscription.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Handler streams change events as Server-Sent Events. Each event tells the
// client which cached collection to refetch.
type Handler struct {
	feed      Subscriber
	logger    *slog.Logger
	keepAlive time.Duration
}

// NewHandler builds a Handler.
func NewHandler(feed Subscriber, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{feed: feed, logger: logger, keepAlive: 25 * time.Second}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.Problem(w, http.StatusInternalServerError, "Streaming Unsupported", "")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, err := h.feed.Subscribe(ctx)
	if err != nil {
		h.logger.Error("realtime subscribe", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Realtime Unavailable", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.VisibleTo(principal) {
				continue
			}
			// Routing data stays server side.
			ev.Audience = nil
			ev.Roles = nil
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
