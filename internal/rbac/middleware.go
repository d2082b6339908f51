package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/shared"
)

// PrincipalLoader resolves a session user ID to an active principal.
type PrincipalLoader interface {
	LoadPrincipal(ctx context.Context, id int64) (Principal, error)
}

// DecisionObserver is notified of every route-level policy decision.
type DecisionObserver interface {
	ObserveDecision(check string, role policy.Role, allowed bool)
}

// Middleware wires authentication and policy checks for HTTP handlers.
type Middleware struct {
	Loader   PrincipalLoader
	Logger   *slog.Logger
	Observer DecisionObserver
}

// Authenticate resolves the session user to a Principal and stores it in
// the request context. Requests without a valid session get 401.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := m.currentUserID(r)
		if !ok {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		principal, err := m.Loader.LoadPrincipal(r.Context(), userID)
		if err != nil {
			if errors.Is(err, httpx.ErrNotFound) || errors.Is(err, httpx.ErrUnauthorized) {
				if sess := shared.SessionFromContext(r.Context()); sess != nil {
					sess.SetUser("")
				}
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			m.logError("rbac load principal", err)
			httpx.RespondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

// Require rejects requests whose principal role fails check. name labels
// the decision in logs and metrics.
func (m Middleware) Require(name string, check func(policy.Role) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			allowed := check(principal.Role)
			if m.Observer != nil {
				m.Observer.ObserveDecision(name, principal.Role, allowed)
			}
			if !allowed {
				if m.Logger != nil {
					m.Logger.Info("rbac denied",
						slog.String("check", name),
						slog.Int64("actor_id", principal.ID),
						slog.String("role", principal.Role.String()),
						slog.String("path", r.URL.Path))
				}
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) currentUserID(r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("rbac parse user id", slog.String("value", raw))
		}
		return 0, false
	}
	return id, true
}

func (m Middleware) logError(msg string, err error) {
	if m.Logger != nil {
		m.Logger.Error(msg, slog.Any("error", err))
	}
}

// Actor returns the principal placed by Authenticate, or the zero
// Principal whose unknown role fails every policy check.
func Actor(r *http.Request) Principal {
	p, _ := PrincipalFromContext(r.Context())
	return p
}
