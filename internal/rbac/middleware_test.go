package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/shared"
)

type stubLoader map[int64]Principal

func (s stubLoader) LoadPrincipal(ctx context.Context, id int64) (Principal, error) {
	p, ok := s[id]
	if !ok {
		return Principal{}, httpx.ErrNotFound
	}
	return p, nil
}

type decision struct {
	check   string
	role    policy.Role
	allowed bool
}

type recordingObserver struct {
	decisions []decision
}

func (o *recordingObserver) ObserveDecision(check string, role policy.Role, allowed bool) {
	o.decisions = append(o.decisions, decision{check, role, allowed})
}

func requestAs(t *testing.T, userID string) *http.Request {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sm := shared.NewSessionManager(client, "ultra_test", "secret", time.Hour, 0, false)
	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	sess, err := sm.Load(context.Background(), req)
	require.NoError(t, err)
	if userID != "" {
		sess.SetUser(userID)
	}
	return req.WithContext(shared.ContextWithSession(req.Context(), sess))
}

func TestAuthenticateRejectsAnonymous(t *testing.T) {
	m := Middleware{Loader: stubLoader{}}
	rec := httptest.NewRecorder()
	m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rec, requestAs(t, ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateUnknownAccount(t *testing.T) {
	m := Middleware{Loader: stubLoader{}}
	req := requestAs(t, "99")
	rec := httptest.NewRecorder()
	m.Authenticate(http.NotFoundHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, shared.SessionFromContext(req.Context()).User())
}

func TestRequireAllowsAndDenies(t *testing.T) {
	obs := &recordingObserver{}
	m := Middleware{
		Loader: stubLoader{
			1: {ID: 1, Username: "boss", Role: policy.RoleFounder},
			2: {ID: 2, Username: "ag", Role: policy.RoleAgent},
		},
		Observer: obs,
	}
	handler := m.Authenticate(m.Require("passwords.view", policy.CanSeePasswords)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, policy.RoleFounder, Actor(r).Role)
		w.WriteHeader(http.StatusNoContent)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestAs(t, "1"))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestAs(t, "2"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	require.Len(t, obs.decisions, 2)
	assert.True(t, obs.decisions[0].allowed)
	assert.False(t, obs.decisions[1].allowed)
	assert.Equal(t, policy.RoleAgent, obs.decisions[1].role)
}

func TestActorWithoutPrincipalFailsClosed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	actor := Actor(req)
	assert.Equal(t, policy.Capabilities{}, actor.Capabilities())
	assert.False(t, actor.IsCreator())
}
