package accounts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/rbac"
)

func newTestRouter(t *testing.T, f fixture, actor rbac.Principal) http.Handler {
	t.Helper()
	h := NewHandler(nil, f.svc, rbac.Middleware{})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(rbac.ContextWithPrincipal(req.Context(), actor)))
		})
	})
	r.Get("/api/me", h.ShowMe)
	r.Route("/api/accounts", h.MountRoutes)
	return r
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerListHidesSecrets(t *testing.T) {
	f := newFixture(t)
	sealed, err := f.secrets.Seal("yt-pass")
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateSecret(t.Context(), 5, sealed))

	rec := do(newTestRouter(t, f, managerActor), http.MethodGet, "/api/accounts?role=creator", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "yt-pass")
	assert.NotContains(t, rec.Body.String(), "password_hash")

	var page Page
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	require.Len(t, page.Accounts, 1)
	assert.Equal(t, "kenza", page.Accounts[0].Username)

	rec = do(newTestRouter(t, f, founderActor), http.MethodGet, "/api/accounts/5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"platform_secret":"yt-pass"`)
}

func TestHandlerListRejectsUnknownRoleFilter(t *testing.T) {
	f := newFixture(t)
	rec := do(newTestRouter(t, f, founderActor), http.MethodGet, "/api/accounts?role=intern", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerCreateRequiresManageAccounts(t *testing.T) {
	f := newFixture(t)
	body := `{"username":"nadia","password":"longenough","role":"creator"}`

	rec := do(newTestRouter(t, f, agentActor), http.MethodPost, "/api/accounts", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(newTestRouter(t, f, managerActor), http.MethodPost, "/api/accounts", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var view View
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "nadia", view.Username)
}

func TestHandlerCreateValidation(t *testing.T) {
	f := newFixture(t)
	rec := do(newTestRouter(t, f, founderActor), http.MethodPost, "/api/accounts", `{"username":"ab","password":"longenough","role":"agent"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	assert.Equal(t, "min", problem.Errors["username"])
}

func TestHandlerChangeRole(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f, managerActor)

	rec := do(router, http.MethodPatch, "/api/accounts/4/role", `{"role":"founder"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(router, http.MethodPatch, "/api/accounts/4/role", `{"role":"ambassadeur"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"role":"ambassadeur"`)

	rec = do(router, http.MethodPatch, "/api/accounts/404/role", `{"role":"agent"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerPasswordRoutesAreFounderOnly(t *testing.T) {
	f := newFixture(t)
	rec := do(newTestRouter(t, f, managerActor), http.MethodPut, "/api/accounts/5/password", `{"password":"longenough"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(newTestRouter(t, f, founderActor), http.MethodPut, "/api/accounts/5/password", `{"password":"longenough"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerDelete(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f, managerActor)

	assert.Equal(t, http.StatusForbidden, do(router, http.MethodDelete, "/api/accounts/1", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodDelete, "/api/accounts/2", "").Code)
	assert.Equal(t, http.StatusNoContent, do(router, http.MethodDelete, "/api/accounts/5", "").Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodDelete, "/api/accounts/5", "").Code)
}

func TestHandlerCapabilities(t *testing.T) {
	f := newFixture(t)
	rec := do(newTestRouter(t, f, managerActor), http.MethodGet, "/api/accounts/3/capabilities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var caps TargetCapabilities
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&caps))
	assert.False(t, caps.CanDelete)
	assert.Len(t, caps.AssignableRoles, 3)
}

func TestHandlerShowMe(t *testing.T) {
	f := newFixture(t)
	rec := do(newTestRouter(t, f, founderActor), http.MethodGet, "/api/me", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		Username string   `json:"username"`
		Granted  []string `json:"granted"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&me))
	assert.Equal(t, "lea", me.Username)
	assert.Contains(t, me.Granted, "passwords.view")
}

func TestHandlerRejectsBadID(t *testing.T) {
	f := newFixture(t)
	rec := do(newTestRouter(t, f, founderActor), http.MethodGet, "/api/accounts/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
