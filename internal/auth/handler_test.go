package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ultra-agency/ultra/internal/auth"
	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/shared"
	_ "github.com/ultra-agency/ultra/testing"
)

type stubRepo struct {
	mu       sync.Mutex
	user     *auth.User
	err      error
	sessions map[string]auth.LoginSession
}

func (s *stubRepo) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.user == nil || !strings.EqualFold(s.user.Username, username) {
		return nil, auth.ErrInvalidCredentials
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, ls auth.LoginSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[string]auth.LoginSession)
	}
	s.sessions[ls.ID] = ls
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *stubRepo) PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, ls := range s.sessions {
		if ls.ExpiresAt.Before(before) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

type harness struct {
	handler  http.Handler
	sessions *shared.SessionManager
	repo     *stubRepo
	clock    *time.Time
}

func newHarness(t *testing.T, user *auth.User) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h := &harness{repo: &stubRepo{user: user}, clock: &now}
	h.sessions = shared.NewSessionManager(client, "ultra_test", "secret", time.Hour, 15*time.Minute, false)
	h.sessions.SetClock(func() time.Time { return *h.clock })
	handler := auth.NewHandler(nil, auth.NewService(h.repo), h.sessions, shared.NewCSRFManager("csrfsecret"))

	router := chi.NewRouter()
	handler.MountRoutes(router)
	h.handler = router
	return h
}

// do runs one request through the handler with the session loaded and
// committed around it, returning the recorder and the session.
func (h *harness) do(t *testing.T, method, path, body string, cookie *http.Cookie) (*httptest.ResponseRecorder, *shared.Session) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	sess, err := h.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	ctx := shared.ContextWithSession(req.Context(), sess)
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	buffered := httptest.NewRecorder()
	h.handler.ServeHTTP(buffered, req)
	require.NoError(t, h.sessions.Commit(ctx, rec, req, sess))
	for k, v := range buffered.Header() {
		rec.Header()[k] = v
	}
	rec.WriteHeader(buffered.Code)
	_, _ = rec.Write(buffered.Body.Bytes())
	return rec, sess
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "ultra_test" {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func activeUser(t *testing.T) *auth.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	require.NoError(t, err)
	return &auth.User{ID: 7, Username: "kenza", Role: policy.RoleCreator, PasswordHash: string(hash), IsActive: true}
}

func TestIssueCSRF(t *testing.T) {
	h := newHarness(t, nil)
	rec, sess := h.do(t, http.MethodGet, "/csrf", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.NotEmpty(t, body["csrf_token"])
	assert.Equal(t, body["csrf_token"], sess.Get(shared.CSRFSessionKey))
}

func TestLoginInvalidCredentials(t *testing.T) {
	h := newHarness(t, activeUser(t))
	rec, sess := h.do(t, http.MethodPost, "/login", `{"username":"kenza","password":"wrongpass"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, sess.User())
	assert.Empty(t, h.repo.sessions)
}

func TestLoginInactiveAccount(t *testing.T) {
	user := activeUser(t)
	user.IsActive = false
	h := newHarness(t, user)
	rec, _ := h.do(t, http.MethodPost, "/login", `{"username":"kenza","password":"correctpass"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginStoreFailureIsNotAnAuthError(t *testing.T) {
	h := newHarness(t, activeUser(t))
	h.repo.err = errors.New("connection refused")
	rec, sess := h.do(t, http.MethodPost, "/login", `{"username":"kenza","password":"correctpass"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, sess.User())
}

func TestLoginValidation(t *testing.T) {
	h := newHarness(t, activeUser(t))
	rec, _ := h.do(t, http.MethodPost, "/login", `{"username":"kenza"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"password":"required"`)
}

func TestLoginSuccess(t *testing.T) {
	h := newHarness(t, activeUser(t))
	rec, sess := h.do(t, http.MethodPost, "/login", `{"username":" Kenza ","password":"correctpass"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ID        int64  `json:"id"`
		Role      string `json:"role"`
		RoleLabel string `json:"role_label"`
		CSRFToken string `json:"csrf_token"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, int64(7), body.ID)
	assert.Equal(t, "creator", body.Role)
	assert.Equal(t, "Creator", body.RoleLabel)
	assert.Equal(t, sess.Get(shared.CSRFSessionKey), body.CSRFToken)
	assert.Equal(t, "7", sess.User())

	require.Contains(t, h.repo.sessions, sess.ID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), h.repo.sessions[sess.ID].ExpiresAt, time.Minute)

	notices := sess.PopNotices()
	require.Len(t, notices, 1)
	assert.Equal(t, "success", notices[0].Kind)
}

func TestLoginIssuesFreshSessionID(t *testing.T) {
	h := newHarness(t, activeUser(t))
	planted := &http.Cookie{Name: "ultra_test", Value: "attacker-chosen-id"}

	rec, sess := h.do(t, http.MethodPost, "/login", `{"username":"kenza","password":"correctpass"}`, planted)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, planted.Value, sess.ID)
	assert.Equal(t, sess.ID, sessionCookie(t, rec).Value)
	require.Contains(t, h.repo.sessions, sess.ID)

	rec, _ = h.do(t, http.MethodGet, "/session", "", planted)
	var info auth.SessionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.False(t, info.Authenticated)
}

func TestLoginReplacesExistingAnonymousSession(t *testing.T) {
	h := newHarness(t, activeUser(t))
	rec, before := h.do(t, http.MethodGet, "/csrf", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	anonymous := sessionCookie(t, rec)

	rec, after := h.do(t, http.MethodPost, "/login", `{"username":"kenza","password":"correctpass"}`, anonymous)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, before.ID, after.ID)
	authenticated := sessionCookie(t, rec)

	rec, _ = h.do(t, http.MethodGet, "/session", "", anonymous)
	var info auth.SessionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.False(t, info.Authenticated)

	rec, _ = h.do(t, http.MethodGet, "/session", "", authenticated)
	info = auth.SessionInfo{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.True(t, info.Authenticated)
	assert.Equal(t, int64(7), info.UserID)
}

func TestSessionInfoReportsIdleCountdown(t *testing.T) {
	h := newHarness(t, activeUser(t))
	rec, _ := h.do(t, http.MethodPost, "/login", `{"username":"kenza","password":"correctpass"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cookie := sessionCookie(t, rec)

	*h.clock = h.clock.Add(10 * time.Minute)
	rec, _ = h.do(t, http.MethodGet, "/session", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	var info auth.SessionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.True(t, info.Authenticated)
	assert.Equal(t, int64(7), info.UserID)
	assert.Equal(t, int64(900), info.IdleTimeoutSeconds)
	assert.Equal(t, int64(300), info.IdleRemainingSeconds)

	// Polling does not extend the window.
	*h.clock = h.clock.Add(6 * time.Minute)
	rec, _ = h.do(t, http.MethodGet, "/session", "", cookie)
	info = auth.SessionInfo{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.False(t, info.Authenticated)
	assert.True(t, info.Expired)
}

func TestLogout(t *testing.T) {
	h := newHarness(t, activeUser(t))
	rec, sess := h.do(t, http.MethodPost, "/login", `{"username":"kenza","password":"correctpass"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cookie := sessionCookie(t, rec)
	require.Contains(t, h.repo.sessions, sess.ID)

	rec, _ = h.do(t, http.MethodPost, "/logout", "", cookie)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, h.repo.sessions)
	assert.Equal(t, -1, sessionCookie(t, rec).MaxAge)

	rec, _ = h.do(t, http.MethodGet, "/session", "", cookie)
	var info auth.SessionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.False(t, info.Authenticated)
}

func TestServicePurgeExpired(t *testing.T) {
	repo := &stubRepo{}
	svc := auth.NewService(repo)
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, auth.LoginSession{ID: "old", ExpiresAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, repo.CreateSession(ctx, auth.LoginSession{ID: "live", ExpiresAt: time.Now().Add(time.Hour)}))
	n, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, repo.sessions, "live")
}
