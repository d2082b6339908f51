package matches

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultra-agency/ultra/internal/accounts"
	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/rbac"
	"github.com/ultra-agency/ultra/internal/realtime"
	"github.com/ultra-agency/ultra/internal/shared"
)

type memRepo struct {
	mu     sync.Mutex
	rows   map[int64]Match
	nextID int64
}

func (m *memRepo) List(ctx context.Context, f ListFilter) ([]Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Match
	for id := int64(1); id < m.nextID; id++ {
		row, ok := m.rows[id]
		if !ok {
			continue
		}
		if f.Participant != nil && !row.Involves(*f.Participant) {
			continue
		}
		if f.Status != "" && row.Status != f.Status {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *memRepo) Get(ctx context.Context, id int64) (Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return Match{}, fmt.Errorf("matches: %w", httpx.ErrNotFound)
	}
	return row, nil
}

func (m *memRepo) GetForUpdate(ctx context.Context, id int64) (Match, error) { return m.Get(ctx, id) }

func (m *memRepo) Create(ctx context.Context, row Match) (Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row.ID = m.nextID
	m.nextID++
	m.rows[row.ID] = row
	return row, nil
}

func (m *memRepo) Update(ctx context.Context, row Match) (Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.ID] = row
	return row, nil
}

func (m *memRepo) WithTx(ctx context.Context, fn func(Store) error) error {
	m.mu.Lock()
	snapshot := maps.Clone(m.rows)
	m.mu.Unlock()
	if err := fn(m); err != nil {
		m.mu.Lock()
		m.rows = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

type directory map[int64]accounts.Account

func (d directory) Lookup(ctx context.Context, id int64) (accounts.Account, error) {
	a, ok := d[id]
	if !ok {
		return accounts.Account{}, fmt.Errorf("accounts: %w", httpx.ErrNotFound)
	}
	return a, nil
}

var (
	managerActor = rbac.Principal{ID: 2, Username: "marc", Role: policy.RoleManager}
	agentActor   = rbac.Principal{ID: 4, Username: "ines", Role: policy.RoleAgent}
	kenzaActor   = rbac.Principal{ID: 10, Username: "kenza", Role: policy.RoleCreator}
	zoeActor     = rbac.Principal{ID: 12, Username: "zoe", Role: policy.RoleCreator}
	ambActor     = rbac.Principal{ID: 6, Username: "theo", Role: policy.RoleAmbassadeur}

	kickoff = time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)
)

type fixture struct {
	repo   *memRepo
	svc    *Service
	audit  *shared.MemoryAuditor
	events *realtime.Recorder
}

func newFixture() fixture {
	repo := &memRepo{rows: map[int64]Match{}, nextID: 1}
	dir := directory{
		4:  {ID: 4, Username: "ines", Role: policy.RoleAgent},
		10: {ID: 10, Username: "kenza", Role: policy.RoleCreator},
		11: {ID: 11, Username: "yanis", Role: policy.RoleCreator},
		12: {ID: 12, Username: "zoe", Role: policy.RoleCreator},
	}
	audit := &shared.MemoryAuditor{}
	events := &realtime.Recorder{}
	return fixture{repo: repo, svc: NewService(repo, dir, audit, events, nil), audit: audit, events: events}
}

func TestScheduleRules(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	in := ScheduleInput{CreatorA: 10, CreatorB: 11, ScheduledAt: kickoff}

	for _, actor := range []rbac.Principal{kenzaActor, ambActor} {
		_, err := f.svc.Schedule(ctx, actor, in)
		assert.ErrorIs(t, err, httpx.ErrForbidden)
	}

	m, err := f.svc.Schedule(ctx, agentActor, in)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, m.Status)
	assert.Nil(t, m.WinnerID)

	_, err = f.svc.Schedule(ctx, managerActor, ScheduleInput{CreatorA: 10, CreatorB: 10, ScheduledAt: kickoff})
	assert.True(t, httpx.IsClientError(err), "a creator cannot battle themselves")

	_, err = f.svc.Schedule(ctx, managerActor, ScheduleInput{CreatorA: 10, CreatorB: 4, ScheduledAt: kickoff})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = f.svc.Schedule(ctx, managerActor, ScheduleInput{CreatorA: 99, CreatorB: 10, ScheduledAt: kickoff})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = f.svc.Schedule(ctx, managerActor, ScheduleInput{CreatorA: 10, CreatorB: 11})
	assert.True(t, httpx.IsClientError(err))

	assert.Len(t, f.audit.Logs, 1)
	events := f.events.Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].VisibleTo(kenzaActor))
	assert.True(t, events[0].VisibleTo(ambActor))
	assert.False(t, events[0].VisibleTo(zoeActor), "creators outside the match never learn its id")
}

func TestCompleteAndImmutability(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m, err := f.svc.Schedule(ctx, agentActor, ScheduleInput{CreatorA: 10, CreatorB: 11, ScheduledAt: kickoff})
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, kenzaActor, m.ID, 10)
	assert.ErrorIs(t, err, httpx.ErrForbidden, "players cannot declare the winner")

	_, err = f.svc.Complete(ctx, agentActor, m.ID, 12)
	assert.ErrorIs(t, err, httpx.ErrValidation)

	done, err := f.svc.Complete(ctx, agentActor, m.ID, 11)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.WinnerID)
	assert.Equal(t, int64(11), *done.WinnerID)

	_, err = f.svc.Cancel(ctx, managerActor, m.ID)
	assert.ErrorIs(t, err, ErrFinal)
	_, err = f.svc.Complete(ctx, managerActor, m.ID, 10)
	assert.ErrorIs(t, err, ErrFinal)
	_, err = f.svc.Reschedule(ctx, managerActor, m.ID, kickoff.Add(time.Hour))
	assert.ErrorIs(t, err, httpx.ErrValidation)

	stored, err := f.repo.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(11), *stored.WinnerID)
}

func TestCancelAndReschedule(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m, err := f.svc.Schedule(ctx, managerActor, ScheduleInput{CreatorA: 10, CreatorB: 12, ScheduledAt: kickoff})
	require.NoError(t, err)

	moved, err := f.svc.Reschedule(ctx, agentActor, m.ID, kickoff.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, moved.ScheduledAt.Equal(kickoff.Add(24*time.Hour)))

	_, err = f.svc.Reschedule(ctx, agentActor, m.ID, time.Time{})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	cancelled, err := f.svc.Cancel(ctx, agentActor, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = f.svc.Complete(ctx, agentActor, m.ID, 10)
	assert.ErrorIs(t, err, ErrFinal)

	_, err = f.svc.Cancel(ctx, agentActor, 404)
	assert.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestListVisibility(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, err := f.svc.Schedule(ctx, managerActor, ScheduleInput{CreatorA: 10, CreatorB: 11, ScheduledAt: kickoff})
	require.NoError(t, err)
	b, err := f.svc.Schedule(ctx, managerActor, ScheduleInput{CreatorA: 11, CreatorB: 12, ScheduledAt: kickoff})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, managerActor, b.ID)
	require.NoError(t, err)

	items, err := f.svc.List(ctx, kenzaActor, ListFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, a.ID, items[0].ID)

	items, err = f.svc.List(ctx, ambActor, ListFilter{Status: StatusCancelled})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, b.ID, items[0].ID)

	_, err = f.svc.List(ctx, ambActor, ListFilter{Status: "paused"})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = f.svc.Get(ctx, kenzaActor, b.ID)
	assert.ErrorIs(t, err, httpx.ErrNotFound)
	_, err = f.svc.Get(ctx, zoeActor, b.ID)
	assert.NoError(t, err)
}

func serve(f fixture, actor rbac.Principal, method, path, body string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(rbac.ContextWithPrincipal(req.Context(), actor)))
		})
	})
	r.Route("/api/matches", NewHandler(nil, f.svc).MountRoutes)
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandlerFlow(t *testing.T) {
	f := newFixture()

	rec := serve(f, agentActor, http.MethodPost, "/api/matches", `{"creator_a":10,"creator_b":11,"scheduled_at":"2026-06-01T20:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = serve(f, agentActor, http.MethodPost, "/api/matches", `{"creator_a":10,"creator_b":10,"scheduled_at":"2026-06-01T20:00:00Z"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"creatorb":"nefield"`)

	rec = serve(f, agentActor, http.MethodPost, "/api/matches/1/complete", `{"winner_id":11}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"winner_id":11`)

	rec = serve(f, agentActor, http.MethodPost, "/api/matches/1/cancel", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(f, zoeActor, http.MethodGet, "/api/matches", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"matches":[]}`, rec.Body.String())

	rec = serve(f, zoeActor, http.MethodGet, "/api/matches/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
