package accounts

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/rbac"
	"github.com/ultra-agency/ultra/internal/realtime"
	"github.com/ultra-agency/ultra/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type memRepo struct {
	mu       sync.Mutex
	accounts map[int64]Account
	nextID   int64
}

func newMemRepo(seed ...Account) *memRepo {
	m := &memRepo{accounts: make(map[int64]Account), nextID: 1}
	for _, a := range seed {
		a.IsActive = true
		m.accounts[a.ID] = a
		if a.ID >= m.nextID {
			m.nextID = a.ID + 1
		}
	}
	return m
}

func notFound() error { return fmt.Errorf("accounts: %w", httpx.ErrNotFound) }

func (m *memRepo) Get(ctx context.Context, id int64) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, notFound()
	}
	return a, nil
}

func (m *memRepo) List(ctx context.Context, filter ListFilter, limit, offset int) ([]Account, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Account
	for _, a := range m.accounts {
		if filter.Role != policy.RoleUnknown && a.Role != filter.Role {
			continue
		}
		if filter.ManagerID != nil && (a.ManagerID == nil || *a.ManagerID != *filter.ManagerID) {
			continue
		}
		if filter.Search != "" && !strings.Contains(a.Username, filter.Search) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], total, nil
}

func (m *memRepo) Create(ctx context.Context, a Account) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.Username == a.Username {
			return Account{}, fmt.Errorf("accounts: %w", httpx.ErrDuplicate)
		}
	}
	a.ID = m.nextID
	m.nextID++
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.accounts[a.ID] = a
	return a, nil
}

func (m *memRepo) update(id int64, fn func(*Account) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return notFound()
	}
	if err := fn(&a); err != nil {
		return err
	}
	m.accounts[id] = a
	return nil
}

func (m *memRepo) UpdateUsername(ctx context.Context, id int64, username string) error {
	m.mu.Lock()
	for _, existing := range m.accounts {
		if existing.Username == username && existing.ID != id {
			m.mu.Unlock()
			return fmt.Errorf("accounts: %w", httpx.ErrDuplicate)
		}
	}
	m.mu.Unlock()
	return m.update(id, func(a *Account) error { a.Username = username; return nil })
}

func (m *memRepo) UpdateRole(ctx context.Context, id int64, role policy.Role) error {
	return m.update(id, func(a *Account) error { a.Role = role; return nil })
}

func (m *memRepo) UpdatePassword(ctx context.Context, id int64, hash string) error {
	return m.update(id, func(a *Account) error { a.PasswordHash = hash; return nil })
}

func (m *memRepo) UpdateSecret(ctx context.Context, id int64, sealed []byte) error {
	return m.update(id, func(a *Account) error { a.SealedSecret = sealed; return nil })
}

func (m *memRepo) UpdateManager(ctx context.Context, id int64, managerID *int64) error {
	return m.update(id, func(a *Account) error { a.ManagerID = managerID; return nil })
}

func (m *memRepo) ClearAffiliates(ctx context.Context, managerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.accounts {
		if a.ManagerID != nil && *a.ManagerID == managerID {
			a.ManagerID = nil
			m.accounts[id] = a
		}
	}
	return nil
}

func (m *memRepo) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return notFound()
	}
	delete(m.accounts, id)
	return nil
}

func (m *memRepo) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts), nil
}

func (m *memRepo) WithTx(ctx context.Context, fn func(Store) error) error {
	m.mu.Lock()
	snapshot := maps.Clone(m.accounts)
	m.mu.Unlock()
	if err := fn(m); err != nil {
		m.mu.Lock()
		m.accounts = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// commitFailRepo runs the transaction body and then fails to commit,
// discarding everything fn wrote.
type commitFailRepo struct {
	*memRepo
}

func (r commitFailRepo) WithTx(ctx context.Context, fn func(Store) error) error {
	r.mu.Lock()
	snapshot := maps.Clone(r.accounts)
	r.mu.Unlock()
	err := fn(r.memRepo)
	r.mu.Lock()
	r.accounts = snapshot
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return errors.New("commit tx: connection reset")
}

// ============================================================================
// FIXTURES
// ============================================================================

func ptr(v int64) *int64 { return &v }

var (
	founderActor = rbac.Principal{ID: 1, Username: "lea", Role: policy.RoleFounder}
	managerActor = rbac.Principal{ID: 2, Username: "marc", Role: policy.RoleManager}
	agentActor   = rbac.Principal{ID: 4, Username: "ines", Role: policy.RoleAgent}
)

type fixture struct {
	repo    *memRepo
	svc     *Service
	audit   *shared.MemoryAuditor
	events  *realtime.Recorder
	secrets *SecretBox
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := newMemRepo(
		Account{ID: 1, Username: "lea", Role: policy.RoleFounder},
		Account{ID: 2, Username: "marc", Role: policy.RoleManager},
		Account{ID: 3, Username: "sofia", Role: policy.RoleManager},
		Account{ID: 4, Username: "ines", Role: policy.RoleAgent, ManagerID: ptr(2)},
		Account{ID: 5, Username: "kenza", Role: policy.RoleCreator, ManagerID: ptr(2)},
		Account{ID: 6, Username: "theo", Role: policy.RoleAmbassadeur},
	)
	secrets, err := NewSecretBox(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	require.NoError(t, err)
	audit := &shared.MemoryAuditor{}
	events := &realtime.Recorder{}
	svc := NewService(repo, secrets, audit, events, nil)
	svc.SetHashCost(bcrypt.MinCost)
	return fixture{repo: repo, svc: svc, audit: audit, events: events, secrets: secrets}
}

// ============================================================================
// TESTS
// ============================================================================

func TestLoadPrincipal(t *testing.T) {
	f := newFixture(t)
	p, err := f.svc.LoadPrincipal(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, policy.RoleCreator, p.Role)

	require.NoError(t, f.repo.update(5, func(a *Account) error { a.IsActive = false; return nil }))
	_, err = f.svc.LoadPrincipal(context.Background(), 5)
	assert.ErrorIs(t, err, httpx.ErrUnauthorized)

	_, err = f.svc.LoadPrincipal(context.Background(), 404)
	assert.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestChangeRoleManagerRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.svc.ChangeRole(ctx, managerActor, 4, "creator")
	require.NoError(t, err)
	assert.Equal(t, policy.RoleCreator, view.Role)

	_, err = f.svc.ChangeRole(ctx, managerActor, 4, "manager")
	assert.ErrorIs(t, err, httpx.ErrForbidden)
	_, err = f.svc.ChangeRole(ctx, managerActor, 6, "founder")
	assert.ErrorIs(t, err, httpx.ErrForbidden)

	// Only the proposed role counts for managers, so a peer can be demoted.
	_, err = f.svc.ChangeRole(ctx, managerActor, 3, "agent")
	require.NoError(t, err)

	_, err = f.svc.ChangeRole(ctx, agentActor, 5, "ambassadeur")
	assert.ErrorIs(t, err, httpx.ErrForbidden)
}

func TestChangeRoleDemotingManagerDetachesAffiliates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.ChangeRole(ctx, founderActor, 2, "agent")
	require.NoError(t, err)

	agent, _ := f.repo.Get(ctx, 4)
	creator, _ := f.repo.Get(ctx, 5)
	assert.Nil(t, agent.ManagerID)
	assert.Nil(t, creator.ManagerID)
	require.Len(t, f.audit.Logs, 1)
	assert.Equal(t, shared.AuditRole, f.audit.Logs[0].Action)
	assert.Equal(t, "manager", f.audit.Logs[0].Meta["from"])
}

func TestChangeRolePromotionDropsOwnAffiliation(t *testing.T) {
	f := newFixture(t)
	view, err := f.svc.ChangeRole(context.Background(), founderActor, 5, "manager")
	require.NoError(t, err)
	assert.Nil(t, view.ManagerID)
}

func TestChangeRoleRejectsUnknownAndSelfDemotion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.ChangeRole(ctx, founderActor, 4, "intern")
	assert.ErrorIs(t, err, httpx.ErrValidation)
	for _, raw := range []string{" Manager ", "AGENT", "creator "} {
		_, err = f.svc.ChangeRole(ctx, founderActor, 4, raw)
		assert.ErrorIs(t, err, httpx.ErrValidation, "role %q", raw)
	}
	_, err = f.svc.ChangeRole(ctx, founderActor, 1, "manager")
	assert.ErrorIs(t, err, httpx.ErrValidation)
	a, _ := f.repo.Get(ctx, 1)
	assert.Equal(t, policy.RoleFounder, a.Role)
}

func TestDeleteRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Delete(ctx, managerActor, 3), httpx.ErrForbidden)
	assert.ErrorIs(t, f.svc.Delete(ctx, managerActor, 1), httpx.ErrForbidden)
	assert.ErrorIs(t, f.svc.Delete(ctx, agentActor, 6), httpx.ErrForbidden)
	assert.ErrorIs(t, f.svc.Delete(ctx, managerActor, 2), httpx.ErrValidation)

	require.NoError(t, f.svc.Delete(ctx, managerActor, 6))
	_, err := f.repo.Get(ctx, 6)
	assert.ErrorIs(t, err, httpx.ErrNotFound)

	require.NoError(t, f.svc.Delete(ctx, founderActor, 2))
	agent, _ := f.repo.Get(ctx, 4)
	assert.Nil(t, agent.ManagerID)

	events := f.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, realtime.ActionDeleted, events[1].Action)
	assert.Equal(t, int64(2), events[1].ID)
}

func TestDeleteReevaluatesCurrentRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caps, err := f.svc.Capabilities(ctx, managerActor, 6)
	require.NoError(t, err)
	assert.True(t, caps.CanDelete)

	// The target is promoted after the capability check was made.
	require.NoError(t, f.repo.UpdateRole(ctx, 6, policy.RoleManager))
	assert.ErrorIs(t, f.svc.Delete(ctx, managerActor, 6), httpx.ErrForbidden)
}

func TestUpdateUsername(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateUsername(ctx, managerActor, 5, "kenza.live")
	assert.ErrorIs(t, err, httpx.ErrForbidden)

	view, err := f.svc.UpdateUsername(ctx, founderActor, 5, " kenza.live ")
	require.NoError(t, err)
	assert.Equal(t, "kenza.live", view.Username)

	_, err = f.svc.UpdateUsername(ctx, founderActor, 5, "marc")
	assert.ErrorIs(t, err, httpx.ErrDuplicate)

	_, err = f.svc.UpdateUsername(ctx, founderActor, 5, "no spaces")
	var verrs validator.ValidationErrors
	assert.True(t, errors.As(err, &verrs))

	_, err = f.svc.UpdateUsername(ctx, founderActor, 404, "ghost")
	assert.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestSetPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.SetPassword(ctx, managerActor, 5, "new-password"), httpx.ErrForbidden)
	require.NoError(t, f.svc.SetPassword(ctx, founderActor, 5, "new-password"))
	a, _ := f.repo.Get(ctx, 5)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte("new-password")))
	assert.Error(t, f.svc.SetPassword(ctx, founderActor, 5, "short"))
}

func TestPlatformSecretVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.SetPlatformSecret(ctx, managerActor, 5, "tiktok-pass"), httpx.ErrForbidden)
	require.NoError(t, f.svc.SetPlatformSecret(ctx, founderActor, 5, "tiktok-pass"))

	stored, _ := f.repo.Get(ctx, 5)
	assert.NotContains(t, string(stored.SealedSecret), "tiktok-pass")

	asFounder, err := f.svc.Get(ctx, founderActor, 5)
	require.NoError(t, err)
	require.NotNil(t, asFounder.PlatformSecret)
	assert.Equal(t, "tiktok-pass", *asFounder.PlatformSecret)

	asManager, err := f.svc.Get(ctx, managerActor, 5)
	require.NoError(t, err)
	assert.Nil(t, asManager.PlatformSecret)

	page, err := f.svc.List(ctx, managerActor, ListFilter{})
	require.NoError(t, err)
	for _, v := range page.Accounts {
		assert.Nil(t, v.PlatformSecret)
	}

	require.NoError(t, f.svc.SetPlatformSecret(ctx, founderActor, 5, ""))
	cleared, _ := f.svc.Get(ctx, founderActor, 5)
	assert.Nil(t, cleared.PlatformSecret)
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.svc.Create(ctx, managerActor, CreateInput{Username: "nadia", Password: "longenough", Role: "creator", ManagerID: ptr(2)})
	require.NoError(t, err)
	assert.Equal(t, policy.RoleCreator, view.Role)
	assert.Equal(t, "Creator", view.RoleLabel)
	require.NotNil(t, view.ManagerID)
	assert.Equal(t, int64(2), *view.ManagerID)

	_, err = f.svc.Create(ctx, managerActor, CreateInput{Username: "boss2", Password: "longenough", Role: "manager"})
	assert.ErrorIs(t, err, httpx.ErrForbidden)

	_, err = f.svc.Create(ctx, managerActor, CreateInput{Username: "other", Password: "longenough", Role: "agent", ManagerID: ptr(3)})
	assert.ErrorIs(t, err, httpx.ErrForbidden)

	_, err = f.svc.Create(ctx, agentActor, CreateInput{Username: "sneaky", Password: "longenough", Role: "agent"})
	assert.ErrorIs(t, err, httpx.ErrForbidden)

	_, err = f.svc.Create(ctx, founderActor, CreateInput{Username: "x1y", Password: "longenough", Role: "intern"})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = f.svc.Create(ctx, founderActor, CreateInput{Username: "nadia", Password: "longenough", Role: "agent"})
	assert.ErrorIs(t, err, httpx.ErrDuplicate)

	_, err = f.svc.Create(ctx, founderActor, CreateInput{Username: "m2x", Password: "longenough", Role: "manager", ManagerID: ptr(2)})
	assert.ErrorIs(t, err, httpx.ErrValidation, "managers cannot be affiliated")
	count, err := f.repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, count, "only nadia was created")
}

func TestSetAffiliation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetAffiliation(ctx, founderActor, 6, ptr(6))
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = f.svc.SetAffiliation(ctx, founderActor, 6, ptr(5))
	assert.ErrorIs(t, err, httpx.ErrValidation, "affiliate must be a manager")

	_, err = f.svc.SetAffiliation(ctx, founderActor, 3, ptr(2))
	assert.ErrorIs(t, err, httpx.ErrValidation, "managers are top level")

	view, err := f.svc.SetAffiliation(ctx, founderActor, 6, ptr(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), *view.ManagerID)

	_, err = f.svc.SetAffiliation(ctx, managerActor, 6, nil)
	assert.ErrorIs(t, err, httpx.ErrForbidden, "managers only detach their own affiliates")

	_, err = f.svc.SetAffiliation(ctx, managerActor, 6, ptr(2))
	require.NoError(t, err)
	_, err = f.svc.SetAffiliation(ctx, managerActor, 6, nil)
	require.NoError(t, err)

	_, err = f.svc.SetAffiliation(ctx, agentActor, 6, ptr(2))
	assert.ErrorIs(t, err, httpx.ErrForbidden)
}

func TestSetAffiliationDetectsCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Corrupt data: manager 3 already sits under agent 4.
	require.NoError(t, f.repo.UpdateManager(ctx, 3, ptr(4)))
	_, err := f.svc.SetAffiliation(ctx, founderActor, 4, ptr(3))
	assert.ErrorIs(t, err, httpx.ErrValidation)
	a, _ := f.repo.Get(ctx, 4)
	assert.Equal(t, int64(2), *a.ManagerID)
}

func TestFailedCommitLeavesNoAuditTrail(t *testing.T) {
	f := newFixture(t)
	repo := commitFailRepo{memRepo: f.repo}
	svc := NewService(repo, f.secrets, f.audit, f.events, nil)
	ctx := context.Background()

	_, err := svc.ChangeRole(ctx, founderActor, 4, "creator")
	require.Error(t, err)
	_, err = svc.SetAffiliation(ctx, founderActor, 6, ptr(3))
	require.Error(t, err)
	require.Error(t, svc.Delete(ctx, founderActor, 5))

	assert.Empty(t, f.audit.Logs)
	assert.Empty(t, f.events.Events())
	a, _ := f.repo.Get(ctx, 4)
	assert.Equal(t, policy.RoleAgent, a.Role)
	_, err = f.repo.Get(ctx, 5)
	assert.NoError(t, err)
}

func TestCapabilities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	caps, err := f.svc.Capabilities(ctx, managerActor, 1)
	require.NoError(t, err)
	assert.False(t, caps.CanDelete)
	assert.False(t, caps.CanEditUsername)
	assert.Equal(t, []policy.Role{policy.RoleAgent, policy.RoleCreator, policy.RoleAmbassadeur}, caps.AssignableRoles)

	caps, err = f.svc.Capabilities(ctx, founderActor, 1)
	require.NoError(t, err)
	assert.False(t, caps.CanDelete, "no self delete")
	assert.True(t, caps.CanSeePassword)

	caps, err = f.svc.Capabilities(ctx, rbac.Principal{ID: 9, Role: policy.Role("intern")}, 5)
	require.NoError(t, err)
	assert.Equal(t, TargetCapabilities{AccountID: 5, AssignableRoles: []policy.Role{}}, caps)
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	me, err := f.svc.Me(context.Background(), agentActor)
	require.NoError(t, err)
	assert.Equal(t, "ines", me.Username)
	assert.True(t, me.Capabilities.SeeSummaryPerformance)
	assert.False(t, me.Capabilities.SeeDetailedPerformance)
	assert.Contains(t, me.Granted, "performance.summary")
}

func TestListPagination(t *testing.T) {
	f := newFixture(t)
	page, err := f.svc.List(context.Background(), founderActor, ListFilter{Page: 2, PerPage: 4})
	require.NoError(t, err)
	assert.Equal(t, 6, page.Pagination.Total)
	assert.Equal(t, 2, page.Pagination.TotalPages)
	assert.Len(t, page.Accounts, 2)

	page, err = f.svc.List(context.Background(), founderActor, ListFilter{Role: policy.RoleManager})
	require.NoError(t, err)
	assert.Len(t, page.Accounts, 2)
}

func TestSecretBoxRejectsBadKeys(t *testing.T) {
	_, err := NewSecretBox("not-base64!")
	assert.Error(t, err)
	_, err = NewSecretBox(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)

	box, err := NewSecretBox(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32)))
	require.NoError(t, err)
	sealed, err := box.Seal("s3cret")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	_, err = box.Open(sealed)
	assert.Error(t, err)
}
