package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/rbac"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestEventVisibility(t *testing.T) {
	creator := rbac.Principal{ID: 5, Role: policy.RoleCreator}
	other := rbac.Principal{ID: 6, Role: policy.RoleCreator}
	manager := rbac.Principal{ID: 2, Role: policy.RoleManager}

	broadcast := Event{Topic: TopicAccounts, Action: ActionUpdated, ID: 1}
	assert.True(t, broadcast.VisibleTo(creator))

	direct := Event{Topic: TopicMessages, Action: ActionCreated, ID: 2, Audience: []int64{7, 5}}
	assert.True(t, direct.VisibleTo(creator))
	assert.False(t, direct.VisibleTo(other))

	owned := Event{Topic: TopicSchedules, Action: ActionCreated, ID: 3, Audience: []int64{5}, Roles: []policy.Role{policy.RoleFounder, policy.RoleManager}}
	assert.True(t, owned.VisibleTo(creator))
	assert.True(t, owned.VisibleTo(manager))
	assert.False(t, owned.VisibleTo(other))
	assert.False(t, owned.VisibleTo(rbac.Principal{ID: 9, Role: policy.Role("Manager")}))

	staffOnly := Event{Topic: TopicRewards, Action: ActionUpdated, ID: 4, Roles: []policy.Role{policy.RoleManager}}
	assert.False(t, staffOnly.VisibleTo(creator))
	assert.True(t, staffOnly.VisibleTo(manager))
}

func TestFeedPublishSubscribe(t *testing.T) {
	feed := NewFeed(newRedis(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := feed.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, feed.Publish(ctx, Event{Topic: TopicSchedules, Action: ActionCreated, ID: 11}))

	select {
	case ev := <-events:
		assert.Equal(t, TopicSchedules, ev.Topic)
		assert.Equal(t, int64(11), ev.ID)
		assert.False(t, ev.At.IsZero())
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestFeedPublishValidates(t *testing.T) {
	feed := NewFeed(newRedis(t), nil)
	assert.Error(t, feed.Publish(context.Background(), Event{ID: 1}))
}

func TestCacheFetchAndBump(t *testing.T) {
	cache := NewCache(newRedis(t), "rewards", time.Minute)
	ctx := context.Background()
	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return map[string]int{"calls": calls}, nil
	}

	key, err := cache.BuildKey(ctx, "summary", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, "summary:2026-01:v1", key)

	var out map[string]int
	require.NoError(t, cache.FetchJSON(ctx, key, &out, loader))
	require.NoError(t, cache.FetchJSON(ctx, key, &out, loader))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, out["calls"])

	require.NoError(t, cache.Bump(ctx))
	key, err = cache.BuildKey(ctx, "summary", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, "summary:2026-01:v2", key)
	require.NoError(t, cache.FetchJSON(ctx, key, &out, loader))
	assert.Equal(t, 2, out["calls"])
}

func TestNilCacheCallsLoader(t *testing.T) {
	var cache *Cache
	var out []int
	require.NoError(t, cache.FetchJSON(context.Background(), "k", &out, func(context.Context) (any, error) {
		return []int{1, 2}, nil
	}))
	assert.Equal(t, []int{1, 2}, out)
}

func TestHandlerStreamsVisibleEvents(t *testing.T) {
	feed := NewFeed(newRedis(t), nil)
	handler := NewHandler(feed, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := rbac.ContextWithPrincipal(r.Context(), rbac.Principal{ID: 7, Role: policy.RoleCreator})
		handler.ServeHTTP(w, r.WithContext(ctx))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	reader := bufio.NewReader(res.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	staff := []policy.Role{policy.RoleFounder, policy.RoleManager}
	require.NoError(t, feed.Publish(ctx, Event{Topic: TopicSchedules, Action: ActionCreated, ID: 1, Audience: []int64{99}, Roles: staff}))
	require.NoError(t, feed.Publish(ctx, Event{Topic: TopicSchedules, Action: ActionCreated, ID: 2, Audience: []int64{7}, Roles: staff}))

	var data string
	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			break
		}
	}
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, int64(2), ev.ID)
	assert.Empty(t, ev.Audience)
	assert.Empty(t, ev.Roles)
}
