package shared

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Notice is a one-time toast queued for the client.
type Notice struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SessionManager orchestrates cookie based sessions backed by Redis.
type SessionManager struct {
	client      *redis.Client
	cookieName  string
	ttl         time.Duration
	idleTimeout time.Duration
	secure      bool
	secret      []byte
	now         func() time.Time
}

// Session holds per-request session data.
type Session struct {
	ID        string
	values    map[string]string
	userID    string
	notices   []Notice
	lastSeen  time.Time
	prevSeen  time.Time
	expired   bool
	manager   *SessionManager
	isNew     bool
	dirty     bool
	destroyed bool
	// replaced is the ID dropped by Regenerate, deleted on Commit.
	replaced string
}

type sessionPayload struct {
	Values   map[string]string `json:"values"`
	UserID   string            `json:"user_id"`
	Notices  []Notice          `json:"notices"`
	LastSeen time.Time         `json:"last_seen"`
}

// NewSessionManager constructs a SessionManager. A zero idleTimeout disables
// the inactivity check.
func NewSessionManager(client *redis.Client, cookieName string, secret string, ttl, idleTimeout time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		client:      client,
		cookieName:  cookieName,
		ttl:         ttl,
		idleTimeout: idleTimeout,
		secure:      secure,
		secret:      []byte(secret),
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (sm *SessionManager) SetClock(now func() time.Time) {
	sm.now = now
}

// Load loads or creates a new session for request. An authenticated session
// idle for longer than the idle timeout is dropped and replaced by an
// anonymous one with Expired reporting true.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return sm.newSession(), nil
		}
		return nil, err
	}

	payload, err := sm.client.Get(ctx, sm.redisKey(cookie.Value)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Unknown IDs are never adopted; the client gets a fresh one.
			return sm.newSession(), nil
		}
		return nil, err
	}

	var stored sessionPayload
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, err
	}

	now := sm.now()
	if stored.UserID != "" && sm.idleTimeout > 0 && !stored.LastSeen.IsZero() && now.Sub(stored.LastSeen) > sm.idleTimeout {
		if err := sm.client.Del(ctx, sm.redisKey(cookie.Value)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		sess := sm.newSession()
		sess.expired = true
		return sess, nil
	}

	sess := sm.newSession()
	sess.ID = cookie.Value
	sess.values = stored.Values
	if sess.values == nil {
		sess.values = make(map[string]string)
	}
	sess.userID = stored.UserID
	sess.notices = stored.Notices
	sess.prevSeen = stored.LastSeen
	sess.lastSeen = now
	sess.isNew = false
	// Every authenticated request counts as activity.
	sess.dirty = stored.UserID != ""
	return sess, nil
}

// Commit persists the session and writes cookie headers as needed.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *Session) error {
	if sess == nil {
		return nil
	}

	if sess.destroyed {
		if err := sm.client.Del(ctx, sm.redisKey(sess.ID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		http.SetCookie(w, &http.Cookie{
			Name:     sm.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   sm.secure,
			SameSite: http.SameSiteStrictMode,
		})
		return nil
	}

	if sess.ID == "" {
		sess.ID = sm.generateSessionID()
	}
	if sess.replaced != "" {
		if err := sm.client.Del(ctx, sm.redisKey(sess.replaced)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		sess.replaced = ""
	}

	if sess.dirty || sess.isNew {
		data, err := json.Marshal(sessionPayload{Values: sess.values, UserID: sess.userID, Notices: sess.notices, LastSeen: sess.lastSeen})
		if err != nil {
			return err
		}
		if err := sm.client.Set(ctx, sm.redisKey(sess.ID), data, sm.ttl).Err(); err != nil {
			return err
		}
		sess.dirty = false
		sess.isNew = false
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  sm.now().Add(sm.ttl),
	})
	return nil
}

// Regenerate moves the session to a new ID, keeping its data. The old ID is
// removed from Redis on Commit. Call it whenever the privilege level changes.
func (sm *SessionManager) Regenerate(sess *Session) {
	if sess == nil {
		return
	}
	if sess.replaced == "" && !sess.isNew {
		sess.replaced = sess.ID
	}
	sess.ID = sm.generateSessionID()
	sess.dirty = true
}

// Destroy marks the session for deletion.
func (sm *SessionManager) Destroy(sess *Session) {
	if sess == nil {
		return
	}
	sess.destroyed = true
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// IdleTimeout exposes the configured inactivity limit.
func (sm *SessionManager) IdleTimeout() time.Duration {
	return sm.idleTimeout
}

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

// Set stores a key-value pair.
func (s *Session) Set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	s.dirty = true
}

// Get retrieves a value.
func (s *Session) Get(key string) string {
	if s.values == nil {
		return ""
	}
	return s.values[key]
}

// Delete removes a value.
func (s *Session) Delete(key string) {
	if s.values == nil {
		return
	}
	delete(s.values, key)
	s.dirty = true
}

// SetUser associates the session with a user ID.
func (s *Session) SetUser(id string) {
	s.userID = id
	if s.manager != nil {
		s.lastSeen = s.manager.now()
	}
	s.dirty = true
}

// User returns the current user ID.
func (s *Session) User() string {
	return s.userID
}

// SkipActivity keeps the stored activity time so that the current request
// does not extend the idle window.
func (s *Session) SkipActivity() {
	if !s.prevSeen.IsZero() {
		s.lastSeen = s.prevSeen
	}
}

// Expired reports whether the previous session was dropped for inactivity.
func (s *Session) Expired() bool {
	return s.expired
}

// IdleRemaining returns how long the session may stay idle before it is
// dropped. It is zero for anonymous sessions or when no idle limit is set.
func (s *Session) IdleRemaining() time.Duration {
	if s.userID == "" || s.manager == nil || s.manager.idleTimeout <= 0 {
		return 0
	}
	remaining := s.manager.idleTimeout - s.manager.now().Sub(s.lastSeen)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AddNotice queues a toast for the client.
func (s *Session) AddNotice(n Notice) {
	s.notices = append(s.notices, n)
	s.dirty = true
}

// PopNotices returns and clears all queued toasts.
func (s *Session) PopNotices() []Notice {
	if len(s.notices) == 0 {
		return nil
	}
	out := s.notices
	s.notices = nil
	s.dirty = true
	return out
}

func (sm *SessionManager) newSession() *Session {
	return &Session{
		ID:      sm.generateSessionID(),
		values:  make(map[string]string),
		manager: sm,
		isNew:   true,
		dirty:   true,
	}
}

func (sm *SessionManager) redisKey(id string) string {
	return "session:" + id
}

func (sm *SessionManager) generateSessionID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return base64.RawURLEncoding.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	if len(sm.secret) > 0 {
		for i := range b {
			b[i] ^= sm.secret[i%len(sm.secret)]
		}
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

type sessionContextKey struct{}

// ContextWithSession attaches the request session.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the request session or nil.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}
