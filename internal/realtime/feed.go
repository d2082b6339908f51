// Package realtime fans row-change notifications out to connected clients
// over Redis pub/sub.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/rbac"
)

// ChangesChannel is the Redis channel carrying change events.
const ChangesChannel = "ultra.changes"

// Topics published by the domain services.
const (
	TopicAccounts  = "accounts"
	TopicSchedules = "schedules"
	TopicRewards   = "rewards"
	TopicMatches   = "matches"
	TopicMessages  = "messages"
	TopicDocuments = "documents"
)

// Actions describing the change.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Event describes a change to a row. It reaches the accounts listed in
// Audience and every account holding one of Roles. With both empty every
// connected client may see it.
type Event struct {
	Topic    string        `json:"topic"`
	Action   string        `json:"action"`
	ID       int64         `json:"id"`
	Audience []int64       `json:"audience,omitempty"`
	Roles    []policy.Role `json:"roles,omitempty"`
	At       time.Time     `json:"at"`
}

// VisibleTo reports whether p may receive the event.
func (e Event) VisibleTo(p rbac.Principal) bool {
	if len(e.Audience) == 0 && len(e.Roles) == 0 {
		return true
	}
	if slices.Contains(e.Audience, p.ID) {
		return true
	}
	role := policy.ParseRole(string(p.Role))
	return role != policy.RoleUnknown && slices.Contains(e.Roles, role)
}

// Publisher emits change events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Feed publishes and subscribes to change events.
type Feed struct {
	client *redis.Client
	logger *slog.Logger
}

// NewFeed constructs a Feed.
func NewFeed(client *redis.Client, logger *slog.Logger) *Feed {
	return &Feed{client: client, logger: logger}
}

// Publish sends ev to all subscribers.
func (f *Feed) Publish(ctx context.Context, ev Event) error {
	if f == nil || f.client == nil {
		return nil
	}
	if ev.Topic == "" || ev.Action == "" {
		return errors.New("realtime: topic and action required")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, ChangesChannel, payload).Err(); err != nil {
		return fmt.Errorf("realtime: publish: %w", err)
	}
	return nil
}

// Subscribe returns a channel of events that stays open until ctx is
// cancelled. The subscription is confirmed before Subscribe returns.
func (f *Feed) Subscribe(ctx context.Context) (<-chan Event, error) {
	if f == nil || f.client == nil {
		return nil, errors.New("realtime: feed not configured")
	}
	pubsub := f.client.Subscribe(ctx, ChangesChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("realtime: subscribe: %w", err)
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					if f.logger != nil {
						f.logger.Warn("realtime decode", slog.Any("error", err))
					}
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Recorder is an in-memory Publisher.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish stores the event.
func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

var (
	_ Publisher = (*Feed)(nil)
	_ Publisher = (*Recorder)(nil)
)
