package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ultra-agency/ultra/internal/accounts"
	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/rbac"
	"github.com/ultra-agency/ultra/internal/realtime"
	"github.com/ultra-agency/ultra/internal/shared"
)

const idempotencyModule = "messages"

// Directory resolves account references.
type Directory interface {
	Lookup(ctx context.Context, id int64) (accounts.Account, error)
}

// Service implements direct messaging.
type Service struct {
	repo      Repository
	directory Directory
	guard     shared.IdempotencyGuard
	events    realtime.Publisher
	logger    *slog.Logger
	validate  *validator.Validate
	now       func() time.Time
}

// NewService builds Service instance. A nil guard ignores idempotency keys.
func NewService(repo Repository, directory Directory, guard shared.IdempotencyGuard, events realtime.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		directory: directory,
		guard:     guard,
		events:    events,
		logger:    logger,
		validate:  shared.NewValidator(),
		now:       time.Now,
	}
}

// Send delivers a message from actor. A non-empty key makes retries of the
// same request a conflict instead of a second message.
func (s *Service) Send(ctx context.Context, actor rbac.Principal, in SendInput, key string) (Message, error) {
	if !actor.Role.Valid() {
		return Message{}, s.deny(actor, "send", 0)
	}
	in.Body = strings.TrimSpace(in.Body)
	if err := s.validate.Struct(in); err != nil {
		return Message{}, err
	}
	if in.RecipientID == actor.ID {
		return Message{}, fmt.Errorf("messages: cannot message yourself: %w", httpx.ErrValidation)
	}
	recipient, err := s.directory.Lookup(ctx, in.RecipientID)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return Message{}, fmt.Errorf("messages: recipient %d does not exist: %w", in.RecipientID, httpx.ErrValidation)
		}
		return Message{}, err
	}
	if !recipient.IsActive {
		return Message{}, fmt.Errorf("messages: recipient %d is inactive: %w", in.RecipientID, httpx.ErrValidation)
	}

	scoped := ""
	if key = strings.TrimSpace(key); key != "" && s.guard != nil {
		scoped = idempotencyModule + ":" + strconv.FormatInt(actor.ID, 10) + ":" + key
		if err := s.guard.CheckAndInsert(ctx, scoped, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Message{}, fmt.Errorf("messages: %w: %w", err, httpx.ErrDuplicate)
			}
			return Message{}, err
		}
	}
	msg, err := s.repo.Create(ctx, Message{SenderID: actor.ID, RecipientID: in.RecipientID, Body: in.Body})
	if err != nil {
		if scoped != "" {
			if derr := s.guard.Delete(ctx, scoped); derr != nil {
				s.logger.Warn("release idempotency key", slog.Any("error", derr))
			}
		}
		return Message{}, err
	}
	s.publish(ctx, realtime.ActionCreated, msg.ID, msg.RecipientID)
	return msg, nil
}

// Inbox lists messages received by actor.
func (s *Service) Inbox(ctx context.Context, actor rbac.Principal, unreadOnly bool, page, perPage int) (Page, error) {
	if !actor.Role.Valid() {
		return Page{}, s.deny(actor, "inbox", 0)
	}
	return s.list(ctx, Query{Owner: actor.ID, UnreadOnly: unreadOnly, Page: page, PerPage: perPage})
}

// Conversation lists the messages exchanged between actor and peerID.
func (s *Service) Conversation(ctx context.Context, actor rbac.Principal, peerID int64, page, perPage int) (Page, error) {
	if !actor.Role.Valid() {
		return Page{}, s.deny(actor, "conversation", peerID)
	}
	if peerID == actor.ID {
		return Page{}, fmt.Errorf("messages: no conversation with yourself: %w", httpx.ErrValidation)
	}
	if _, err := s.directory.Lookup(ctx, peerID); err != nil {
		return Page{}, err
	}
	return s.list(ctx, Query{Owner: actor.ID, Peer: peerID, Page: page, PerPage: perPage})
}

func (s *Service) list(ctx context.Context, q Query) (Page, error) {
	p := shared.NewPagination(q.Page, q.PerPage, 0)
	rows, total, err := s.repo.List(ctx, q, p.PerPage, p.Offset())
	if err != nil {
		return Page{}, err
	}
	if rows == nil {
		rows = []Message{}
	}
	return Page{Messages: rows, Pagination: shared.NewPagination(p.Page, p.PerPage, total)}, nil
}

// MarkRead flags message id as read. Only the recipient may do so.
func (s *Service) MarkRead(ctx context.Context, actor rbac.Principal, id int64) (Message, error) {
	msg, err := s.repo.Get(ctx, id)
	if err != nil {
		return Message{}, err
	}
	switch actor.ID {
	case msg.RecipientID:
	case msg.SenderID:
		return Message{}, s.deny(actor, "mark_read", id)
	default:
		return Message{}, fmt.Errorf("messages: %w", httpx.ErrNotFound)
	}
	if msg.ReadAt != nil {
		return msg, nil
	}
	msg, err = s.repo.MarkRead(ctx, id, s.now().UTC())
	if err != nil {
		return Message{}, err
	}
	s.publish(ctx, realtime.ActionUpdated, msg.ID, msg.SenderID, msg.RecipientID)
	return msg, nil
}

// UnreadCount returns how many messages actor has not read yet.
func (s *Service) UnreadCount(ctx context.Context, actor rbac.Principal) (int, error) {
	return s.repo.UnreadCount(ctx, actor.ID)
}

func (s *Service) deny(actor rbac.Principal, action string, id int64) error {
	s.logger.Info("message action denied",
		slog.String("action", action),
		slog.Int64("actor_id", actor.ID),
		slog.String("role", actor.Role.String()),
		slog.Int64("target_id", id))
	return fmt.Errorf("messages: %s: %w", action, httpx.ErrForbidden)
}

func (s *Service) publish(ctx context.Context, action string, id int64, audience ...int64) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, realtime.Event{Topic: realtime.TopicMessages, Action: action, ID: id, Audience: audience}); err != nil {
		s.logger.Warn("publish message change", slog.Any("error", err))
	}
}
