package matches

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ultra-agency/ultra/internal/accounts"
	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/rbac"
	"github.com/ultra-agency/ultra/internal/realtime"
	"github.com/ultra-agency/ultra/internal/shared"
)

// ErrFinal is returned when a completed or cancelled match is modified.
var ErrFinal = errors.New("match is already closed")

// Directory resolves account references.
type Directory interface {
	Lookup(ctx context.Context, id int64) (accounts.Account, error)
}

// Service implements match business rules.
type Service struct {
	repo      Repository
	directory Directory
	audit     shared.Auditor
	events    realtime.Publisher
	logger    *slog.Logger
	validate  *validator.Validate
}

// NewService builds Service instance.
func NewService(repo Repository, directory Directory, audit shared.Auditor, events realtime.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		directory: directory,
		audit:     audit,
		events:    events,
		logger:    logger,
		validate:  shared.NewValidator(),
	}
}

// List returns matches visible to actor. Creators see only the matches they
// take part in.
func (s *Service) List(ctx context.Context, actor rbac.Principal, filter ListFilter) ([]Match, error) {
	if !actor.Role.Valid() {
		return nil, s.deny(actor, "list", 0)
	}
	switch filter.Status {
	case "", StatusScheduled, StatusCompleted, StatusCancelled:
	default:
		return nil, fmt.Errorf("matches: status %q: %w", filter.Status, httpx.ErrValidation)
	}
	if actor.IsCreator() {
		filter.Participant = &actor.ID
	}
	out, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Match{}
	}
	return out, nil
}

// Get returns one match.
func (s *Service) Get(ctx context.Context, actor rbac.Principal, id int64) (Match, error) {
	if !actor.Role.Valid() {
		return Match{}, s.deny(actor, "get", id)
	}
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return Match{}, err
	}
	if actor.IsCreator() && !m.Involves(actor.ID) {
		return Match{}, fmt.Errorf("matches: %w", httpx.ErrNotFound)
	}
	return m, nil
}

// Schedule plans a match between two distinct creators.
func (s *Service) Schedule(ctx context.Context, actor rbac.Principal, in ScheduleInput) (Match, error) {
	if !policy.CanManageMatches(actor.Role) {
		return Match{}, s.deny(actor, "schedule", 0)
	}
	if err := s.validate.Struct(in); err != nil {
		return Match{}, err
	}
	for _, id := range []int64{in.CreatorA, in.CreatorB} {
		if err := s.requireCreator(ctx, id); err != nil {
			return Match{}, err
		}
	}
	m, err := s.repo.Create(ctx, Match{
		CreatorA:    in.CreatorA,
		CreatorB:    in.CreatorB,
		ScheduledAt: in.ScheduledAt,
		Status:      StatusScheduled,
		CreatedBy:   actor.ID,
	})
	if err != nil {
		return Match{}, err
	}
	s.record(ctx, actor, shared.AuditCreate, m.ID, map[string]any{"creator_a": m.CreatorA, "creator_b": m.CreatorB})
	s.publish(ctx, realtime.ActionCreated, m)
	return m, nil
}

// Reschedule moves a scheduled match.
func (s *Service) Reschedule(ctx context.Context, actor rbac.Principal, id int64, at time.Time) (Match, error) {
	if at.IsZero() {
		return Match{}, fmt.Errorf("matches: scheduled_at required: %w", httpx.ErrValidation)
	}
	return s.transition(ctx, actor, "reschedule", id, func(m *Match) error {
		m.ScheduledAt = at
		return nil
	})
}

// Complete closes the match with a winner who must be one of the players.
func (s *Service) Complete(ctx context.Context, actor rbac.Principal, id, winnerID int64) (Match, error) {
	return s.transition(ctx, actor, "complete", id, func(m *Match) error {
		if !m.Involves(winnerID) {
			return fmt.Errorf("matches: winner %d did not play: %w", winnerID, httpx.ErrValidation)
		}
		m.Status = StatusCompleted
		m.WinnerID = &winnerID
		return nil
	})
}

// Cancel calls the match off.
func (s *Service) Cancel(ctx context.Context, actor rbac.Principal, id int64) (Match, error) {
	return s.transition(ctx, actor, "cancel", id, func(m *Match) error {
		m.Status = StatusCancelled
		return nil
	})
}

func (s *Service) transition(ctx context.Context, actor rbac.Principal, action string, id int64, apply func(*Match) error) (Match, error) {
	if !policy.CanManageMatches(actor.Role) {
		return Match{}, s.deny(actor, action, id)
	}
	var updated Match
	err := s.repo.WithTx(ctx, func(tx Store) error {
		m, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if m.Status.Final() {
			return fmt.Errorf("matches: %s %d: %w: %w", action, id, ErrFinal, httpx.ErrValidation)
		}
		if err := apply(&m); err != nil {
			return err
		}
		updated, err = tx.Update(ctx, m)
		return err
	})
	if err != nil {
		return Match{}, err
	}
	meta := map[string]any{"status": string(updated.Status)}
	if updated.WinnerID != nil {
		meta["winner_id"] = *updated.WinnerID
	}
	s.record(ctx, actor, shared.AuditUpdate, id, meta)
	s.publish(ctx, realtime.ActionUpdated, updated)
	return updated, nil
}

func (s *Service) requireCreator(ctx context.Context, id int64) error {
	a, err := s.directory.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return fmt.Errorf("matches: creator %d does not exist: %w", id, httpx.ErrValidation)
		}
		return err
	}
	if policy.ParseRole(string(a.Role)) != policy.RoleCreator {
		return fmt.Errorf("matches: account %d is not a creator: %w", id, httpx.ErrValidation)
	}
	return nil
}

func (s *Service) deny(actor rbac.Principal, action string, id int64) error {
	s.logger.Info("match action denied",
		slog.String("action", action),
		slog.Int64("actor_id", actor.ID),
		slog.String("role", actor.Role.String()),
		slog.Int64("match_id", id))
	return fmt.Errorf("matches: %s: %w", action, httpx.ErrForbidden)
}

func (s *Service) record(ctx context.Context, actor rbac.Principal, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actor.ID, Action: action, Entity: "match", EntityID: strconv.FormatInt(id, 10), Meta: meta}); err != nil {
		s.logger.Warn("audit match", slog.Any("error", err))
	}
}

// watchers see every match; creators only hear about their own.
var watchers = policy.RolesWhere(func(r policy.Role) bool { return r != policy.RoleCreator })

func (s *Service) publish(ctx context.Context, action string, m Match) {
	if s.events == nil {
		return
	}
	ev := realtime.Event{Topic: realtime.TopicMatches, Action: action, ID: m.ID, Audience: []int64{m.CreatorA, m.CreatorB}, Roles: watchers}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish match change", slog.Any("error", err))
	}
}
