package schedules

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
	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/rbac"
	"github.com/ultra-agency/ultra/internal/realtime"
	"github.com/ultra-agency/ultra/internal/shared"
)

// Directory resolves account references.
type Directory interface {
	Lookup(ctx context.Context, id int64) (accounts.Account, error)
}

// Service implements schedule business rules.
type Service struct {
	repo      Repository
	directory Directory
	audit     shared.Auditor
	events    realtime.Publisher
	logger    *slog.Logger
	validate  *validator.Validate
	now       func() time.Time
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
		now:       time.Now,
	}
}

// List returns schedules visible to actor. Creators only see their own.
func (s *Service) List(ctx context.Context, actor rbac.Principal, filter ListFilter) ([]Schedule, error) {
	if !actor.Role.Valid() {
		return nil, s.deny(actor, "list", 0)
	}
	if actor.IsCreator() {
		filter.CreatorID = &actor.ID
	}
	out, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Schedule{}
	}
	return out, nil
}

// Get returns one schedule.
func (s *Service) Get(ctx context.Context, actor rbac.Principal, id int64) (Schedule, error) {
	if !actor.Role.Valid() {
		return Schedule{}, s.deny(actor, "get", id)
	}
	sc, err := s.repo.Get(ctx, id)
	if err != nil {
		return Schedule{}, err
	}
	// Other creators' schedules are hidden rather than forbidden.
	if actor.IsCreator() && sc.CreatorID != actor.ID {
		return Schedule{}, fmt.Errorf("schedules: %w", httpx.ErrNotFound)
	}
	return sc, nil
}

// Create plans a new live.
func (s *Service) Create(ctx context.Context, actor rbac.Principal, in Input) (Schedule, error) {
	if err := s.check(ctx, actor, &in); err != nil {
		return Schedule{}, err
	}
	if !canManage(actor, in.CreatorID) {
		return Schedule{}, s.deny(actor, "create", 0)
	}
	var created Schedule
	err := s.repo.WithTx(ctx, func(tx Store) error {
		if err := s.reserve(ctx, tx, in, 0); err != nil {
			return err
		}
		var err error
		created, err = tx.Create(ctx, Schedule{
			CreatorID: in.CreatorID,
			Title:     in.Title,
			Platform:  in.Platform,
			StartsAt:  in.StartsAt,
			EndsAt:    in.EndsAt,
			Status:    in.Status,
			Notes:     in.Notes,
			CreatedBy: actor.ID,
		})
		return err
	})
	if err != nil {
		return Schedule{}, err
	}
	s.record(ctx, actor, shared.AuditCreate, created.ID, map[string]any{"creator_id": created.CreatorID, "starts_at": created.StartsAt})
	s.publish(ctx, realtime.ActionCreated, created.ID, created.CreatorID)
	return created, nil
}

// Update replaces the editable fields of schedule id.
func (s *Service) Update(ctx context.Context, actor rbac.Principal, id int64, in Input) (Schedule, error) {
	if err := s.check(ctx, actor, &in); err != nil {
		return Schedule{}, err
	}
	var (
		updated  Schedule
		previous int64
	)
	err := s.repo.WithTx(ctx, func(tx Store) error {
		current, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !canManage(actor, current.CreatorID) || !canManage(actor, in.CreatorID) {
			return s.deny(actor, "update", id)
		}
		previous = current.CreatorID
		if err := s.reserve(ctx, tx, in, id); err != nil {
			return err
		}
		current.CreatorID = in.CreatorID
		current.Title = in.Title
		current.Platform = in.Platform
		current.StartsAt = in.StartsAt
		current.EndsAt = in.EndsAt
		current.Status = in.Status
		current.Notes = in.Notes
		updated, err = tx.Update(ctx, current)
		return err
	})
	if err != nil {
		return Schedule{}, err
	}
	s.record(ctx, actor, shared.AuditUpdate, id, map[string]any{"status": string(updated.Status)})
	s.publish(ctx, realtime.ActionUpdated, id, previous, updated.CreatorID)
	return updated, nil
}

// Delete removes schedule id.
func (s *Service) Delete(ctx context.Context, actor rbac.Principal, id int64) error {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canManage(actor, current.CreatorID) {
		return s.deny(actor, "delete", id)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actor, shared.AuditDelete, id, map[string]any{"creator_id": current.CreatorID})
	s.publish(ctx, realtime.ActionDeleted, id, current.CreatorID)
	return nil
}

// CountUpcoming counts lives still to come that actor may see.
func (s *Service) CountUpcoming(ctx context.Context, actor rbac.Principal) (int, error) {
	var creator *int64
	if actor.IsCreator() {
		creator = &actor.ID
	}
	return s.repo.CountUpcoming(ctx, s.now(), creator)
}

func canManage(actor rbac.Principal, creatorID int64) bool {
	return policy.CanManageSchedules(actor.Role) || (actor.IsCreator() && actor.ID == creatorID)
}

// check normalises and validates in, and verifies the creator reference.
func (s *Service) check(ctx context.Context, actor rbac.Principal, in *Input) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Notes = strings.TrimSpace(in.Notes)
	if in.Status == "" {
		in.Status = StatusPlanned
	}
	if err := s.validate.Struct(in); err != nil {
		return err
	}
	if !in.EndsAt.After(in.StartsAt) {
		return fmt.Errorf("schedules: end must be after start: %w", httpx.ErrValidation)
	}
	creator, err := s.directory.Lookup(ctx, in.CreatorID)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return fmt.Errorf("schedules: creator %d does not exist: %w", in.CreatorID, httpx.ErrValidation)
		}
		return err
	}
	if policy.ParseRole(string(creator.Role)) != policy.RoleCreator {
		return fmt.Errorf("schedules: account %d is not a creator: %w", in.CreatorID, httpx.ErrValidation)
	}
	return nil
}

// reserve rejects overlaps while holding the creator lock.
func (s *Service) reserve(ctx context.Context, tx Store, in Input, excludeID int64) error {
	if err := tx.LockCreator(ctx, in.CreatorID); err != nil {
		return err
	}
	if in.Status == StatusCancelled {
		return nil
	}
	overlap, err := tx.Overlaps(ctx, in.CreatorID, in.StartsAt, in.EndsAt, excludeID)
	if err != nil {
		return err
	}
	if overlap {
		return fmt.Errorf("schedules: creator already has a live in that slot: %w", httpx.ErrValidation)
	}
	return nil
}

func (s *Service) deny(actor rbac.Principal, action string, id int64) error {
	s.logger.Info("schedule action denied",
		slog.String("action", action),
		slog.Int64("actor_id", actor.ID),
		slog.String("role", actor.Role.String()),
		slog.Int64("schedule_id", id))
	return fmt.Errorf("schedules: %s: %w", action, httpx.ErrForbidden)
}

func (s *Service) record(ctx context.Context, actor rbac.Principal, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actor.ID, Action: action, Entity: "schedule", EntityID: strconv.FormatInt(id, 10), Meta: meta}); err != nil {
		s.logger.Warn("audit schedule", slog.Any("error", err))
	}
}

// watchers see every creator's schedule; creators only hear about their own.
var watchers = policy.RolesWhere(func(r policy.Role) bool { return r != policy.RoleCreator })

func (s *Service) publish(ctx context.Context, action string, id int64, creators ...int64) {
	if s.events == nil {
		return
	}
	ev := realtime.Event{Topic: realtime.TopicSchedules, Action: action, ID: id, Audience: creators, Roles: watchers}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish schedule change", slog.Any("error", err))
	}
}
