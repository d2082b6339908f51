package rewards

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

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

// Service implements the diamond ledger and performance views.
type Service struct {
	repo      Repository
	directory Directory
	cache     *realtime.Cache
	audit     shared.Auditor
	events    realtime.Publisher
	logger    *slog.Logger
	validate  *validator.Validate
	group     singleflight.Group
	counters  Counters
	now       func() time.Time
}

// NewService builds Service instance. A nil cache disables caching.
func NewService(repo Repository, directory Directory, cache *realtime.Cache, audit shared.Auditor, events realtime.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		directory: directory,
		cache:     cache,
		audit:     audit,
		events:    events,
		logger:    logger,
		validate:  shared.NewValidator(),
		now:       time.Now,
	}
}

// Record credits diamonds to a creator.
func (s *Service) Record(ctx context.Context, actor rbac.Principal, in RecordInput) (Entry, error) {
	if !policy.CanManageRewards(actor.Role) {
		return Entry{}, s.deny(actor, "record", 0)
	}
	in.Period = strings.TrimSpace(in.Period)
	in.Note = strings.TrimSpace(in.Note)
	if err := s.validate.Struct(in); err != nil {
		return Entry{}, err
	}
	creator, err := s.directory.Lookup(ctx, in.CreatorID)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return Entry{}, fmt.Errorf("rewards: creator %d does not exist: %w", in.CreatorID, httpx.ErrValidation)
		}
		return Entry{}, err
	}
	if policy.ParseRole(string(creator.Role)) != policy.RoleCreator {
		return Entry{}, fmt.Errorf("rewards: account %d is not a creator: %w", in.CreatorID, httpx.ErrValidation)
	}
	entry, err := s.repo.Create(ctx, Entry{
		CreatorID:  in.CreatorID,
		Period:     in.Period,
		Diamonds:   in.Diamonds,
		Note:       in.Note,
		RecordedBy: actor.ID,
	})
	if err != nil {
		return Entry{}, err
	}
	s.changed(ctx, actor, shared.AuditCreate, realtime.ActionCreated, entry)
	return entry, nil
}

// Delete removes an entry.
func (s *Service) Delete(ctx context.Context, actor rbac.Principal, id int64) error {
	if !policy.CanManageRewards(actor.Role) {
		return s.deny(actor, "delete", id)
	}
	entry, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.changed(ctx, actor, shared.AuditDelete, realtime.ActionDeleted, entry)
	return nil
}

// Detailed lists individual entries. Creators only ever see their own;
// creatorID zero means every creator.
func (s *Service) Detailed(ctx context.Context, actor rbac.Principal, creatorID int64, period string) ([]Entry, error) {
	if !policy.CanSeeDetailedPerformance(actor.Role) {
		return nil, s.deny(actor, "detailed", creatorID)
	}
	if actor.IsCreator() {
		creatorID = actor.ID
	}
	if period != "" {
		if _, err := time.Parse(PeriodLayout, period); err != nil {
			return nil, fmt.Errorf("rewards: period %q: %w", period, httpx.ErrValidation)
		}
	}
	out, err := s.repo.List(ctx, Filter{CreatorID: creatorID, Period: period})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Entry{}
	}
	return out, nil
}

// summaryLoadTimeout bounds a coalesced leaderboard load.
const summaryLoadTimeout = 15 * time.Second

// Summary returns the period leaderboard. An empty period means the
// current month.
func (s *Service) Summary(ctx context.Context, actor rbac.Principal, period string) (Summary, error) {
	if !policy.CanSeeSummaryPerformance(actor.Role) {
		return Summary{}, s.deny(actor, "summary", 0)
	}
	if period == "" {
		period = s.now().UTC().Format(PeriodLayout)
	}
	if _, err := time.Parse(PeriodLayout, period); err != nil {
		return Summary{}, fmt.Errorf("rewards: period %q: %w", period, httpx.ErrValidation)
	}
	key, err := s.cache.BuildKey(ctx, "rewards", "summary", period)
	if err != nil {
		s.logger.Warn("rewards cache key", slog.Any("error", err))
		return s.buildSummary(ctx, period)
	}
	res := s.group.DoChan(key, func() (any, error) {
		// Every caller waiting on key shares this load, so it must not end
		// when the first caller goes away.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), summaryLoadTimeout)
		defer cancel()
		var out Summary
		err := s.cache.FetchJSON(loadCtx, key, &out, func(ctx context.Context) (any, error) {
			return s.buildSummary(ctx, period)
		})
		return out, err
	})
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case r := <-res:
		if r.Err != nil {
			return Summary{}, r.Err
		}
		return r.Val.(Summary), nil
	}
}

func (s *Service) buildSummary(ctx context.Context, period string) (Summary, error) {
	totals, err := s.repo.Totals(ctx, period)
	if err != nil {
		return Summary{}, err
	}
	slices.SortStableFunc(totals, func(a, b CreatorTotal) int {
		if c := cmp.Compare(b.Diamonds, a.Diamonds); c != 0 {
			return c
		}
		return cmp.Compare(a.Username, b.Username)
	})
	out := Summary{Period: period, Creators: make([]CreatorTotal, 0, len(totals))}
	for i, t := range totals {
		// Ties share a rank.
		t.Rank = i + 1
		if i > 0 && totals[i-1].Diamonds == t.Diamonds {
			t.Rank = out.Creators[i-1].Rank
		}
		out.Total += t.Diamonds
		out.Creators = append(out.Creators, t)
	}
	return out, nil
}

// ledgerWatchers see performance across creators. A creator only hears
// about entries of their own.
var ledgerWatchers = policy.RolesWhere(func(r policy.Role) bool {
	return r != policy.RoleCreator && (policy.CanSeeDetailedPerformance(r) || policy.CanSeeSummaryPerformance(r))
})

// changed fans a ledger change out to audit, cache and feed.
func (s *Service) changed(ctx context.Context, actor rbac.Principal, auditAction, feedAction string, e Entry) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("bump rewards cache", slog.Any("error", err))
	}
	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   auditAction,
			Entity:   "reward_entry",
			EntityID: strconv.FormatInt(e.ID, 10),
			Meta:     map[string]any{"creator_id": e.CreatorID, "period": e.Period, "diamonds": e.Diamonds},
		})
		if err != nil {
			s.logger.Warn("audit reward entry", slog.Any("error", err))
		}
	}
	if s.events != nil {
		ev := realtime.Event{Topic: realtime.TopicRewards, Action: feedAction, ID: e.ID, Audience: []int64{e.CreatorID}, Roles: ledgerWatchers}
		if err := s.events.Publish(ctx, ev); err != nil {
			s.logger.Warn("publish reward change", slog.Any("error", err))
		}
	}
}

func (s *Service) deny(actor rbac.Principal, action string, id int64) error {
	s.logger.Info("reward action denied",
		slog.String("action", action),
		slog.Int64("actor_id", actor.ID),
		slog.String("role", actor.Role.String()),
		slog.Int64("target_id", id))
	return fmt.Errorf("rewards: %s: %w", action, httpx.ErrForbidden)
}
