package rewards

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/rbac"
)

// AccountCounter counts accounts.
type AccountCounter interface {
	Count(ctx context.Context) (int, error)
}

// ScheduleCounter counts the upcoming lives visible to an actor.
type ScheduleCounter interface {
	CountUpcoming(ctx context.Context, actor rbac.Principal) (int, error)
}

// DocumentCounter counts documents awaiting review visible to an actor.
type DocumentCounter interface {
	CountPending(ctx context.Context, actor rbac.Principal) (int, error)
}

// MessageCounter counts the actor's unread messages.
type MessageCounter interface {
	UnreadCount(ctx context.Context, actor rbac.Principal) (int, error)
}

// Counters groups the sources of the dashboard. Nil members report zero.
type Counters struct {
	Accounts  AccountCounter
	Schedules ScheduleCounter
	Documents DocumentCounter
	Messages  MessageCounter
}

// UseCounters sets the sources read by Dashboard.
func (s *Service) UseCounters(c Counters) {
	s.counters = c
}

// Dashboard gathers the home counters concurrently.
func (s *Service) Dashboard(ctx context.Context, actor rbac.Principal) (Dashboard, error) {
	c := s.counters
	if !actor.Role.Valid() {
		return Dashboard{}, s.deny(actor, "dashboard", 0)
	}
	out := Dashboard{Capabilities: actor.Capabilities().Slice()}

	g, ctx := errgroup.WithContext(ctx)
	if c.Accounts != nil {
		g.Go(func() error {
			n, err := c.Accounts.Count(ctx)
			if err != nil {
				return fmt.Errorf("count accounts: %w", err)
			}
			out.Accounts = n
			return nil
		})
	}
	if c.Schedules != nil {
		g.Go(func() error {
			n, err := c.Schedules.CountUpcoming(ctx, actor)
			if err != nil {
				return fmt.Errorf("count schedules: %w", err)
			}
			out.UpcomingSchedules = n
			return nil
		})
	}
	if c.Documents != nil {
		g.Go(func() error {
			n, err := c.Documents.CountPending(ctx, actor)
			if err != nil {
				return fmt.Errorf("count documents: %w", err)
			}
			out.PendingDocuments = n
			return nil
		})
	}
	if c.Messages != nil {
		g.Go(func() error {
			n, err := c.Messages.UnreadCount(ctx, actor)
			if err != nil {
				return fmt.Errorf("count messages: %w", err)
			}
			out.UnreadMessages = n
			return nil
		})
	}
	if policy.CanSeeSummaryPerformance(actor.Role) {
		g.Go(func() error {
			sum, err := s.Summary(ctx, actor, "")
			if err != nil {
				return err
			}
			out.PeriodDiamonds = &sum.Total
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if httpx.IsClientError(err) {
			return Dashboard{}, err
		}
		return Dashboard{}, fmt.Errorf("rewards: dashboard: %w", err)
	}
	return out, nil
}
