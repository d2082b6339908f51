package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/ultra-agency/ultra/internal/jobs"
)

// SessionPurger deletes expired login session records.
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// KeyCleaner deletes idempotency keys older than a retention.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MaintenanceJob runs the periodic housekeeping tasks.
type MaintenanceJob struct {
	Sessions SessionPurger
	Keys     KeyCleaner
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// HandleSessionsPurge processes TaskSessionsPurge.
func (j *MaintenanceJob) HandleSessionsPurge(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sessions == nil {
		return errors.New("sessions purge: handler not configured")
	}
	tracker := j.Metrics.Track(TaskSessionsPurge)
	defer func() { err = tracker.End(err) }()

	n, err := j.Sessions.PurgeExpired(ctx)
	if err != nil {
		j.logger().Error("purge login sessions", slog.Any("error", err))
		return err
	}
	j.Metrics.AddRemoved("login_sessions", n)
	j.logger().Info("purged login sessions", slog.Int64("removed", n), slog.String("job", TaskSessionsPurge))
	return nil
}

// HandleIdempotencyCleanup processes TaskIdempotencyCleanup.
func (j *MaintenanceJob) HandleIdempotencyCleanup(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Keys == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.Retention <= 0 {
		return fmt.Errorf("idempotency cleanup: bad payload: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() { err = tracker.End(err) }()

	n, err := j.Keys.Cleanup(ctx, payload.Retention)
	if err != nil {
		j.logger().Error("cleanup idempotency keys", slog.Any("error", err))
		return err
	}
	j.Metrics.AddRemoved("idempotency_keys", n)
	j.logger().Info("cleaned idempotency keys", slog.Int64("removed", n), slog.Duration("retention", payload.Retention))
	return nil
}

func (j *MaintenanceJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
