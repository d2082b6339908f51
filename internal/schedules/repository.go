package schedules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ultra-agency/ultra/internal/platform/db"
	"github.com/ultra-agency/ultra/internal/platform/httpx"
)

// Store defines data access methods for schedules.
type Store interface {
	List(ctx context.Context, filter ListFilter) ([]Schedule, error)
	Get(ctx context.Context, id int64) (Schedule, error)
	Create(ctx context.Context, s Schedule) (Schedule, error)
	Update(ctx context.Context, s Schedule) (Schedule, error)
	Delete(ctx context.Context, id int64) error
	// Overlaps reports whether the creator has a non-cancelled schedule
	// intersecting [starts, ends), ignoring excludeID.
	Overlaps(ctx context.Context, creatorID int64, starts, ends time.Time, excludeID int64) (bool, error)
	// LockCreator serialises schedule writes for one creator.
	LockCreator(ctx context.Context, creatorID int64) error
	CountUpcoming(ctx context.Context, from time.Time, creatorID *int64) (int, error)
}

// Repository is a Store that can run a function atomically.
type Repository interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	pool *pgxpool.Pool
	q    db.Querier
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool, q: pool}
}

// WithTx runs fn inside a transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(Store) error) error {
	return db.WithTx(ctx, r.pool, func(q db.Querier) error {
		return fn(&PGRepository{pool: r.pool, q: q})
	})
}

const scheduleColumns = `id, creator_id, title, platform, starts_at, ends_at, status, COALESCE(notes, ''), created_by, created_at, updated_at`

func scanSchedule(row pgx.Row) (Schedule, error) {
	var s Schedule
	err := row.Scan(&s.ID, &s.CreatorID, &s.Title, &s.Platform, &s.StartsAt, &s.EndsAt, &s.Status, &s.Notes, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Schedule{}, fmt.Errorf("schedules: %w", httpx.ErrNotFound)
	}
	return s, err
}

// List returns schedules ordered by start time.
func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Schedule, error) {
	var where []string
	var args []any
	if filter.CreatorID != nil {
		args = append(args, *filter.CreatorID)
		where = append(where, fmt.Sprintf("creator_id = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where = append(where, fmt.Sprintf("starts_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where = append(where, fmt.Sprintf("starts_at < $%d", len(args)))
	}
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY starts_at, id LIMIT 500"
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get fetches a schedule by ID.
func (r *PGRepository) Get(ctx context.Context, id int64) (Schedule, error) {
	return scanSchedule(r.q.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
}

// Create inserts a schedule.
func (r *PGRepository) Create(ctx context.Context, s Schedule) (Schedule, error) {
	return scanSchedule(r.q.QueryRow(ctx, `INSERT INTO schedules (creator_id, title, platform, starts_at, ends_at, status, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8) RETURNING `+scheduleColumns,
		s.CreatorID, s.Title, s.Platform, s.StartsAt, s.EndsAt, s.Status, s.Notes, s.CreatedBy))
}

// Update overwrites the editable fields of a schedule.
func (r *PGRepository) Update(ctx context.Context, s Schedule) (Schedule, error) {
	return scanSchedule(r.q.QueryRow(ctx, `UPDATE schedules SET creator_id = $2, title = $3, platform = $4, starts_at = $5, ends_at = $6,
		status = $7, notes = NULLIF($8, ''), updated_at = NOW() WHERE id = $1 RETURNING `+scheduleColumns,
		s.ID, s.CreatorID, s.Title, s.Platform, s.StartsAt, s.EndsAt, s.Status, s.Notes))
}

// Delete removes a schedule.
func (r *PGRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedules: %w", httpx.ErrNotFound)
	}
	return nil
}

// Overlaps checks for an intersecting live of the same creator.
func (r *PGRepository) Overlaps(ctx context.Context, creatorID int64, starts, ends time.Time, excludeID int64) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schedules WHERE creator_id = $1 AND id <> $4
		AND status <> 'cancelled' AND starts_at < $3 AND ends_at > $2)`, creatorID, starts, ends, excludeID).Scan(&exists)
	return exists, err
}

// LockCreator takes a row lock on the creator account for the transaction.
func (r *PGRepository) LockCreator(ctx context.Context, creatorID int64) error {
	var id int64
	err := r.q.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, creatorID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("schedules: creator %d: %w", creatorID, httpx.ErrValidation)
	}
	return err
}

// CountUpcoming counts planned or live schedules starting after from.
func (r *PGRepository) CountUpcoming(ctx context.Context, from time.Time, creatorID *int64) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM schedules WHERE starts_at >= $1 AND status IN ('planned', 'live')
		AND ($2::bigint IS NULL OR creator_id = $2)`, from, creatorID).Scan(&n)
	return n, err
}

var _ Repository = (*PGRepository)(nil)
