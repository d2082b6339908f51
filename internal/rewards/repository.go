package rewards

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ultra-agency/ultra/internal/platform/db"
	"github.com/ultra-agency/ultra/internal/platform/httpx"
)

// Repository defines data access for reward entries.
type Repository interface {
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Get(ctx context.Context, id int64) (Entry, error)
	Create(ctx context.Context, e Entry) (Entry, error)
	Delete(ctx context.Context, id int64) error
	// Totals returns per-creator sums for period, highest first.
	Totals(ctx context.Context, period string) ([]CreatorTotal, error)
}

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	q db.Querier
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{q: pool}
}

const entryColumns = `id, creator_id, period, diamonds, COALESCE(note, ''), recorded_by, created_at`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.CreatorID, &e.Period, &e.Diamonds, &e.Note, &e.RecordedBy, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("rewards: %w", httpx.ErrNotFound)
	}
	return e, err
}

// List returns entries newest first.
func (r *PGRepository) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var where []string
	var args []any
	if filter.CreatorID != 0 {
		args = append(args, filter.CreatorID)
		where = append(where, fmt.Sprintf("creator_id = $%d", len(args)))
	}
	if filter.Period != "" {
		args = append(args, filter.Period)
		where = append(where, fmt.Sprintf("period = $%d", len(args)))
	}
	query := `SELECT ` + entryColumns + ` FROM reward_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT 1000"
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get fetches one entry.
func (r *PGRepository) Get(ctx context.Context, id int64) (Entry, error) {
	return scanEntry(r.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM reward_entries WHERE id = $1`, id))
}

// Create inserts an entry.
func (r *PGRepository) Create(ctx context.Context, e Entry) (Entry, error) {
	return scanEntry(r.q.QueryRow(ctx, `INSERT INTO reward_entries (creator_id, period, diamonds, note, recorded_by)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5) RETURNING `+entryColumns,
		e.CreatorID, e.Period, e.Diamonds, e.Note, e.RecordedBy))
}

// Delete removes an entry.
func (r *PGRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM reward_entries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rewards: %w", httpx.ErrNotFound)
	}
	return nil
}

// Totals aggregates the period by creator.
func (r *PGRepository) Totals(ctx context.Context, period string) ([]CreatorTotal, error) {
	rows, err := r.q.Query(ctx, `SELECT e.creator_id, a.username, SUM(e.diamonds)::bigint, COUNT(*)::int
		FROM reward_entries e JOIN accounts a ON a.id = e.creator_id
		WHERE e.period = $1
		GROUP BY e.creator_id, a.username
		ORDER BY SUM(e.diamonds) DESC, a.username`, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CreatorTotal
	for rows.Next() {
		var t CreatorTotal
		if err := rows.Scan(&t.CreatorID, &t.Username, &t.Diamonds, &t.Entries); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

var _ Repository = (*PGRepository)(nil)
