package matches

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

// Store defines data access methods for matches.
type Store interface {
	List(ctx context.Context, filter ListFilter) ([]Match, error)
	Get(ctx context.Context, id int64) (Match, error)
	// GetForUpdate fetches and row-locks a match inside a transaction.
	GetForUpdate(ctx context.Context, id int64) (Match, error)
	Create(ctx context.Context, m Match) (Match, error)
	Update(ctx context.Context, m Match) (Match, error)
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

const matchColumns = `id, creator_a, creator_b, scheduled_at, status, winner_id, created_by, created_at, updated_at`

func scanMatch(row pgx.Row) (Match, error) {
	var m Match
	err := row.Scan(&m.ID, &m.CreatorA, &m.CreatorB, &m.ScheduledAt, &m.Status, &m.WinnerID, &m.CreatedBy, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Match{}, fmt.Errorf("matches: %w", httpx.ErrNotFound)
	}
	return m, err
}

// List returns matches, soonest first.
func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Match, error) {
	var where []string
	var args []any
	if filter.Participant != nil {
		args = append(args, *filter.Participant)
		where = append(where, fmt.Sprintf("(creator_a = $%d OR creator_b = $%d)", len(args), len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + matchColumns + ` FROM matches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scheduled_at, id LIMIT 500"
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get fetches a match by ID.
func (r *PGRepository) Get(ctx context.Context, id int64) (Match, error) {
	return scanMatch(r.q.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id))
}

// GetForUpdate fetches a match holding its row lock.
func (r *PGRepository) GetForUpdate(ctx context.Context, id int64) (Match, error) {
	return scanMatch(r.q.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1 FOR UPDATE`, id))
}

// Create inserts a match.
func (r *PGRepository) Create(ctx context.Context, m Match) (Match, error) {
	return scanMatch(r.q.QueryRow(ctx, `INSERT INTO matches (creator_a, creator_b, scheduled_at, status, created_by)
		VALUES ($1, $2, $3, $4, $5) RETURNING `+matchColumns,
		m.CreatorA, m.CreatorB, m.ScheduledAt, m.Status, m.CreatedBy))
}

// Update writes the mutable columns of a match.
func (r *PGRepository) Update(ctx context.Context, m Match) (Match, error) {
	return scanMatch(r.q.QueryRow(ctx, `UPDATE matches SET scheduled_at = $2, status = $3, winner_id = $4, updated_at = NOW()
		WHERE id = $1 RETURNING `+matchColumns,
		m.ID, m.ScheduledAt, m.Status, m.WinnerID))
}

var _ Repository = (*PGRepository)(nil)
