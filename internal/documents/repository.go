package documents

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

// Store defines data access methods for documents.
type Store interface {
	List(ctx context.Context, filter ListFilter) ([]Document, error)
	Get(ctx context.Context, id int64) (Document, error)
	GetForUpdate(ctx context.Context, id int64) (Document, error)
	Create(ctx context.Context, d Document) (Document, error)
	SetReview(ctx context.Context, id int64, review Review) (Document, error)
	Delete(ctx context.Context, id int64) error
	CountPending(ctx context.Context, ownerID *int64) (int, error)
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

const documentColumns = `id, owner_id, kind, file_name, content_type, size_bytes, storage_key, status,
	reviewed_by, COALESCE(review_note, ''), reviewed_at, created_at, updated_at`

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.OwnerID, &d.Kind, &d.FileName, &d.ContentType, &d.Size, &d.StorageKey, &d.Status,
		&d.ReviewedBy, &d.ReviewNote, &d.ReviewedAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("documents: %w", httpx.ErrNotFound)
	}
	return d, err
}

// List returns documents, newest first.
func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Document, error) {
	var where []string
	var args []any
	if filter.OwnerID != nil {
		args = append(args, *filter.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + documentColumns + ` FROM documents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT 500"
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Get fetches a document.
func (r *PGRepository) Get(ctx context.Context, id int64) (Document, error) {
	return scanDocument(r.q.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
}

// GetForUpdate fetches a document holding its row lock.
func (r *PGRepository) GetForUpdate(ctx context.Context, id int64) (Document, error) {
	return scanDocument(r.q.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1 FOR UPDATE`, id))
}

// Create inserts a document row.
func (r *PGRepository) Create(ctx context.Context, d Document) (Document, error) {
	return scanDocument(r.q.QueryRow(ctx, `INSERT INTO documents (owner_id, kind, file_name, content_type, size_bytes, storage_key, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+documentColumns,
		d.OwnerID, d.Kind, d.FileName, d.ContentType, d.Size, d.StorageKey, d.Status))
}

// SetReview records a review outcome.
func (r *PGRepository) SetReview(ctx context.Context, id int64, review Review) (Document, error) {
	return scanDocument(r.q.QueryRow(ctx, `UPDATE documents SET status = $2, reviewed_by = $3, review_note = NULLIF($4, ''),
		reviewed_at = $5, updated_at = NOW() WHERE id = $1 RETURNING `+documentColumns,
		id, review.Status, review.ReviewerID, review.Note, review.At))
}

// Delete removes a document row.
func (r *PGRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("documents: %w", httpx.ErrNotFound)
	}
	return nil
}

// CountPending counts documents awaiting review, optionally for one owner.
func (r *PGRepository) CountPending(ctx context.Context, ownerID *int64) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE status = 'pending'
		AND ($1::bigint IS NULL OR owner_id = $1)`, ownerID).Scan(&n)
	return n, err
}

var _ Repository = (*PGRepository)(nil)
