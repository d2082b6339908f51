package messages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ultra-agency/ultra/internal/platform/db"
	"github.com/ultra-agency/ultra/internal/platform/httpx"
)

// Repository defines message persistence.
type Repository interface {
	Create(ctx context.Context, m Message) (Message, error)
	Get(ctx context.Context, id int64) (Message, error)
	List(ctx context.Context, q Query, limit, offset int) ([]Message, int, error)
	MarkRead(ctx context.Context, id int64, at time.Time) (Message, error)
	UnreadCount(ctx context.Context, recipientID int64) (int, error)
}

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	q db.Querier
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{q: pool}
}

const messageColumns = `id, sender_id, recipient_id, body, read_at, created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Body, &m.ReadAt, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, fmt.Errorf("messages: %w", httpx.ErrNotFound)
	}
	return m, err
}

// Create inserts a message.
func (r *PGRepository) Create(ctx context.Context, m Message) (Message, error) {
	return scanMessage(r.q.QueryRow(ctx, `INSERT INTO messages (sender_id, recipient_id, body) VALUES ($1, $2, $3)
		RETURNING `+messageColumns, m.SenderID, m.RecipientID, m.Body))
}

// Get fetches a message.
func (r *PGRepository) Get(ctx context.Context, id int64) (Message, error) {
	return scanMessage(r.q.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

// List returns a page of the inbox or of a conversation, newest first.
func (r *PGRepository) List(ctx context.Context, q Query, limit, offset int) ([]Message, int, error) {
	where := `recipient_id = $1`
	args := []any{q.Owner}
	if q.Peer != 0 {
		where = `((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))`
		args = append(args, q.Peer)
	}
	if q.UnreadOnly {
		where += ` AND recipient_id = $1 AND read_at IS NULL`
	}
	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.q.Query(ctx, fmt.Sprintf(`SELECT %s FROM messages WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		messageColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// MarkRead stamps read_at once; later calls keep the first timestamp.
func (r *PGRepository) MarkRead(ctx context.Context, id int64, at time.Time) (Message, error) {
	return scanMessage(r.q.QueryRow(ctx, `UPDATE messages SET read_at = COALESCE(read_at, $2) WHERE id = $1 RETURNING `+messageColumns, id, at))
}

// UnreadCount counts unread messages addressed to recipientID.
func (r *PGRepository) UnreadCount(ctx context.Context, recipientID int64) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE recipient_id = $1 AND read_at IS NULL`, recipientID).Scan(&n)
	return n, err
}

var _ Repository = (*PGRepository)(nil)
