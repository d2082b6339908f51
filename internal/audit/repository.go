package audit

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads audit_logs from Postgres.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Window returns records matching filters, newest first. To is inclusive of
// the whole day.
func (r *PGRepository) Window(ctx context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, error) {
	var to pgtype.Timestamptz
	if !filters.To.IsZero() {
		to = toPgTime(filters.To.AddDate(0, 0, 1))
	}
	var actor pgtype.Int8
	if filters.ActorID != nil {
		actor = pgtype.Int8{Int64: *filters.ActorID, Valid: true}
	}
	rows, err := r.pool.Query(ctx, `SELECT l.occurred_at, l.actor_id, COALESCE(a.username, ''), l.action, l.entity, l.entity_id, l.meta
		FROM audit_logs l LEFT JOIN accounts a ON a.id = l.actor_id
		WHERE ($1::timestamptz IS NULL OR l.occurred_at >= $1)
		  AND ($2::timestamptz IS NULL OR l.occurred_at < $2)
		  AND ($3::bigint IS NULL OR l.actor_id = $3)
		  AND ($4::text IS NULL OR l.entity = $4)
		  AND ($5::text IS NULL OR l.action = $5)
		ORDER BY l.occurred_at DESC, l.id DESC
		LIMIT $6 OFFSET $7`,
		toPgTime(filters.From), to, actor, optionalText(filters.Entity), optionalText(filters.Action), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineRow
	for rows.Next() {
		var (
			row  TimelineRow
			at   pgtype.Timestamptz
			meta []byte
		)
		if err := rows.Scan(&at, &row.ActorID, &row.ActorName, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, err
		}
		if at.Valid {
			row.At = at.Time
		}
		if len(meta) > 0 {
			row.Meta = meta
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}
