package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ultra-agency/ultra/internal/platform/db"
	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/policy"
)

// Store defines data access methods for accounts.
type Store interface {
	Get(ctx context.Context, id int64) (Account, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]Account, int, error)
	Create(ctx context.Context, a Account) (Account, error)
	UpdateUsername(ctx context.Context, id int64, username string) error
	UpdateRole(ctx context.Context, id int64, role policy.Role) error
	UpdatePassword(ctx context.Context, id int64, hash string) error
	UpdateSecret(ctx context.Context, id int64, sealed []byte) error
	UpdateManager(ctx context.Context, id int64, managerID *int64) error
	ClearAffiliates(ctx context.Context, managerID int64) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int, error)
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

const accountColumns = `id, username, role, COALESCE(email, ''), manager_id, is_active, password_hash, platform_secret, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	var role string
	if err := row.Scan(&a.ID, &a.Username, &role, &a.Email, &a.ManagerID, &a.IsActive, &a.PasswordHash, &a.SealedSecret, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("accounts: %w", httpx.ErrNotFound)
		}
		return Account{}, err
	}
	a.Role = policy.ParseRole(role)
	return a, nil
}

// Get fetches an account by ID.
func (r *PGRepository) Get(ctx context.Context, id int64) (Account, error) {
	return scanAccount(r.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// List returns a filtered page of accounts and the total match count.
func (r *PGRepository) List(ctx context.Context, filter ListFilter, limit, offset int) ([]Account, int, error) {
	var where []string
	var args []any
	if filter.Role != policy.RoleUnknown {
		args = append(args, string(filter.Role))
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	if filter.ManagerID != nil {
		args = append(args, *filter.ManagerID)
		where = append(where, fmt.Sprintf("manager_id = $%d", len(args)))
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+s+"%")
		where = append(where, fmt.Sprintf("(username ILIKE $%d OR email ILIKE $%d)", len(args), len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM accounts%s ORDER BY username LIMIT $%d OFFSET $%d`, accountColumns, clause, len(args)-1, len(args))
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Create inserts a new account.
func (r *PGRepository) Create(ctx context.Context, a Account) (Account, error) {
	var email *string
	if a.Email != "" {
		email = &a.Email
	}
	row := r.q.QueryRow(ctx, `INSERT INTO accounts (username, role, email, manager_id, is_active, password_hash, platform_secret)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+accountColumns,
		a.Username, string(a.Role), email, a.ManagerID, a.IsActive, a.PasswordHash, a.SealedSecret)
	created, err := scanAccount(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Account{}, fmt.Errorf("accounts: username %q: %w", a.Username, httpx.ErrDuplicate)
		}
		return Account{}, err
	}
	return created, nil
}

// UpdateUsername renames an account.
func (r *PGRepository) UpdateUsername(ctx context.Context, id int64, username string) error {
	err := r.exec(ctx, `UPDATE accounts SET username = $2, updated_at = NOW() WHERE id = $1`, id, username)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("accounts: username %q: %w", username, httpx.ErrDuplicate)
	}
	return err
}

// UpdateRole changes the role of an account.
func (r *PGRepository) UpdateRole(ctx context.Context, id int64, role policy.Role) error {
	return r.exec(ctx, `UPDATE accounts SET role = $2, updated_at = NOW() WHERE id = $1`, id, string(role))
}

// UpdatePassword stores a new password hash.
func (r *PGRepository) UpdatePassword(ctx context.Context, id int64, hash string) error {
	return r.exec(ctx, `UPDATE accounts SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
}

// UpdateSecret stores a sealed platform credential.
func (r *PGRepository) UpdateSecret(ctx context.Context, id int64, sealed []byte) error {
	return r.exec(ctx, `UPDATE accounts SET platform_secret = $2, updated_at = NOW() WHERE id = $1`, id, sealed)
}

// UpdateManager sets or clears the affiliation of an account.
func (r *PGRepository) UpdateManager(ctx context.Context, id int64, managerID *int64) error {
	return r.exec(ctx, `UPDATE accounts SET manager_id = $2, updated_at = NOW() WHERE id = $1`, id, managerID)
}

// ClearAffiliates detaches every account affiliated to managerID.
func (r *PGRepository) ClearAffiliates(ctx context.Context, managerID int64) error {
	_, err := r.q.Exec(ctx, `UPDATE accounts SET manager_id = NULL, updated_at = NOW() WHERE manager_id = $1`, managerID)
	return err
}

// Delete removes an account.
func (r *PGRepository) Delete(ctx context.Context, id int64) error {
	return r.exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
}

// Count returns the number of accounts.
func (r *PGRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

func (r *PGRepository) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := r.q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("accounts: %w", httpx.ErrNotFound)
	}
	return nil
}

var _ Repository = (*PGRepository)(nil)
