package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/rbac"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
	// maxExportRows caps a CSV export.
	maxExportRows = 5000
)

// Repository reads audit_logs.
type Repository interface {
	Window(ctx context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, error)
}

// Service serves the audit trail to founders and managers.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

// NewService builds the audit timeline service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Timeline returns one page of audit records, newest first.
func (s *Service) Timeline(ctx context.Context, actor rbac.Principal, filters TimelineFilters) (Result, error) {
	if err := s.authorize(actor); err != nil {
		return Result{}, err
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.repo.Window(ctx, filters, pageSize+1, (page-1)*pageSize)
	if err != nil {
		return Result{}, fmt.Errorf("audit: timeline: %w", err)
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns every matching record up to maxExportRows.
func (s *Service) Export(ctx context.Context, actor rbac.Principal, filters TimelineFilters) ([]TimelineRow, error) {
	if err := s.authorize(actor); err != nil {
		return nil, err
	}
	rows, err := s.repo.Window(ctx, filters, maxExportRows, 0)
	if err != nil {
		return nil, fmt.Errorf("audit: export: %w", err)
	}
	return rows, nil
}

func (s *Service) authorize(actor rbac.Principal) error {
	if policy.CanManageAccounts(actor.Role) {
		return nil
	}
	s.logger.Info("policy denied",
		slog.String("action", "audit.view"),
		slog.Int64("actor_id", actor.ID),
		slog.String("role", actor.Role.String()))
	return fmt.Errorf("audit: view: %w", httpx.ErrForbidden)
}
