package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/ultra-agency/ultra/internal/platform/httpx"
	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/rbac"
	"github.com/ultra-agency/ultra/internal/realtime"
	"github.com/ultra-agency/ultra/internal/shared"
)

// maxAffiliationDepth bounds the walk up the affiliation chain.
const maxAffiliationDepth = 16

// Service gates every account mutation on the policy engine. Targets are
// fetched fresh before each decision.
type Service struct {
	repo     Repository
	secrets  *SecretBox
	audit    shared.Auditor
	events   realtime.Publisher
	logger   *slog.Logger
	validate *validator.Validate
	hashCost int
}

// NewService builds Service instance.
func NewService(repo Repository, secrets *SecretBox, audit shared.Auditor, events realtime.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		secrets:  secrets,
		audit:    audit,
		events:   events,
		logger:   logger,
		validate: shared.NewValidator(),
		hashCost: bcrypt.DefaultCost,
	}
}

// SetHashCost overrides the bcrypt cost, tests use bcrypt.MinCost.
func (s *Service) SetHashCost(cost int) {
	s.hashCost = cost
}

// LoadPrincipal resolves an active account to a principal.
func (s *Service) LoadPrincipal(ctx context.Context, id int64) (rbac.Principal, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return rbac.Principal{}, err
	}
	if !a.IsActive {
		return rbac.Principal{}, fmt.Errorf("accounts: inactive: %w", httpx.ErrUnauthorized)
	}
	return rbac.Principal{ID: a.ID, Username: a.Username, Role: policy.ParseRole(string(a.Role))}, nil
}

// Lookup fetches an account without policy filtering, for collaborators
// that need to validate references.
func (s *Service) Lookup(ctx context.Context, id int64) (Account, error) {
	return s.repo.Get(ctx, id)
}

// Me returns the actor's own account and capability set.
func (s *Service) Me(ctx context.Context, actor rbac.Principal) (Me, error) {
	a, err := s.repo.Get(ctx, actor.ID)
	if err != nil {
		return Me{}, err
	}
	caps := policy.For(actor.Role)
	return Me{View: s.view(actor, a), Capabilities: caps, Granted: caps.Slice()}, nil
}

// List returns a page of accounts. Platform secrets are only included for
// actors allowed to see passwords.
func (s *Service) List(ctx context.Context, actor rbac.Principal, filter ListFilter) (Page, error) {
	p := shared.NewPagination(filter.Page, filter.PerPage, 0)
	rows, total, err := s.repo.List(ctx, filter, p.PerPage, p.Offset())
	if err != nil {
		return Page{}, err
	}
	views := make([]View, 0, len(rows))
	for _, a := range rows {
		views = append(views, s.view(actor, a))
	}
	return Page{Accounts: views, Pagination: shared.NewPagination(p.Page, p.PerPage, total)}, nil
}

// Get returns one account as seen by actor.
func (s *Service) Get(ctx context.Context, actor rbac.Principal, id int64) (View, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	return s.view(actor, a), nil
}

// Capabilities reports what actor may do to the account id.
func (s *Service) Capabilities(ctx context.Context, actor rbac.Principal, id int64) (TargetCapabilities, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return TargetCapabilities{}, err
	}
	target := a.Target()
	roles := policy.AssignableRoles(actor.Role, target)
	if roles == nil {
		roles = []policy.Role{}
	}
	return TargetCapabilities{
		AccountID:       a.ID,
		CanEditUsername: policy.CanEditUsername(actor.Role, target),
		CanDelete:       policy.CanDeleteUser(actor.Role, target) && a.ID != actor.ID,
		CanSeePassword:  policy.CanSeePasswords(actor.Role),
		CanEditPassword: policy.CanEditPasswords(actor.Role),
		AssignableRoles: roles,
	}, nil
}

// Create adds a new account holding a role the actor may assign.
func (s *Service) Create(ctx context.Context, actor rbac.Principal, in CreateInput) (View, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if err := s.validate.Struct(in); err != nil {
		return View{}, err
	}
	role := policy.ParseRole(in.Role)
	if role == policy.RoleUnknown {
		return View{}, fmt.Errorf("accounts: unknown role %q: %w", in.Role, httpx.ErrValidation)
	}
	if !policy.CanManageAccounts(actor.Role) || !policy.CanAssignRole(actor.Role, role) {
		return View{}, s.deny(actor, "create", 0)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.hashCost)
	if err != nil {
		return View{}, err
	}
	account := Account{
		Username:     in.Username,
		Role:         role,
		Email:        in.Email,
		IsActive:     true,
		PasswordHash: string(hash),
	}
	if in.ManagerID != nil {
		if err := s.checkAffiliation(ctx, s.repo, actor, 0, role, *in.ManagerID); err != nil {
			return View{}, err
		}
		account.ManagerID = in.ManagerID
	}
	created, err := s.repo.Create(ctx, account)
	if err != nil {
		return View{}, err
	}
	s.record(ctx, actor, shared.AuditCreate, created.ID, map[string]any{"username": created.Username, "role": string(created.Role)})
	s.publish(ctx, realtime.ActionCreated, created.ID)
	return s.view(actor, created), nil
}

type usernameInput struct {
	Username string `validate:"required,min=3,max=32,handle"`
}

// UpdateUsername renames the account id.
func (s *Service) UpdateUsername(ctx context.Context, actor rbac.Principal, id int64, username string) (View, error) {
	in := usernameInput{Username: strings.TrimSpace(username)}
	if err := s.validate.Struct(in); err != nil {
		return View{}, err
	}
	target, err := s.repo.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	if !policy.CanEditUsername(actor.Role, target.Target()) {
		return View{}, s.deny(actor, "edit_username", id)
	}
	if err := s.repo.UpdateUsername(ctx, id, in.Username); err != nil {
		return View{}, err
	}
	s.record(ctx, actor, shared.AuditUpdate, id, map[string]any{"username": map[string]string{"from": target.Username, "to": in.Username}})
	s.publish(ctx, realtime.ActionUpdated, id)
	target.Username = in.Username
	return s.view(actor, target), nil
}

// ChangeRole moves the account id to newRole. Demoting a manager detaches
// its affiliates; promoting to manager or founder drops the account's own
// affiliation.
func (s *Service) ChangeRole(ctx context.Context, actor rbac.Principal, id int64, newRole string) (View, error) {
	role := policy.ParseRole(newRole)
	if role == policy.RoleUnknown {
		return View{}, fmt.Errorf("accounts: unknown role %q: %w", newRole, httpx.ErrValidation)
	}
	var (
		updated  Account
		previous policy.Role
	)
	err := s.repo.WithTx(ctx, func(tx Store) error {
		target, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !policy.CanChangeRole(actor.Role, target.Target(), role) {
			return s.deny(actor, "change_role", id)
		}
		if target.ID == actor.ID && target.Role == policy.RoleFounder && role != policy.RoleFounder {
			return fmt.Errorf("accounts: founders cannot demote themselves: %w", httpx.ErrValidation)
		}
		if err := tx.UpdateRole(ctx, id, role); err != nil {
			return err
		}
		if target.Role == policy.RoleManager && role != policy.RoleManager {
			if err := tx.ClearAffiliates(ctx, id); err != nil {
				return err
			}
		}
		if (role == policy.RoleManager || role == policy.RoleFounder) && target.ManagerID != nil {
			if err := tx.UpdateManager(ctx, id, nil); err != nil {
				return err
			}
			target.ManagerID = nil
		}
		previous = target.Role
		target.Role = role
		updated = target
		return nil
	})
	if err != nil {
		return View{}, err
	}
	s.record(ctx, actor, shared.AuditRole, id, map[string]any{"from": string(previous), "to": string(role)})
	s.publish(ctx, realtime.ActionUpdated, id)
	return s.view(actor, updated), nil
}

type passwordInput struct {
	Password string `validate:"required,min=8,max=72"`
}

// SetPassword replaces the login password of the account id.
func (s *Service) SetPassword(ctx context.Context, actor rbac.Principal, id int64, password string) error {
	if err := s.validate.Struct(passwordInput{Password: password}); err != nil {
		return err
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if !policy.CanEditPasswords(actor.Role) {
		return s.deny(actor, "edit_password", id)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return err
	}
	if err := s.repo.UpdatePassword(ctx, id, string(hash)); err != nil {
		return err
	}
	s.record(ctx, actor, shared.AuditPassword, id, map[string]any{"field": "password"})
	return nil
}

type secretInput struct {
	Secret string `validate:"max=256"`
}

// SetPlatformSecret stores the streaming-platform credential of the account
// id. An empty secret clears it.
func (s *Service) SetPlatformSecret(ctx context.Context, actor rbac.Principal, id int64, secret string) error {
	if err := s.validate.Struct(secretInput{Secret: secret}); err != nil {
		return err
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if !policy.CanEditPasswords(actor.Role) {
		return s.deny(actor, "edit_platform_secret", id)
	}
	var sealed []byte
	if secret != "" {
		if s.secrets == nil {
			return errors.New("accounts: secret box not configured")
		}
		var err error
		if sealed, err = s.secrets.Seal(secret); err != nil {
			return err
		}
	}
	if err := s.repo.UpdateSecret(ctx, id, sealed); err != nil {
		return err
	}
	s.record(ctx, actor, shared.AuditPassword, id, map[string]any{"field": "platform_secret"})
	s.publish(ctx, realtime.ActionUpdated, id)
	return nil
}

// SetAffiliation attaches the account id to managerID, or detaches it when
// managerID is nil.
func (s *Service) SetAffiliation(ctx context.Context, actor rbac.Principal, id int64, managerID *int64) (View, error) {
	if !policy.CanManageAccounts(actor.Role) {
		return View{}, s.deny(actor, "set_affiliation", id)
	}
	var updated Account
	err := s.repo.WithTx(ctx, func(tx Store) error {
		target, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !policy.CanDeleteUser(actor.Role, target.Target()) {
			return s.deny(actor, "set_affiliation", id)
		}
		if managerID != nil {
			if err := s.checkAffiliation(ctx, tx, actor, id, target.Role, *managerID); err != nil {
				return err
			}
		} else if policy.ParseRole(string(actor.Role)) == policy.RoleManager && (target.ManagerID == nil || *target.ManagerID != actor.ID) {
			return s.deny(actor, "clear_affiliation", id)
		}
		if err := tx.UpdateManager(ctx, id, managerID); err != nil {
			return err
		}
		target.ManagerID = managerID
		updated = target
		return nil
	})
	if err != nil {
		return View{}, err
	}
	s.record(ctx, actor, shared.AuditUpdate, id, map[string]any{"manager_id": managerID})
	s.publish(ctx, realtime.ActionUpdated, id)
	return s.view(actor, updated), nil
}

// Delete removes the account id. Accounts affiliated to it are detached.
func (s *Service) Delete(ctx context.Context, actor rbac.Principal, id int64) error {
	if id == actor.ID {
		return fmt.Errorf("accounts: cannot delete own account: %w", httpx.ErrValidation)
	}
	var deleted Account
	err := s.repo.WithTx(ctx, func(tx Store) error {
		target, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !policy.CanDeleteUser(actor.Role, target.Target()) {
			return s.deny(actor, "delete", id)
		}
		if err := tx.ClearAffiliates(ctx, id); err != nil {
			return err
		}
		if err := tx.Delete(ctx, id); err != nil {
			return err
		}
		deleted = target
		return nil
	})
	if err != nil {
		return err
	}
	s.record(ctx, actor, shared.AuditDelete, id, map[string]any{"username": deleted.Username, "role": string(deleted.Role)})
	s.publish(ctx, realtime.ActionDeleted, id)
	return nil
}

// Count returns the number of accounts.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// checkAffiliation validates attaching an account with role to managerID.
// id is zero for an account that does not exist yet.
func (s *Service) checkAffiliation(ctx context.Context, store Store, actor rbac.Principal, id int64, role policy.Role, managerID int64) error {
	if id != 0 && id == managerID {
		return fmt.Errorf("accounts: account cannot be its own affiliate: %w", httpx.ErrValidation)
	}
	switch policy.ParseRole(string(role)) {
	case policy.RoleAgent, policy.RoleCreator, policy.RoleAmbassadeur:
	default:
		return fmt.Errorf("accounts: only agents, creators and ambassadeurs can be affiliated: %w", httpx.ErrValidation)
	}
	if policy.ParseRole(string(actor.Role)) == policy.RoleManager && managerID != actor.ID {
		return s.deny(actor, "affiliate_to_other", id)
	}
	manager, err := store.Get(ctx, managerID)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return fmt.Errorf("accounts: manager %d does not exist: %w", managerID, httpx.ErrValidation)
		}
		return err
	}
	if manager.Role != policy.RoleManager {
		return fmt.Errorf("accounts: affiliate must be a manager: %w", httpx.ErrValidation)
	}
	// Walk up the chain so that no account ends up above itself.
	next := manager.ManagerID
	for depth := 0; next != nil; depth++ {
		if depth >= maxAffiliationDepth || (id != 0 && *next == id) {
			return fmt.Errorf("accounts: affiliation cycle: %w", httpx.ErrValidation)
		}
		parent, err := store.Get(ctx, *next)
		if err != nil {
			if errors.Is(err, httpx.ErrNotFound) {
				break
			}
			return err
		}
		next = parent.ManagerID
	}
	return nil
}

func (s *Service) view(actor rbac.Principal, a Account) View {
	v := View{Account: a, RoleLabel: policy.Label(a.Role)}
	if policy.CanSeePasswords(actor.Role) && len(a.SealedSecret) > 0 && s.secrets != nil {
		plain, err := s.secrets.Open(a.SealedSecret)
		if err != nil {
			s.logger.Warn("open platform secret", slog.Int64("account_id", a.ID), slog.Any("error", err))
		} else {
			v.PlatformSecret = &plain
		}
	}
	return v
}

func (s *Service) deny(actor rbac.Principal, action string, id int64) error {
	s.logger.Info("account action denied",
		slog.String("action", action),
		slog.Int64("actor_id", actor.ID),
		slog.String("role", actor.Role.String()),
		slog.Int64("target_id", id))
	return fmt.Errorf("accounts: %s: %w", action, httpx.ErrForbidden)
}

func (s *Service) record(ctx context.Context, actor rbac.Principal, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "account",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit account", slog.Any("error", err))
	}
}

func (s *Service) publish(ctx context.Context, action string, id int64) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, realtime.Event{Topic: realtime.TopicAccounts, Action: action, ID: id}); err != nil {
		s.logger.Warn("publish account change", slog.Any("error", err))
	}
}

var _ rbac.PrincipalLoader = (*Service)(nil)
