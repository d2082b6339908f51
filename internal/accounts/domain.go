package accounts

import (
	"time"

	"github.com/ultra-agency/ultra/internal/policy"
	"github.com/ultra-agency/ultra/internal/shared"
)

// Account is a user of the dashboard.
type Account struct {
	ID           int64       `json:"id"`
	Username     string      `json:"username"`
	Role         policy.Role `json:"role"`
	Email        string      `json:"email,omitempty"`
	ManagerID    *int64      `json:"manager_id,omitempty"`
	IsActive     bool        `json:"is_active"`
	PasswordHash string      `json:"-"`
	SealedSecret []byte      `json:"-"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Target returns the policy view of the account.
func (a Account) Target() *policy.Target {
	return &policy.Target{ID: a.ID, Role: policy.ParseRole(string(a.Role))}
}

// View is an account as shown to a particular actor.
type View struct {
	Account
	RoleLabel      string  `json:"role_label"`
	PlatformSecret *string `json:"platform_secret,omitempty"`
}

// Page is one page of a listing.
type Page struct {
	Accounts   []View            `json:"accounts"`
	Pagination shared.Pagination `json:"pagination"`
}

// ListFilter narrows account listings.
type ListFilter struct {
	Role      policy.Role
	ManagerID *int64
	Search    string
	Page      int
	PerPage   int
}

// CreateInput carries the fields for a new account.
type CreateInput struct {
	Username  string `json:"username" validate:"required,min=3,max=32,handle"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
	Role      string `json:"role" validate:"required"`
	Email     string `json:"email" validate:"omitempty,email"`
	ManagerID *int64 `json:"manager_id" validate:"omitempty,gt=0"`
}

// TargetCapabilities reports what the actor may do to one account.
type TargetCapabilities struct {
	AccountID       int64         `json:"account_id"`
	CanEditUsername bool          `json:"can_edit_username"`
	CanDelete       bool          `json:"can_delete"`
	CanSeePassword  bool          `json:"can_see_password"`
	CanEditPassword bool          `json:"can_edit_password"`
	AssignableRoles []policy.Role `json:"assignable_roles"`
}

// Me describes the signed-in account together with its capability set.
type Me struct {
	View
	Capabilities policy.Capabilities `json:"capabilities"`
	Granted      []string            `json:"granted"`
	Notices      []shared.Notice     `json:"notices,omitempty"`
}
