// Package policy decides which privileged account actions a role may take.
//
// Every function is pure: the acting role and target are passed in by the
// caller and nothing is looked up or cached here. Unknown roles and missing
// targets are denied.
package policy

// Target is the already-fetched account an action is aimed at.
type Target struct {
	ID   int64
	Role Role
}

// Capabilities is the binary capability set derived from a single role.
type Capabilities struct {
	SeePasswords           bool `json:"can_see_passwords"`
	EditPasswords          bool `json:"can_edit_passwords"`
	EditUsername           bool `json:"can_edit_username"`
	SeeDetailedPerformance bool `json:"can_see_detailed_performance"`
	SeeSummaryPerformance  bool `json:"can_see_summary_performance"`
	ManageAccounts         bool `json:"can_manage_accounts"`
	VerifyDocuments        bool `json:"can_verify_documents"`
	ManageSchedules        bool `json:"can_manage_schedules"`
	ManageRewards          bool `json:"can_manage_rewards"`
	ManageMatches          bool `json:"can_manage_matches"`
}

// For computes the capability set of actor.
func For(actor Role) Capabilities {
	actor = ParseRole(string(actor))
	return Capabilities{
		SeePasswords:           CanSeePasswords(actor),
		EditPasswords:          CanEditPasswords(actor),
		EditUsername:           actor == RoleFounder,
		SeeDetailedPerformance: CanSeeDetailedPerformance(actor),
		SeeSummaryPerformance:  CanSeeSummaryPerformance(actor),
		ManageAccounts:         CanManageAccounts(actor),
		VerifyDocuments:        CanVerifyDocuments(actor),
		ManageSchedules:        CanManageSchedules(actor),
		ManageRewards:          CanManageRewards(actor),
		ManageMatches:          CanManageMatches(actor),
	}
}

// Slice returns the capability names that are granted.
func (c Capabilities) Slice() []string {
	granted := make([]string, 0, 10)
	add := func(ok bool, name string) {
		if ok {
			granted = append(granted, name)
		}
	}
	add(c.SeePasswords, "passwords.view")
	add(c.EditPasswords, "passwords.edit")
	add(c.EditUsername, "usernames.edit")
	add(c.SeeDetailedPerformance, "performance.detail")
	add(c.SeeSummaryPerformance, "performance.summary")
	add(c.ManageAccounts, "accounts.manage")
	add(c.VerifyDocuments, "documents.verify")
	add(c.ManageSchedules, "schedules.manage")
	add(c.ManageRewards, "rewards.manage")
	add(c.ManageMatches, "matches.manage")
	return granted
}

// CanSeePasswords reports whether actor may read stored credentials.
func CanSeePasswords(actor Role) bool {
	return is(actor, RoleFounder)
}

// CanEditPasswords reports whether actor may replace stored credentials.
func CanEditPasswords(actor Role) bool {
	return is(actor, RoleFounder)
}

// CanEditUsername reports whether actor may rename target.
func CanEditUsername(actor Role, target *Target) bool {
	if target == nil {
		return false
	}
	return is(actor, RoleFounder)
}

// CanChangeRole reports whether actor may move target to newRole.
//
// For managers only the proposed role is checked; the target's current
// role is not consulted.
func CanChangeRole(actor Role, target *Target, newRole Role) bool {
	if target == nil {
		return false
	}
	newRole = ParseRole(string(newRole))
	if newRole == RoleUnknown {
		return false
	}
	switch ParseRole(string(actor)) {
	case RoleFounder:
		return true
	case RoleManager:
		return isSubordinate(newRole)
	default:
		return false
	}
}

// CanAssignRole reports whether actor may create an account holding newRole.
// The new account acts as its own target.
func CanAssignRole(actor Role, newRole Role) bool {
	return CanChangeRole(actor, &Target{Role: newRole}, newRole)
}

// AssignableRoles lists the roles actor may give to target.
func AssignableRoles(actor Role, target *Target) []Role {
	var out []Role
	for _, r := range knownRoles {
		if CanChangeRole(actor, target, r) {
			out = append(out, r)
		}
	}
	return out
}

// CanDeleteUser reports whether actor may delete target.
func CanDeleteUser(actor Role, target *Target) bool {
	if target == nil {
		return false
	}
	switch ParseRole(string(actor)) {
	case RoleFounder:
		return true
	case RoleManager:
		tr := ParseRole(string(target.Role))
		return tr != RoleManager && tr != RoleFounder
	default:
		return false
	}
}

// CanSeeDetailedPerformance reports whether actor may see per-entry reward data.
func CanSeeDetailedPerformance(actor Role) bool {
	return is(actor, RoleFounder, RoleManager, RoleCreator)
}

// CanSeeSummaryPerformance reports whether actor may see aggregated reward data.
func CanSeeSummaryPerformance(actor Role) bool {
	return is(actor, RoleFounder, RoleManager, RoleAgent)
}

// CanManageAccounts covers account creation and affiliation changes.
func CanManageAccounts(actor Role) bool {
	return is(actor, RoleFounder, RoleManager)
}

func CanVerifyDocuments(actor Role) bool {
	return is(actor, RoleFounder, RoleManager)
}

// CanManageSchedules reports whether actor may edit any creator's schedule.
// Creators may still edit their own.
func CanManageSchedules(actor Role) bool {
	return is(actor, RoleFounder, RoleManager, RoleAgent)
}

func CanManageRewards(actor Role) bool {
	return is(actor, RoleFounder, RoleManager)
}

func CanManageMatches(actor Role) bool {
	return is(actor, RoleFounder, RoleManager, RoleAgent)
}

func isSubordinate(r Role) bool {
	return r == RoleAgent || r == RoleCreator || r == RoleAmbassadeur
}

func is(actor Role, allowed ...Role) bool {
	actor = ParseRole(string(actor))
	if actor == RoleUnknown {
		return false
	}
	for _, r := range allowed {
		if actor == r {
			return true
		}
	}
	return false
}
