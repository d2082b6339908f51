package policy

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Role is the closed set of account categories.
type Role string

const (
	// RoleUnknown stands for any value that is not one of the known roles.
	RoleUnknown     Role = ""
	RoleFounder     Role = "founder"
	RoleManager     Role = "manager"
	RoleAgent       Role = "agent"
	RoleCreator     Role = "creator"
	RoleAmbassadeur Role = "ambassadeur"
)

var knownRoles = []Role{RoleFounder, RoleManager, RoleAgent, RoleCreator, RoleAmbassadeur}

// Roles lists the known roles, most privileged first.
func Roles() []Role {
	out := make([]Role, len(knownRoles))
	copy(out, knownRoles)
	return out
}

// RolesWhere lists the known roles for which allowed holds.
func RolesWhere(allowed func(Role) bool) []Role {
	var out []Role
	for _, r := range knownRoles {
		if allowed(r) {
			out = append(out, r)
		}
	}
	return out
}

// ParseRole converts raw to a Role. Matching is exact: padded or
// differently cased names, like the empty string, become RoleUnknown.
func ParseRole(raw string) Role {
	candidate := Role(raw)
	for _, r := range knownRoles {
		if candidate == r {
			return r
		}
	}
	return RoleUnknown
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return ParseRole(string(r)) != RoleUnknown
}

func (r Role) String() string {
	if !r.Valid() {
		return "unknown"
	}
	return string(r)
}

// Label returns a display label for the role.
func Label(r Role) string {
	// Casers are stateful and cannot be shared across goroutines.
	return cases.Title(language.French).String(r.String())
}
