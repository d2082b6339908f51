package rbac

import (
	"context"

	"github.com/ultra-agency/ultra/internal/policy"
)

// Principal describes the authenticated actor. It is rebuilt from the
// account directory on every request so a role change takes effect
// immediately.
type Principal struct {
	ID       int64       `json:"id"`
	Username string      `json:"username"`
	Role     policy.Role `json:"role"`
}

// Capabilities returns the actor's role-derived capability set.
func (p Principal) Capabilities() policy.Capabilities {
	return policy.For(p.Role)
}

// IsCreator reports whether the actor holds the creator role.
func (p Principal) IsCreator() bool {
	return policy.ParseRole(string(p.Role)) == policy.RoleCreator
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}
