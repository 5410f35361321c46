package types

import "strings"

// Role is a privilege tier. Roles are totally ordered by Rank.
type Role string

// Supported roles, lowest privilege first.
const (
	RoleUser       Role = "user"
	RoleTrustee    Role = "trustee"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Rank returns the position of the role in the privilege order, or -1 for
// an unknown role.
func (r Role) Rank() int {
	switch r {
	case RoleUser:
		return 0
	case RoleTrustee:
		return 1
	case RoleAdmin:
		return 2
	case RoleSuperAdmin:
		return 3
	default:
		return -1
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r.Rank() >= 0
}

// AtLeast reports whether r has at least the privilege of other.
func (r Role) AtLeast(other Role) bool {
	return r.Valid() && r.Rank() >= other.Rank()
}

// Outranks reports whether r has strictly more privilege than other.
func (r Role) Outranks(other Role) bool {
	return r.Valid() && r.Rank() > other.Rank()
}

// ParseRole normalizes s into a Role. The second return value is false for
// unknown roles.
func ParseRole(s string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(s)))
	return role, role.Valid()
}

// Level is a progression tier name. Its order is defined by the configured
// level table.
type Level string
