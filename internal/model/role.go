package model

// Role is the privilege level bound to a credential at creation. Roles form a
// strict total order: user < admin < superadmin.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// Roles lists every valid role from lowest to highest privilege.
var Roles = []Role{RoleUser, RoleAdmin, RoleSuperAdmin}

// ParseRole converts a stored or user-supplied role name into a Role. The
// second return value is false when the name is not a known role.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return Role(s), true
	}
	return "", false
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := ParseRole(string(r))
	return ok
}

// Level returns the position of r in the hierarchy. Unknown roles have
// level 0 and therefore satisfy no requirement.
func (r Role) Level() int {
	switch r {
	case RoleUser:
		return 1
	case RoleAdmin:
		return 2
	case RoleSuperAdmin:
		return 3
	default:
		return 0
	}
}

// Authorize reports whether a principal holding actual may perform an
// operation that requires required.
func Authorize(actual, required Role) bool {
	if !required.Valid() {
		return false
	}
	return actual.Level() >= required.Level()
}

// CanCreate reports whether a principal holding actor may mint a credential
// with role target. This is deliberately not a level comparison: an admin
// may act with admin privileges but may only mint user credentials.
func CanCreate(actor, target Role) bool {
	if !target.Valid() {
		return false
	}
	switch actor {
	case RoleSuperAdmin:
		return true
	case RoleAdmin:
		return target == RoleUser
	default:
		return false
	}
}
