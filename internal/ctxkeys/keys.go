// Package ctxkeys defines typed context keys shared between middleware and handlers.
// This avoids import cycles: both middleware and handlers import this package,
// but neither imports the other for context key types.
package ctxkeys

import "context"

// Key is a typed string used as context key to prevent collisions.
type Key string

const (
	UserID    Key = "userID"
	UserRole  Key = "userRole"
	UserGrade Key = "userGrade"
)

// Role hierarchy. APPORTEUR only sees their own book of business;
// COMMERCIAL and ADMIN are staff.
const (
	RoleApporteur  = "APPORTEUR"
	RoleCommercial = "COMMERCIAL"
	RoleAdmin      = "ADMIN"
)

// ValidRoles lists all valid role strings.
var ValidRoles = map[string]bool{
	RoleApporteur:  true,
	RoleCommercial: true,
	RoleAdmin:      true,
}

// RoleLevel maps role names to permission levels.
var RoleLevel = map[string]int{
	RoleApporteur:  1,
	RoleCommercial: 2,
	RoleAdmin:      3,
}

// CurrentUserID returns the authenticated user's id from the context.
func CurrentUserID(ctx context.Context) string {
	id, _ := ctx.Value(UserID).(string)
	return id
}

// CurrentRole returns the authenticated user's role from the context.
func CurrentRole(ctx context.Context) string {
	role, _ := ctx.Value(UserRole).(string)
	return role
}

// CurrentGrade returns the authenticated user's grade from the context.
func CurrentGrade(ctx context.Context) string {
	grade, _ := ctx.Value(UserGrade).(string)
	return grade
}

// IsStaff reports whether the current user is COMMERCIAL or ADMIN.
func IsStaff(ctx context.Context) bool {
	return RoleLevel[CurrentRole(ctx)] >= RoleLevel[RoleCommercial]
}
