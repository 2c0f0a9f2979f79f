// Package roles defines the closed role enumeration and its total order.
// Every role comparison in the application goes through this package so the
// privilege scale superadmin > admin > editor > user is applied consistently.
package roles

import "fmt"

// Role is a tier on the privilege scale. Higher values are supersets of the
// capabilities of lower values.
type Role int

const (
	// RoleUser is an unprivileged member.
	RoleUser Role = iota
	// RoleEditor may manage site content and enter the admin area.
	RoleEditor
	// RoleAdmin may additionally manage member roles.
	RoleAdmin
	// RoleSuperAdmin is the top tier; the last superadmin can never be demoted.
	RoleSuperAdmin
)

var names = map[Role]string{
	RoleUser:       "user",
	RoleEditor:     "editor",
	RoleAdmin:      "admin",
	RoleSuperAdmin: "superadmin",
}

// Parse converts a stored role tag into a Role.
func Parse(s string) (Role, error) {
	for r, name := range names {
		if name == s {
			return r, nil
		}
	}
	return RoleUser, fmt.Errorf("roles: unknown role %q", s)
}

// String returns the stable tag used in storage and token claims.
func (r Role) String() string {
	if name, ok := names[r]; ok {
		return name
	}
	return "user"
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// AtLeast reports whether r sits at or above the given tier.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}

// HasAdminAccess reports whether the role may enter the admin area. Editors
// qualify even though they cannot manage roles.
func (r Role) HasAdminAccess() bool {
	return r >= RoleEditor
}

// CanGrant reports whether an actor with role r may assign the target tier.
// Role management itself requires admin or above, and an actor can never grant
// a tier higher than their own.
func (r Role) CanGrant(target Role) bool {
	return r >= RoleAdmin && r >= target
}
