package profiles

import (
	"time"

	"github.com/vanguard-airsoft/vanguard/internal/roles"
)

// Profile is the durable per-member record. The Role field is the
// authoritative stored role, independent of any credential claim.
type Profile struct {
	Subject           string     `json:"subject"`
	Email             string     `json:"email"`
	DisplayName       string     `json:"display_name"`
	AvatarURL         string     `json:"avatar_url,omitempty"`
	Bio               string     `json:"bio,omitempty"`
	PreferredLanguage string     `json:"preferred_language,omitempty"`
	NotifyOnEvents    bool       `json:"notify_on_events"`
	Role              roles.Role `json:"role"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Patch carries a partial self-service update. Nil fields are left untouched.
// The stored role is never writable through a patch.
type Patch struct {
	DisplayName       *string `json:"display_name,omitempty"`
	AvatarURL         *string `json:"avatar_url,omitempty"`
	Bio               *string `json:"bio,omitempty"`
	PreferredLanguage *string `json:"preferred_language,omitempty"`
	NotifyOnEvents    *bool   `json:"notify_on_events,omitempty"`
}

// Empty reports whether the patch carries no changes.
func (p Patch) Empty() bool {
	return p.DisplayName == nil && p.AvatarURL == nil && p.Bio == nil &&
		p.PreferredLanguage == nil && p.NotifyOnEvents == nil
}
