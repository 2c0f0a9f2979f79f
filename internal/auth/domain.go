package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Account is the identity-provider record behind a credential. RoleClaim is
// the provider-side source of the embedded role claim; it is rewritten only by
// the privileged SetRoleClaim procedure and flows into every issued token.
type Account struct {
	Subject      string
	Email        string
	PasswordHash string
	DisplayName  string
	AvatarURL    string
	RoleClaim    string
	Confirmed    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Claims are the JWT claims embedded in an access token.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Credential is a signed session artifact: the access token with its decoded
// claims plus the opaque refresh token that rotates it.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Claims       Claims
}

// Subject returns the stable user identifier carried by the token.
func (c *Credential) Subject() string {
	if c == nil {
		return ""
	}
	return c.Claims.Subject
}

// Role returns the embedded role claim, empty when absent. The claim is only
// trustworthy immediately after a refresh; the stored role wins on drift.
func (c *Credential) Role() string {
	if c == nil {
		return ""
	}
	return c.Claims.Role
}

// Expired reports whether the credential's validity window has passed. An
// expired credential is equivalent to no session.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil || c.Claims.ExpiresAt == nil {
		return true
	}
	return now.After(c.Claims.ExpiresAt.Time)
}

// EventKind discriminates authentication state transitions.
type EventKind int

const (
	// EventSignedIn fires after credential issuance.
	EventSignedIn EventKind = iota
	// EventSignedOut fires after revocation.
	EventSignedOut
	// EventRefreshed fires after a token refresh.
	EventRefreshed
)

func (k EventKind) String() string {
	switch k {
	case EventSignedIn:
		return "signed_in"
	case EventSignedOut:
		return "signed_out"
	case EventRefreshed:
		return "refreshed"
	}
	return "unknown"
}

// Event is one entry on the provider's state-change stream. Credential is nil
// for sign-out events.
type Event struct {
	Kind       EventKind
	Subject    string
	Credential *Credential
}
