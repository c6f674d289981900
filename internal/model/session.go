package model

import (
	"strings"
	"time"
)

// Role is the operating role of the signed-in account.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleBusiness Role = "business"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
)

// ParseRole normalizes a role string received from a collaborator.
// Unknown values are kept lowercased so they round-trip through storage.
func ParseRole(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

// Forbidden reports whether the role may not hold a session on this client.
func (r Role) Forbidden() bool {
	return r == RoleAdmin
}

// Session is the authenticated identity and token material held by the client.
type Session struct {
	// AccessToken is the short-lived bearer credential.
	AccessToken string `json:"access_token"`

	// RefreshToken is exchanged for a new AccessToken.
	RefreshToken string `json:"refresh_token"`

	// ExpiresAt is the absolute expiry of AccessToken.
	ExpiresAt time.Time `json:"expires_at"`

	// Role is the current operating role.
	Role Role `json:"role"`

	// UserID may be empty right after hydration; it arrives with the
	// first successful profile fetch.
	UserID string `json:"user_id,omitempty"`

	// Hydrated is true once persisted state has been loaded into memory.
	Hydrated bool `json:"-"`

	// Authenticated is true while a usable session exists.
	Authenticated bool `json:"-"`
}

// ExpiresWithin reports whether the access token expires before now+window.
func (s Session) ExpiresWithin(now time.Time, window time.Duration) bool {
	return !s.ExpiresAt.After(now.Add(window))
}

// Identity is the (user, role) pair registered on the realtime channel.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// Identity returns the realtime identity for the session.
func (s Session) Identity() Identity {
	return Identity{UserID: s.UserID, Role: s.Role}
}
