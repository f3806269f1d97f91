// Package domain contains pure storefront types with ZERO infrastructure imports.
// This is the innermost ring — it depends on nothing but the standard library.
package domain

import (
	"strings"
	"time"
)

// ─── Identity Types ─────────────────────────────────────────────────────────

// Identity is who the client is acting as. Exactly one of two modes holds:
// guest (keyed by SessionID) or authenticated (keyed by the server user ID).
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	IsGuest     bool   `json:"isGuest"`
	SessionID   string `json:"sessionId,omitempty"`
}

// GuestIdentity returns the anonymous identity bound to a guest session.
func GuestIdentity(sessionID string) Identity {
	return Identity{
		ID:          sessionID,
		DisplayName: "Guest",
		IsGuest:     true,
		SessionID:   sessionID,
	}
}

// Authenticated reports whether the identity is a server-issued user.
func (i Identity) Authenticated() bool {
	return !i.IsGuest && strings.TrimSpace(i.ID) != ""
}

// Credential is the bearer pair issued on login, register, or refresh.
// AccessToken and RefreshToken are always replaced together.
type Credential struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Owner        Identity   `json:"user"`
}

// Valid reports whether both halves of the pair are present.
func (c *Credential) Valid() bool {
	return c != nil &&
		strings.TrimSpace(c.AccessToken) != "" &&
		strings.TrimSpace(c.RefreshToken) != ""
}

// Expired reports whether the access half is known to be past its expiry.
// A credential without an expiry is never considered expired locally; the
// server's 401 is the authority in that case.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil || c.ExpiresAt == nil {
		return false
	}
	return !now.Before(*c.ExpiresAt)
}
