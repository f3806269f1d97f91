package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Credential errors
	ErrNoCredential      = errors.New("no stored credential")
	ErrNoRefreshToken    = errors.New("no refresh credential available")
	ErrMalformedIdentity = errors.New("persisted identity is malformed")

	// Cart errors
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrLineNotFound    = errors.New("cart line not found")
	ErrInvalidProduct  = errors.New("product reference is missing an id")

	// Guest session errors
	ErrNoGuestSession = errors.New("no guest session to migrate")
	ErrNotSignedIn    = errors.New("identity is not authenticated")
)
