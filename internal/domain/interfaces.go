package domain

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Scope separates values that survive restarts from values that live only
// for the current client session.
type Scope string

const (
	ScopeDurable Scope = "durable"
	ScopeSession Scope = "session"
)

// KVStore abstracts client-side key/value persistence.
type KVStore interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(scope Scope, key string) (value string, ok bool, err error)

	// SetMany writes every pair in one transaction — all or nothing.
	SetMany(scope Scope, values map[string]string) error

	// DeleteMany removes every key in one transaction.
	DeleteMany(scope Scope, keys ...string) error
}
