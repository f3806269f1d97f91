// Package credential owns the client's persisted bearer credential and the
// session-scoped guest identifier. No other package touches the underlying
// key/value store for these entries.
package credential

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martlane/storefront/internal/domain"
)

// Keys names the durable entries a credential occupies.
type Keys struct {
	Access    string
	Refresh   string
	User      string
	ExpiresAt string
}

// DefaultKeys returns the standard entry names.
func DefaultKeys() Keys {
	return Keys{
		Access:    "mart_token",
		Refresh:   "mart_refresh_token",
		User:      "mart_user",
		ExpiresAt: "mart_token_expires_at",
	}
}

func (k Keys) all() []string {
	return []string{k.Access, k.Refresh, k.User, k.ExpiresAt}
}

// ─── Credential Store ───────────────────────────────────────────────────────

// Store persists the credential. Reads never fail: malformed or partial
// persisted data reads as "no credential".
type Store struct {
	mu   sync.RWMutex
	kv   domain.KVStore
	keys Keys
	log  *zap.Logger

	loaded bool
	cached *domain.Credential
}

// NewStore creates a store over kv.
func NewStore(kv domain.KVStore, keys Keys, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{kv: kv, keys: keys, log: log}
}

// Get returns a copy of the current credential, or nil.
func (s *Store) Get() *domain.Credential {
	s.mu.RLock()
	if s.loaded {
		c := copyCredential(s.cached)
		s.mu.RUnlock()
		return c
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		s.cached = s.read()
		s.loaded = true
	}
	return copyCredential(s.cached)
}

// AccessToken returns the current access token, or "".
func (s *Store) AccessToken() string {
	if c := s.Get(); c != nil {
		return c.AccessToken
	}
	return ""
}

// Set replaces the whole credential in one transaction.
func (s *Store) Set(c domain.Credential) error {
	if !c.Valid() {
		return fmt.Errorf("set credential: %w", domain.ErrNoCredential)
	}
	user, err := json.Marshal(c.Owner)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	// An empty expiry reads as "no expiry", so the whole pair is one write.
	values := map[string]string{
		s.keys.Access:    c.AccessToken,
		s.keys.Refresh:   c.RefreshToken,
		s.keys.User:      string(user),
		s.keys.ExpiresAt: "",
	}
	if c.ExpiresAt != nil {
		values[s.keys.ExpiresAt] = c.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.SetMany(domain.ScopeDurable, values); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	s.cached = copyCredential(&c)
	s.loaded = true
	return nil
}

// Clear removes every credential entry. When the delete fails the cached
// credential stays, matching what the next start would read back.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.DeleteMany(domain.ScopeDurable, s.keys.all()...); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	s.cached = nil
	s.loaded = true
	return nil
}

// SetOwner rewrites the cached identity without touching the token pair.
func (s *Store) SetOwner(owner domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		s.cached = s.read()
		s.loaded = true
	}
	if s.cached == nil {
		return domain.ErrNoCredential
	}
	user, err := json.Marshal(owner)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := s.kv.SetMany(domain.ScopeDurable, map[string]string{s.keys.User: string(user)}); err != nil {
		return err
	}
	s.cached.Owner = owner
	return nil
}

// read loads the credential from kv. Callers hold s.mu.
func (s *Store) read() *domain.Credential {
	get := func(key string) string {
		v, ok, err := s.kv.Get(domain.ScopeDurable, key)
		if err != nil {
			s.log.Warn("credential read failed", zap.String("key", key), zap.Error(err))
			return ""
		}
		if !ok {
			return ""
		}
		return v
	}

	c := &domain.Credential{
		AccessToken:  get(s.keys.Access),
		RefreshToken: get(s.keys.Refresh),
	}
	if !c.Valid() {
		if c.AccessToken != "" || c.RefreshToken != "" {
			s.log.Warn("discarding partial credential")
		}
		return nil
	}

	raw := get(s.keys.User)
	if strings.TrimSpace(raw) == "" {
		s.log.Warn("discarding credential without identity")
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &c.Owner); err != nil {
		s.log.Warn("discarding credential", zap.Error(fmt.Errorf("%w: %v", domain.ErrMalformedIdentity, err)))
		return nil
	}
	c.Owner.IsGuest = false

	if exp := get(s.keys.ExpiresAt); exp != "" {
		if t, err := time.Parse(time.RFC3339Nano, exp); err == nil {
			c.ExpiresAt = &t
		}
	}
	return c
}

func copyCredential(c *domain.Credential) *domain.Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// ─── Guest Session ──────────────────────────────────────────────────────────

// Guest owns the session-scoped guest identifier.
type Guest struct {
	mu  sync.Mutex
	kv  domain.KVStore
	key string
	log *zap.Logger
}

// NewGuest creates the accessor over kv using key.
func NewGuest(kv domain.KVStore, key string, log *zap.Logger) *Guest {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guest{kv: kv, key: key, log: log}
}

// ID returns the guest session id, creating one when none exists.
func (g *Guest) ID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id := g.peek(); id != "" {
		return id, nil
	}
	id := newGuestID()
	if err := g.kv.SetMany(domain.ScopeSession, map[string]string{g.key: id}); err != nil {
		return "", fmt.Errorf("persist guest session: %w", err)
	}
	g.log.Debug("guest session created", zap.String("session_id", id))
	return id, nil
}

// Peek returns the current guest session id without creating one.
func (g *Guest) Peek() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peek()
}

// Clear drops the guest session id.
func (g *Guest) Clear() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.kv.DeleteMany(domain.ScopeSession, g.key)
}

// Rotate replaces the guest session id with a fresh one.
func (g *Guest) Rotate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := newGuestID()
	if err := g.kv.SetMany(domain.ScopeSession, map[string]string{g.key: id}); err != nil {
		return "", fmt.Errorf("rotate guest session: %w", err)
	}
	return id, nil
}

func (g *Guest) peek() string {
	v, ok, err := g.kv.Get(domain.ScopeSession, g.key)
	if err != nil {
		g.log.Warn("guest session read failed", zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

func newGuestID() string {
	return "guest_" + uuid.NewString()
}
