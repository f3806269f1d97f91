package credential

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martlane/storefront/internal/domain"
	"github.com/martlane/storefront/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleCredential() domain.Credential {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	return domain.Credential{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    &exp,
		Owner:        domain.Identity{ID: "u1", DisplayName: "Asha", Email: "asha@example.com"},
	}
}

// ─── Store ──────────────────────────────────────────────────────────────────

func TestStore_EmptyGet(t *testing.T) {
	s := NewStore(newTestDB(t), DefaultKeys(), nil)
	assert.Nil(t, s.Get())
	assert.Equal(t, "", s.AccessToken())
}

func TestStore_SetGet(t *testing.T) {
	s := NewStore(newTestDB(t), DefaultKeys(), nil)
	want := sampleCredential()
	require.NoError(t, s.Set(want))

	got := s.Get()
	require.NotNil(t, got)
	assert.Equal(t, "access-1", got.AccessToken)
	assert.Equal(t, "refresh-1", got.RefreshToken)
	assert.Equal(t, "u1", got.Owner.ID)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, want.ExpiresAt.Equal(*got.ExpiresAt))

	// Returned copies must not alias the store.
	got.AccessToken = "tampered"
	assert.Equal(t, "access-1", s.AccessToken())
}

func TestStore_SurvivesReload(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, NewStore(db, DefaultKeys(), nil).Set(sampleCredential()))

	reloaded := NewStore(db, DefaultKeys(), nil)
	got := reloaded.Get()
	require.NotNil(t, got)
	assert.Equal(t, "refresh-1", got.RefreshToken)
	assert.False(t, got.Owner.IsGuest)
}

func TestStore_RejectsPartialCredential(t *testing.T) {
	s := NewStore(newTestDB(t), DefaultKeys(), nil)
	err := s.Set(domain.Credential{AccessToken: "only-access"})
	assert.ErrorIs(t, err, domain.ErrNoCredential)
	assert.Nil(t, s.Get())
}

func TestStore_Clear(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db, DefaultKeys(), nil)
	require.NoError(t, s.Set(sampleCredential()))
	require.NoError(t, s.Clear())

	assert.Nil(t, s.Get())
	keys, err := db.Keys(domain.ScopeDurable)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_MalformedDataReadsAsAbsent(t *testing.T) {
	keys := DefaultKeys()
	tests := []struct {
		name   string
		values map[string]string
	}{
		{"garbage identity", map[string]string{keys.Access: "a", keys.Refresh: "r", keys.User: "{not json"}},
		{"missing identity", map[string]string{keys.Access: "a", keys.Refresh: "r"}},
		{"missing refresh", map[string]string{keys.Access: "a", keys.User: `{"id":"u1"}`}},
		{"blank access", map[string]string{keys.Access: "  ", keys.Refresh: "r", keys.User: `{"id":"u1"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			require.NoError(t, db.SetMany(domain.ScopeDurable, tt.values))
			assert.Nil(t, NewStore(db, keys, nil).Get())
		})
	}
}

func TestStore_BadExpiryIsIgnored(t *testing.T) {
	keys := DefaultKeys()
	db := newTestDB(t)
	db.SetMany(domain.ScopeDurable, map[string]string{
		keys.Access: "a", keys.Refresh: "r", keys.User: `{"id":"u1"}`, keys.ExpiresAt: "tomorrow",
	})
	got := NewStore(db, keys, nil).Get()
	require.NotNil(t, got)
	assert.Nil(t, got.ExpiresAt)
}

func TestStore_SetOwner(t *testing.T) {
	s := NewStore(newTestDB(t), DefaultKeys(), nil)
	assert.ErrorIs(t, s.SetOwner(domain.Identity{ID: "u1"}), domain.ErrNoCredential)

	require.NoError(t, s.Set(sampleCredential()))
	require.NoError(t, s.SetOwner(domain.Identity{ID: "u1", DisplayName: "Asha K"}))
	assert.Equal(t, "Asha K", s.Get().Owner.DisplayName)
	assert.Equal(t, "access-1", s.AccessToken())
}

type failingKV struct{ domain.KVStore }

func (failingKV) SetMany(domain.Scope, map[string]string) error { return errors.New("disk full") }
func (failingKV) DeleteMany(domain.Scope, ...string) error     { return nil }

func TestStore_SetFailureKeepsPrevious(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db, DefaultKeys(), nil)
	require.NoError(t, s.Set(sampleCredential()))

	s.kv = failingKV{db}
	next := sampleCredential()
	next.AccessToken = "access-2"
	next.RefreshToken = "refresh-2"
	require.Error(t, s.Set(next))

	got := s.Get()
	assert.Equal(t, "access-1", got.AccessToken)
	assert.Equal(t, "refresh-1", got.RefreshToken)
}

type undeletableKV struct{ domain.KVStore }

func (undeletableKV) DeleteMany(domain.Scope, ...string) error { return errors.New("database is locked") }

func TestStore_ClearFailureKeepsCredential(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db, DefaultKeys(), nil)
	require.NoError(t, s.Set(sampleCredential()))

	s.kv = undeletableKV{db}
	require.Error(t, s.Clear())
	assert.Equal(t, "access-1", s.AccessToken(), "memory agrees with disk")
	assert.NotNil(t, NewStore(db, DefaultKeys(), nil).Get())
}

// countingKV records how many transactions each write issues.
type countingKV struct {
	domain.KVStore
	sets, deletes int
}

func (c *countingKV) SetMany(scope domain.Scope, values map[string]string) error {
	c.sets++
	return c.KVStore.SetMany(scope, values)
}

func (c *countingKV) DeleteMany(scope domain.Scope, keys ...string) error {
	c.deletes++
	return c.KVStore.DeleteMany(scope, keys...)
}

func TestStore_SetWithoutExpiryIsOneTransaction(t *testing.T) {
	db := newTestDB(t)
	kv := &countingKV{KVStore: db}
	s := NewStore(kv, DefaultKeys(), nil)
	require.NoError(t, s.Set(sampleCredential()))

	next := sampleCredential()
	next.AccessToken = "access-2"
	next.ExpiresAt = nil
	require.NoError(t, s.Set(next))
	assert.Equal(t, 2, kv.sets)
	assert.Equal(t, 0, kv.deletes)

	got := NewStore(db, DefaultKeys(), nil).Get()
	require.NotNil(t, got)
	assert.Equal(t, "access-2", got.AccessToken)
	assert.Nil(t, got.ExpiresAt, "the old expiry does not survive")
}

// ─── Guest ──────────────────────────────────────────────────────────────────

func TestGuest_IDIsStable(t *testing.T) {
	g := NewGuest(newTestDB(t), "guestCartSession", nil)
	assert.Equal(t, "", g.Peek())

	id1, err := g.ID()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id1, "guest_"))

	id2, err := g.ID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, id1, g.Peek())
}

func TestGuest_ClearAndRotate(t *testing.T) {
	g := NewGuest(newTestDB(t), "guestCartSession", nil)
	id1, _ := g.ID()

	require.NoError(t, g.Clear())
	assert.Equal(t, "", g.Peek())

	id2, err := g.Rotate()
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, id2, g.Peek())
}
