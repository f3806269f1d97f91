package sqlite

import (
	"testing"

	"github.com/martlane/storefront/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// ─── Key/Value ──────────────────────────────────────────────────────────────

func TestKV_GetMissing(t *testing.T) {
	db := newTestDB(t)
	v, ok, err := db.Get(domain.ScopeDurable, "nope")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if ok || v != "" {
		t.Errorf("Get(nope) = %q, %v; want empty, false", v, ok)
	}
}

func TestKV_SetManyAndGet(t *testing.T) {
	db := newTestDB(t)
	err := db.SetMany(domain.ScopeDurable, map[string]string{
		"access":  "a1",
		"refresh": "r1",
	})
	if err != nil {
		t.Fatalf("SetMany() error: %v", err)
	}

	for k, want := range map[string]string{"access": "a1", "refresh": "r1"} {
		got, ok, err := db.Get(domain.ScopeDurable, k)
		if err != nil || !ok {
			t.Fatalf("Get(%s) = %v, %v", k, ok, err)
		}
		if got != want {
			t.Errorf("Get(%s) = %q, want %q", k, got, want)
		}
	}
}

func TestKV_SetMany_Overwrites(t *testing.T) {
	db := newTestDB(t)
	db.SetMany(domain.ScopeDurable, map[string]string{"k": "v1"})
	db.SetMany(domain.ScopeDurable, map[string]string{"k": "v2"})

	got, _, _ := db.Get(domain.ScopeDurable, "k")
	if got != "v2" {
		t.Errorf("Get(k) = %q, want v2", got)
	}
}

func TestKV_ScopesAreIsolated(t *testing.T) {
	db := newTestDB(t)
	db.SetMany(domain.ScopeSession, map[string]string{"k": "session"})

	if _, ok, _ := db.Get(domain.ScopeDurable, "k"); ok {
		t.Error("session value leaked into durable scope")
	}
}

func TestKV_DeleteMany(t *testing.T) {
	db := newTestDB(t)
	db.SetMany(domain.ScopeDurable, map[string]string{"a": "1", "b": "2", "c": "3"})

	if err := db.DeleteMany(domain.ScopeDurable, "a", "b"); err != nil {
		t.Fatalf("DeleteMany() error: %v", err)
	}
	keys, err := db.Keys(domain.ScopeDurable)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "c" {
		t.Errorf("Keys() = %v, want [c]", keys)
	}
}

func TestKV_EndSession(t *testing.T) {
	db := newTestDB(t)
	db.SetMany(domain.ScopeSession, map[string]string{"guest": "g1"})
	db.SetMany(domain.ScopeDurable, map[string]string{"token": "t1"})

	if err := db.EndSession(); err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}
	if _, ok, _ := db.Get(domain.ScopeSession, "guest"); ok {
		t.Error("session value should be gone")
	}
	if _, ok, _ := db.Get(domain.ScopeDurable, "token"); !ok {
		t.Error("durable value should survive EndSession")
	}
}

func TestKV_UnknownScope(t *testing.T) {
	db := newTestDB(t)
	if _, _, err := db.Get(domain.Scope("bogus"), "k"); err == nil {
		t.Error("expected error for unknown scope")
	}
}

func TestOpen_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	db.SetMany(domain.ScopeDurable, map[string]string{"token": "persisted"})
	db.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	got, ok, _ := db2.Get(domain.ScopeDurable, "token")
	if !ok || got != "persisted" {
		t.Errorf("after reopen Get(token) = %q, %v; want persisted, true", got, ok)
	}
}
