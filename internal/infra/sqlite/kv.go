package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/martlane/storefront/internal/domain"
)

var _ domain.KVStore = (*DB)(nil)

// ─── Key/Value Operations ───────────────────────────────────────────────────

func tableFor(scope domain.Scope) (string, error) {
	switch scope {
	case domain.ScopeDurable:
		return "durable_entries", nil
	case domain.ScopeSession:
		return "session_entries", nil
	default:
		return "", fmt.Errorf("unknown scope %q", scope)
	}
}

// Get returns the value stored under key in scope.
func (db *DB) Get(scope domain.Scope, key string) (string, bool, error) {
	table, err := tableFor(scope)
	if err != nil {
		return "", false, err
	}
	var value string
	err = db.db.QueryRow(`SELECT value FROM `+table+` WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetMany upserts every pair in a single transaction.
func (db *DB) SetMany(scope domain.Scope, values map[string]string) error {
	table, err := tableFor(scope)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Deterministic write order keeps lock acquisition stable.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, err := tx.Exec(`
			INSERT INTO `+table+` (key, value, updated_at)
			VALUES (?, ?, datetime('now'))
			ON CONFLICT(key) DO UPDATE SET
				value      = excluded.value,
				updated_at = datetime('now')
		`, k, values[k]); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// DeleteMany removes keys from scope in a single transaction.
func (db *DB) DeleteMany(scope domain.Scope, keys ...string) error {
	table, err := tableFor(scope)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE key = ?`, k); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// EndSession drops every session-scoped value.
func (db *DB) EndSession() error {
	_, err := db.db.Exec(`DELETE FROM session_entries`)
	return err
}

// Keys lists the keys present in scope, sorted.
func (db *DB) Keys(scope domain.Scope) ([]string, error) {
	table, err := tableFor(scope)
	if err != nil {
		return nil, err
	}
	rows, err := db.db.Query(`SELECT key FROM ` + table + ` ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
