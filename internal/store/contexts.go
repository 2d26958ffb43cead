// Package store persists accessory contexts between restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dokzlo13/shellyd/internal/bridge"
)

// ContextStore is the SQLite-backed accessory context registry.
type ContextStore struct {
	db *sql.DB
}

// NewContextStore creates a store over an opened database.
func NewContextStore(db *sql.DB) *ContextStore {
	return &ContextStore{db: db}
}

// Save upserts the context for a token.
func (s *ContextStore) Save(token string, ctx bridge.Context) error {
	data, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	now := time.Now().UTC().Unix()

	_, err = s.db.Exec(`
		INSERT INTO accessory_context (token, context, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			context = excluded.context,
			updated_at = excluded.updated_at
	`, token, string(data), now)

	if err != nil {
		return fmt.Errorf("failed to store context: %w", err)
	}

	return nil
}

// Delete removes a token's context. Missing rows are not an error.
func (s *ContextStore) Delete(token string) error {
	_, err := s.db.Exec(`DELETE FROM accessory_context WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to delete context: %w", err)
	}
	return nil
}

// All returns every persisted context keyed by token. Rows that no
// longer unmarshal are skipped rather than failing the whole load.
func (s *ContextStore) All() (map[string]bridge.Context, error) {
	rows, err := s.db.Query(`SELECT token, context FROM accessory_context`)
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bridge.Context)
	for rows.Next() {
		var token, raw string
		if err := rows.Scan(&token, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan context row: %w", err)
		}
		var ctx bridge.Context
		if err := json.Unmarshal([]byte(raw), &ctx); err != nil {
			continue
		}
		out[token] = ctx
	}

	return out, rows.Err()
}
