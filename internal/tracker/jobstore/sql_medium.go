package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const stateTable = `
	CREATE TABLE IF NOT EXISTS tracker_state (
		state_key  TEXT PRIMARY KEY,
		blob       TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)
`

// SQLMedium stores the blob as one row of tracker_state.
// Works with any sqlx driver that supports ON CONFLICT upserts (sqlite, postgres).
type SQLMedium struct {
	db *sqlx.DB
}

// NewSQLMedium creates the state table if needed
func NewSQLMedium(ctx context.Context, db *sqlx.DB) (*SQLMedium, error) {
	if _, err := db.ExecContext(ctx, stateTable); err != nil {
		return nil, fmt.Errorf("failed to create tracker_state table: %w", err)
	}
	return &SQLMedium{db: db}, nil
}

func (m *SQLMedium) Load(ctx context.Context, key string) ([]byte, error) {
	var blob string
	query := m.db.Rebind(`SELECT blob FROM tracker_state WHERE state_key = ?`)

	err := m.db.GetContext(ctx, &blob, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return []byte(blob), nil
}

func (m *SQLMedium) Save(ctx context.Context, key string, blob []byte) error {
	query := m.db.Rebind(`
		INSERT INTO tracker_state (state_key, blob, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (state_key) DO UPDATE
		SET blob = excluded.blob, updated_at = excluded.updated_at
	`)

	if _, err := m.db.ExecContext(ctx, query, key, string(blob), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func (m *SQLMedium) Clear(ctx context.Context, key string) error {
	query := m.db.Rebind(`DELETE FROM tracker_state WHERE state_key = ?`)

	if _, err := m.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}
