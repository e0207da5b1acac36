package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/osCore2/osCore2-sub001/internal/appearance"
)

// SaveAppearance stores a record as a CBOR document at the newest outbound
// version.
func (e *Engine) SaveAppearance(ctx context.Context, agentID uuid.UUID, a *appearance.Appearance) error {
	blob, err := appearance.MarshalAppearance(a, appearance.VersionExtendedBakes)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO avatars (agent_id, serial, appearance, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(agent_id) DO UPDATE SET
			serial = excluded.serial,
			appearance = excluded.appearance,
			updated_at = excluded.updated_at
	`, agentID.String(), a.Serial(), blob)
	if err != nil {
		return fmt.Errorf("save appearance: %w", err)
	}
	return nil
}

// LoadAppearance returns the stored record, or ErrNotFound. A corrupt blob
// loads as a default record.
func (e *Engine) LoadAppearance(ctx context.Context, agentID uuid.UUID) (*appearance.Appearance, error) {
	var blob []byte
	err := e.db.QueryRowContext(ctx, `SELECT appearance FROM avatars WHERE agent_id = ?`, agentID.String()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load appearance: %w", err)
	}
	return appearance.Unmarshal(blob), nil
}

// DeleteAppearance removes a stored record.
func (e *Engine) DeleteAppearance(ctx context.Context, agentID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.db.ExecContext(ctx, `DELETE FROM avatars WHERE agent_id = ?`, agentID.String()); err != nil {
		return fmt.Errorf("delete appearance: %w", err)
	}
	return nil
}

// CountAvatars returns the number of stored records.
func (e *Engine) CountAvatars(ctx context.Context) (int, error) {
	var n int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM avatars`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count avatars: %w", err)
	}
	return n, nil
}
