package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/osCore2/osCore2-sub001/internal/appearance"
)

// Assets is the bake asset store.
type Assets struct {
	e *Engine
}

// Get returns an asset. Lookup errors count as a miss.
func (s *Assets) Get(ctx context.Context, id uuid.UUID) (*appearance.Asset, bool) {
	a := &appearance.Asset{ID: id}
	var temporary, local int
	err := s.e.db.QueryRowContext(ctx, `
		SELECT asset_type, name, data, temporary, local FROM assets WHERE asset_id = ?
	`, id.String()).Scan(&a.Type, &a.Name, &a.Data, &temporary, &local)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[store] get asset %s: %v", id, err)
		}
		return nil, false
	}
	a.Temporary = temporary != 0
	a.Local = local != 0
	return a, true
}

// Check reports whether an asset exists.
func (s *Assets) Check(ctx context.Context, id uuid.UUID) bool {
	var found int
	err := s.e.db.QueryRowContext(ctx, `SELECT 1 FROM assets WHERE asset_id = ?`, id.String()).Scan(&found)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		log.Printf("[store] check asset %s: %v", id, err)
	}
	return err == nil
}

// Put inserts or replaces an asset.
func (s *Assets) Put(ctx context.Context, a *appearance.Asset) error {
	if a == nil || a.ID == uuid.Nil {
		return fmt.Errorf("put asset: missing id")
	}
	data := a.Data
	if data == nil {
		data = []byte{}
	}
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	_, err := s.e.db.ExecContext(ctx, `
		INSERT INTO assets (asset_id, asset_type, name, data, temporary, local)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id) DO UPDATE SET
			asset_type = excluded.asset_type,
			name = excluded.name,
			data = excluded.data,
			temporary = excluded.temporary,
			local = excluded.local
	`, a.ID.String(), a.Type, a.Name, data, boolInt(a.Temporary), boolInt(a.Local))
	if err != nil {
		return fmt.Errorf("put asset: %w", err)
	}
	return nil
}

// Expire deletes an asset.
func (s *Assets) Expire(ctx context.Context, id uuid.UUID) {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if _, err := s.e.db.ExecContext(ctx, `DELETE FROM assets WHERE asset_id = ?`, id.String()); err != nil {
		log.Printf("[store] expire asset %s: %v", id, err)
	}
}
