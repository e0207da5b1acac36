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

// Inventory holds the wearable items of each user.
type Inventory struct {
	e *Engine
}

// GetItem returns an item owned by userID. Lookup errors count as missing.
func (s *Inventory) GetItem(ctx context.Context, userID, itemID uuid.UUID) (appearance.InventoryItem, bool) {
	var assetID, name string
	var wearable int
	err := s.e.db.QueryRowContext(ctx, `
		SELECT asset_id, name, wearable_type FROM inventory_items WHERE item_id = ? AND owner_id = ?
	`, itemID.String(), userID.String()).Scan(&assetID, &name, &wearable)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[store] get item %s: %v", itemID, err)
		}
		return appearance.InventoryItem{}, false
	}
	return appearance.InventoryItem{
		ID:      itemID,
		OwnerID: userID,
		AssetID: parseUUID(assetID),
		Name:    name,
		Type:    appearance.WearableType(wearable),
	}, true
}

// PutItem inserts or replaces an item.
func (s *Inventory) PutItem(ctx context.Context, item appearance.InventoryItem) error {
	asset := ""
	if item.AssetID != uuid.Nil {
		asset = item.AssetID.String()
	}
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	_, err := s.e.db.ExecContext(ctx, `
		INSERT INTO inventory_items (item_id, owner_id, asset_id, name, wearable_type)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			asset_id = excluded.asset_id,
			name = excluded.name,
			wearable_type = excluded.wearable_type
	`, item.ID.String(), item.OwnerID.String(), asset, item.Name, int(item.Type))
	if err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}
