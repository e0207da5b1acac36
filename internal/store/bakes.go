package store

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/osCore2/osCore2-sub001/internal/appearance"
)

// Bakes is the per-avatar bake table that outlives a region visit.
type Bakes struct {
	e *Engine
}

// Get returns the stored slots of an avatar, each with its asset when the
// asset is still present. ok is false when nothing is stored.
func (s *Bakes) Get(ctx context.Context, agentID uuid.UUID) (map[int]appearance.CacheSlot, bool) {
	rows, err := s.e.db.QueryContext(ctx, `
		SELECT b.texture_index, b.cache_id, b.texture_id,
			a.asset_type, a.name, a.data, a.temporary, a.local, a.asset_id IS NOT NULL
		FROM bakes b LEFT JOIN assets a ON a.asset_id = b.texture_id
		WHERE b.agent_id = ?
	`, agentID.String())
	if err != nil {
		log.Printf("[store] get bakes for %s: %v", agentID, err)
		return nil, false
	}
	defer rows.Close()

	slots := make(map[int]appearance.CacheSlot)
	for rows.Next() {
		var (
			idx                int
			cacheID, textureID string
			assetType          *int64
			name               *string
			data               []byte
			temporary, local   *int64
			present            bool
		)
		if err := rows.Scan(&idx, &cacheID, &textureID, &assetType, &name, &data, &temporary, &local, &present); err != nil {
			log.Printf("[store] scan bake for %s: %v", agentID, err)
			return nil, false
		}
		slot := appearance.CacheSlot{
			CacheID:   parseUUID(cacheID),
			TextureID: parseUUID(textureID),
		}
		if present {
			slot.Asset = &appearance.Asset{
				ID:        slot.TextureID,
				Type:      int8(deref(assetType)),
				Name:      derefString(name),
				Data:      data,
				Temporary: deref(temporary) != 0,
				Local:     deref(local) != 0,
			}
		}
		slots[idx] = slot
	}
	if err := rows.Err(); err != nil {
		log.Printf("[store] read bakes for %s: %v", agentID, err)
		return nil, false
	}
	if len(slots) == 0 {
		return nil, false
	}
	return slots, true
}

// Put replaces the stored slots of an avatar.
func (s *Bakes) Put(ctx context.Context, agentID uuid.UUID, slots map[int]appearance.CacheSlot) error {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()

	tx, err := s.e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bakes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bakes WHERE agent_id = ?`, agentID.String()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear bakes: %w", err)
	}
	for idx, slot := range slots {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bakes (agent_id, texture_index, cache_id, texture_id) VALUES (?, ?, ?, ?)
		`, agentID.String(), idx, slot.CacheID.String(), slot.TextureID.String()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert bake %d: %w", idx, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bakes: %w", err)
	}
	return nil
}

func parseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
