// Package bakes keeps an avatar's bake cache table coherent with its live
// texture table, the local asset store and the remote bake store.
package bakes

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/osCore2/osCore2-sub001/internal/appearance"
)

// AssetStore holds bake textures.
type AssetStore interface {
	Get(ctx context.Context, id uuid.UUID) (*appearance.Asset, bool)
	Check(ctx context.Context, id uuid.UUID) bool
	Put(ctx context.Context, asset *appearance.Asset) error
	Expire(ctx context.Context, id uuid.UUID)
}

// BakeStore is the remote per-avatar bake table that survives region
// transfer. Slots are keyed by texture face.
type BakeStore interface {
	Get(ctx context.Context, agentID uuid.UUID) (map[int]appearance.CacheSlot, bool)
	Put(ctx context.Context, agentID uuid.UUID, slots map[int]appearance.CacheSlot) error
}

// Rebaker asks a client to rebake one texture.
type Rebaker interface {
	SendRebakeRequest(agentID, textureID uuid.UUID)
}

// CacheItem is one entry of a client-submitted bake cache list. A nil
// TextureID means "whatever the live texture table holds at that face".
type CacheItem struct {
	TextureIndex int
	CacheID      uuid.UUID
	TextureID    uuid.UUID
}

// UpdateResult summarizes one Update call.
type UpdateResult struct {
	Hits     int
	Changed  int
	Missing  int
	Complete bool
	Stored   bool
}

// DefaultRemoteTimeout bounds a single remote bake store call.
const DefaultRemoteTimeout = 10 * time.Second

// Manager runs the bake cache protocol. It is stateless apart from its
// collaborators; callers pass the record they own.
type Manager struct {
	assets  AssetStore
	remote  BakeStore
	rebaker Rebaker

	reuseTextures bool
	remoteTimeout time.Duration
	tracer        trace.Tracer
}

// NewManager creates a Manager. remote may be nil. With reuseTextures off,
// Validate never trusts the local cache and always goes to the remote store.
func NewManager(assets AssetStore, remote BakeStore, rebaker Rebaker, reuseTextures bool) *Manager {
	return &Manager{
		assets:        assets,
		remote:        remote,
		rebaker:       rebaker,
		reuseTextures: reuseTextures,
		remoteTimeout: DefaultRemoteTimeout,
		tracer:        otel.Tracer("avatard/bakes"),
	}
}

// SetRemoteTimeout overrides DefaultRemoteTimeout.
func (m *Manager) SetRemoteTimeout(d time.Duration) {
	if d > 0 {
		m.remoteTimeout = d
	}
}

// Validate checks every bake face of a against its cache slot and the asset
// store, recovering stale faces from the remote bake store. It reports
// whether every bake except the optional skirt is accounted for.
func (m *Manager) Validate(ctx context.Context, agentID uuid.UUID, a *appearance.Appearance) bool {
	ctx, span := m.tracer.Start(ctx, "bakes.validate",
		trace.WithAttributes(attribute.String("agent.id", agentID.String())))
	defer span.End()

	hits := 0
	var stale []int
	for _, idx := range appearance.BakeIndices {
		tex := a.TextureID(idx)
		if appearance.IsUnsetTexture(tex) {
			a.SetCacheItem(idx, appearance.CacheSlot{})
			hits++
			continue
		}
		slot := a.CacheItem(idx)
		if m.reuseTextures && slot.TextureID == tex && m.assets.Check(ctx, tex) {
			hits++
			continue
		}
		a.SetCacheItem(idx, appearance.CacheSlot{})
		stale = append(stale, idx)
	}
	span.SetAttributes(attribute.Int("bakes.hits", hits), attribute.Int("bakes.stale", len(stale)))
	if len(stale) == 0 {
		return true
	}

	recovered := m.recover(ctx, agentID, a, stale)
	ok := true
	for _, idx := range stale {
		if recovered[idx] || idx == appearance.TexSkirtBaked {
			continue
		}
		ok = false
	}
	span.SetAttributes(attribute.Int("bakes.recovered", len(recovered)), attribute.Bool("bakes.valid", ok))
	return ok
}

// recover adopts remote slots with a resident asset for the stale faces and
// primes the asset store with them.
func (m *Manager) recover(ctx context.Context, agentID uuid.UUID, a *appearance.Appearance, stale []int) map[int]bool {
	recovered := make(map[int]bool)
	if m.remote == nil {
		return recovered
	}
	rctx, cancel := context.WithTimeout(ctx, m.remoteTimeout)
	defer cancel()

	slots, ok := m.remote.Get(rctx, agentID)
	if !ok {
		log.Printf("[bakes] no remote bakes for %s", agentID)
		return recovered
	}
	for _, idx := range stale {
		slot, ok := slots[idx]
		if !ok || slot.Asset == nil || slot.TextureID == uuid.Nil {
			continue
		}
		asset := *slot.Asset
		asset.ID = slot.TextureID
		if err := m.assets.Put(ctx, &asset); err != nil {
			log.Printf("[bakes] warning: prime asset %s: %v", asset.ID, err)
			continue
		}
		slot.Asset = &asset
		a.SetBake(idx, slot)
		recovered[idx] = true
	}
	return recovered
}

// Update merges a client-submitted cache list into a, asks for rebakes of
// textures the asset store lacks and, for a complete submission with no
// missing textures and at least one change, promotes temporary bakes and
// pushes the table to the remote store.
func (m *Manager) Update(ctx context.Context, agentID uuid.UUID, a *appearance.Appearance, items []CacheItem) UpdateResult {
	ctx, span := m.tracer.Start(ctx, "bakes.update",
		trace.WithAttributes(attribute.String("agent.id", agentID.String()), attribute.Int("bakes.items", len(items))))
	defer span.End()

	var res UpdateResult
	covered := make(map[int]bool, len(items))
	extended := false
	for _, it := range items {
		bake, ok := appearance.BakeTypeFor(it.TextureIndex)
		if !ok {
			continue
		}
		if bake >= appearance.LegacyBakeCount {
			extended = true
		}
		idx := it.TextureIndex
		covered[idx] = true

		cur := a.CacheItem(idx)
		tex := it.TextureID
		if tex == uuid.Nil {
			tex = a.TextureID(idx)
		}
		if appearance.IsUnsetTexture(tex) {
			if !cur.IsEmpty() {
				res.Changed++
			} else {
				res.Hits++
			}
			a.SetBake(idx, appearance.CacheSlot{})
			continue
		}

		asset, ok := m.assets.Get(ctx, tex)
		if !ok {
			res.Missing++
			a.SetBake(idx, appearance.CacheSlot{CacheID: it.CacheID, TextureID: tex})
			m.rebaker.SendRebakeRequest(agentID, tex)
			continue
		}
		// A slot recorded while its upload was missing has no asset yet;
		// resolving it is a change.
		if cur.TextureID == tex && cur.CacheID == it.CacheID && cur.Asset != nil {
			res.Hits++
		} else {
			res.Changed++
			if cur.Asset != nil && cur.Asset.Temporary && cur.TextureID != tex {
				m.assets.Expire(ctx, cur.TextureID)
			}
		}
		a.SetBake(idx, appearance.CacheSlot{CacheID: it.CacheID, TextureID: tex, Asset: asset})
	}

	res.Complete = isComplete(covered, extended)
	if res.Complete && res.Missing == 0 && res.Changed > 0 {
		m.promote(ctx, a)
		res.Stored = m.store(ctx, agentID, a)
	}
	span.SetAttributes(
		attribute.Int("bakes.hits", res.Hits),
		attribute.Int("bakes.changed", res.Changed),
		attribute.Int("bakes.missing", res.Missing),
		attribute.Bool("bakes.stored", res.Stored),
	)
	return res
}

// isComplete reports whether a submission covers every bake of its
// generation. The skirt is optional.
func isComplete(covered map[int]bool, extended bool) bool {
	want := appearance.BakeIndices[:appearance.LegacyBakeCount]
	if extended {
		want = appearance.BakeIndices[:]
	}
	for _, idx := range want {
		if idx == appearance.TexSkirtBaked {
			continue
		}
		if !covered[idx] {
			return false
		}
	}
	return true
}

// promote republishes temporary bake assets as permanent ones.
func (m *Manager) promote(ctx context.Context, a *appearance.Appearance) {
	for _, idx := range appearance.BakeIndices {
		slot := a.CacheItem(idx)
		if slot.Asset == nil || !slot.Asset.Temporary {
			continue
		}
		asset := *slot.Asset
		asset.Temporary = false
		if err := m.assets.Put(ctx, &asset); err != nil {
			log.Printf("[bakes] warning: promote bake %s: %v", asset.ID, err)
			continue
		}
		slot.Asset = &asset
		a.SetCacheItem(idx, slot)
	}
}

func (m *Manager) store(ctx context.Context, agentID uuid.UUID, a *appearance.Appearance) bool {
	if m.remote == nil {
		return false
	}
	slots := make(map[int]appearance.CacheSlot, appearance.BakeCount)
	for _, idx := range appearance.BakeIndices {
		slot := a.CacheItem(idx)
		if slot.IsEmpty() {
			continue
		}
		slots[idx] = slot
	}
	rctx, cancel := context.WithTimeout(ctx, m.remoteTimeout)
	defer cancel()
	if err := m.remote.Put(rctx, agentID, slots); err != nil {
		log.Printf("[bakes] warning: store remote bakes for %s: %v", agentID, err)
		return false
	}
	return true
}

// RequestRebake sends a rebake request for every set bake face; with
// missingOnly, only for faces whose texture the asset store lacks. It
// returns the number of requests sent.
func (m *Manager) RequestRebake(ctx context.Context, agentID uuid.UUID, a *appearance.Appearance, missingOnly bool) int {
	n := 0
	for _, idx := range appearance.BakeIndices {
		tex := a.TextureID(idx)
		if appearance.IsUnsetTexture(tex) {
			continue
		}
		if missingOnly && m.assets.Check(ctx, tex) {
			continue
		}
		m.rebaker.SendRebakeRequest(agentID, tex)
		n++
	}
	if n > 0 {
		log.Printf("[bakes] requested %d rebakes for %s", n, agentID)
	}
	return n
}
