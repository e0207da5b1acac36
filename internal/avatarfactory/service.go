// Package avatarfactory owns the live appearance records of the avatars in
// a region: it applies client updates under one transaction lock and
// debounces the saves and broadcasts they cause.
package avatarfactory

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/osCore2/osCore2-sub001/internal/appearance"
	"github.com/osCore2/osCore2-sub001/internal/bakes"
)

// Inventory resolves inventory items.
type Inventory interface {
	GetItem(ctx context.Context, userID, itemID uuid.UUID) (appearance.InventoryItem, bool)
}

// AvatarStore persists appearance records.
type AvatarStore interface {
	LoadAppearance(ctx context.Context, userID uuid.UUID) (*appearance.Appearance, error)
	SaveAppearance(ctx context.Context, userID uuid.UUID, a *appearance.Appearance) error
}

// Presence delivers appearance traffic to clients. Snapshots are copies the
// sink may keep.
type Presence interface {
	BroadcastAppearance(agentID uuid.UUID, snapshot *appearance.Appearance)
	RefreshAnimations(agentID uuid.UUID)
	SendRebakeRequest(agentID, textureID uuid.UUID)
	SendWearablesList(agentID uuid.UUID, snapshot *appearance.Appearance, serial int)
}

// SetAppearanceRequest is one client appearance update. Nil fields are left
// alone.
type SetAppearanceRequest struct {
	Serial       int
	VisualParams []byte
	Textures     *appearance.TextureTable
	Size         *appearance.Vec3
	CacheItems   []bakes.CacheItem
}

// Service is the transaction handler for appearance updates.
type Service struct {
	txLock  sync.Mutex
	avatars map[uuid.UUID]*appearance.Appearance

	bakes     *bakes.Manager
	inventory Inventory
	store     AvatarStore
	presence  Presence
	sched     *Scheduler
	tracer    trace.Tracer

	// beforeSwap runs between the wearables merge and the swap; tests only.
	beforeSwap func()
}

// NewService wires a Service and its scheduler.
func NewService(opts SchedulerOptions, bm *bakes.Manager, inv Inventory, store AvatarStore, presence Presence) *Service {
	s := &Service{
		avatars:   make(map[uuid.UUID]*appearance.Appearance),
		bakes:     bm,
		inventory: inv,
		store:     store,
		presence:  presence,
		tracer:    otel.Tracer("avatard/avatarfactory"),
	}
	s.sched = NewScheduler(opts, s.SendAppearance, func(ctx context.Context, agentID uuid.UUID) {
		_ = s.saveAppearance(ctx, agentID)
	})
	return s
}

// Scheduler exposes the save/send scheduler.
func (s *Service) Scheduler() *Scheduler { return s.sched }

// AddAvatar registers a live record, replacing any previous one.
func (s *Service) AddAvatar(agentID uuid.UUID, a *appearance.Appearance) {
	s.txLock.Lock()
	defer s.txLock.Unlock()
	s.avatars[agentID] = a
}

// RemoveAvatar forgets an avatar and drops its queued work.
func (s *Service) RemoveAvatar(agentID uuid.UUID) {
	s.txLock.Lock()
	delete(s.avatars, agentID)
	s.txLock.Unlock()
	s.sched.Drop(agentID)
}

// Login loads an avatar's stored appearance (defaults if there is none),
// registers it and validates its bakes.
func (s *Service) Login(ctx context.Context, agentID uuid.UUID) bool {
	a, err := s.store.LoadAppearance(ctx, agentID)
	if err != nil {
		log.Printf("[avatarfactory] load appearance for %s: %v, using defaults", agentID, err)
		a = appearance.New()
	}
	s.AddAvatar(agentID, a)
	return s.ValidateBakedTextureCache(ctx, agentID)
}

// Snapshot returns a copy of an avatar's record.
func (s *Service) Snapshot(agentID uuid.UUID) (*appearance.Appearance, bool) {
	s.txLock.Lock()
	defer s.txLock.Unlock()
	a, ok := s.avatars[agentID]
	if !ok {
		return nil, false
	}
	return a.Clone(true, true), true
}

// Avatars lists the registered agent ids.
func (s *Service) Avatars() []uuid.UUID {
	s.txLock.Lock()
	defer s.txLock.Unlock()
	ids := make([]uuid.UUID, 0, len(s.avatars))
	for id := range s.avatars {
		ids = append(ids, id)
	}
	return ids
}

// SetAppearance applies a client update. Sliders, textures and size change
// under the transaction lock; the bake cache work runs on a copy outside it
// and is merged back for faces nobody touched meanwhile. Requests older
// than the record's serial are ignored. It reports whether anything
// changed.
func (s *Service) SetAppearance(ctx context.Context, agentID uuid.UUID, req SetAppearanceRequest) bool {
	ctx, span := s.tracer.Start(ctx, "avatarfactory.set_appearance",
		trace.WithAttributes(attribute.String("agent.id", agentID.String())))
	defer span.End()

	s.txLock.Lock()
	a, ok := s.avatars[agentID]
	if !ok {
		s.txLock.Unlock()
		log.Printf("[avatarfactory] warning: appearance update for unknown agent %s", agentID)
		return false
	}
	if req.Serial > 0 && req.Serial < a.Serial() {
		s.txLock.Unlock()
		log.Printf("[avatarfactory] ignoring stale appearance for %s: serial %d < %d", agentID, req.Serial, a.Serial())
		return false
	}

	changed := false
	if req.VisualParams != nil && a.SetVisualParams(req.VisualParams) {
		changed = true
	}
	texturesChanged := false
	if req.Textures != nil {
		texturesChanged = a.SetTextureSlots(*req.Textures)
		changed = changed || texturesChanged
	}
	if req.Size != nil {
		before := a.Size()
		a.SetSize(*req.Size)
		changed = changed || a.Size() != before
	}
	work := a.Clone(false, true)
	base := a.Texture()
	s.txLock.Unlock()

	switch {
	case len(req.CacheItems) > 0:
		res := s.bakes.Update(ctx, agentID, work, req.CacheItems)
		span.SetAttributes(attribute.Int("bakes.changed", res.Changed), attribute.Int("bakes.missing", res.Missing))
		if s.mergeBakes(agentID, work, base) > 0 {
			changed = true
		}
	case texturesChanged:
		s.ValidateBakedTextureCache(ctx, agentID)
	}

	if changed {
		s.sched.QueueSave(agentID)
		s.sched.QueueSend(agentID)
	}
	span.SetAttributes(attribute.Bool("appearance.changed", changed))
	return changed
}

func (s *Service) mergeBakes(agentID uuid.UUID, work *appearance.Appearance, base appearance.TextureTable) int {
	s.txLock.Lock()
	defer s.txLock.Unlock()
	live, ok := s.avatars[agentID]
	if !ok {
		return 0
	}
	return live.MergeBakes(work, base)
}

// SetWearables applies a "now wearing" list. The merge runs on a private
// copy and only the wearables field is swapped into the live record, so a
// concurrent SetAppearance is never undone.
func (s *Service) SetWearables(ctx context.Context, agentID uuid.UUID, worn []appearance.WornItem) bool {
	s.txLock.Lock()
	live, ok := s.avatars[agentID]
	if !ok {
		s.txLock.Unlock()
		log.Printf("[avatarfactory] warning: wearables update for unknown agent %s", agentID)
		return false
	}
	private := live.Clone(true, false)
	s.txLock.Unlock()

	private.MergeWearables(appearance.WornToWearables(worn))
	if s.beforeSwap != nil {
		s.beforeSwap()
	}

	s.txLock.Lock()
	live, ok = s.avatars[agentID]
	if !ok {
		s.txLock.Unlock()
		return false
	}
	live.SetWearables(private.Wearables())
	serial := live.IncrementSerial()
	snap := live.Clone(true, true)
	s.txLock.Unlock()

	s.presence.SendWearablesList(agentID, snap, serial)
	s.sched.QueueSave(agentID)
	return true
}

// Attach attaches an item and queues a save when the record changed.
func (s *Service) Attach(agentID uuid.UUID, point int, item, asset uuid.UUID) bool {
	s.txLock.Lock()
	a, ok := s.avatars[agentID]
	changed := ok && a.SetAttachment(point, item, asset)
	s.txLock.Unlock()
	if changed {
		s.sched.QueueSave(agentID)
	}
	return changed
}

// Detach detaches an item and queues a save when it was attached.
func (s *Service) Detach(agentID, item uuid.UUID) bool {
	s.txLock.Lock()
	a, ok := s.avatars[agentID]
	changed := ok && a.DetachAttachment(item)
	s.txLock.Unlock()
	if changed {
		s.sched.QueueSave(agentID)
	}
	return changed
}

// ResetAppearance puts the avatar back into the stock outfit: default
// sliders, unset textures and bake cache, stock body parts and no
// attachments. The serial advances so late client updates are ignored.
func (s *Service) ResetAppearance(agentID uuid.UUID) bool {
	s.txLock.Lock()
	a, ok := s.avatars[agentID]
	if !ok {
		s.txLock.Unlock()
		return false
	}
	a.ResetVisualParams()
	a.ResetTextures()
	a.ResetWearables()
	a.ClearAttachments()
	serial := a.IncrementSerial()
	snap := a.Clone(true, true)
	s.txLock.Unlock()

	log.Printf("[avatarfactory] reset appearance for %s", agentID)
	s.presence.SendWearablesList(agentID, snap, serial)
	s.sched.QueueSave(agentID)
	s.sched.QueueSend(agentID)
	return true
}

// QueueSave and QueueSend expose the scheduler to other subsystems.
func (s *Service) QueueSave(agentID uuid.UUID) { s.sched.QueueSave(agentID) }
func (s *Service) QueueSend(agentID uuid.UUID) { s.sched.QueueSend(agentID) }

// SendAppearance broadcasts the current appearance and refreshes
// animations. A vanished agent is a no-op.
func (s *Service) SendAppearance(agentID uuid.UUID) {
	snap, ok := s.Snapshot(agentID)
	if !ok {
		return
	}
	s.presence.BroadcastAppearance(agentID, snap)
	s.presence.RefreshAnimations(agentID)
}

// SendWearables sends the current wearables list to the owner.
func (s *Service) SendWearables(agentID uuid.UUID) {
	snap, ok := s.Snapshot(agentID)
	if !ok {
		return
	}
	s.presence.SendWearablesList(agentID, snap, snap.Serial())
}

// ValidateBakedTextureCache validates the avatar's bakes. On success the
// appearance is queued for broadcast; otherwise missing bakes are rebaked.
func (s *Service) ValidateBakedTextureCache(ctx context.Context, agentID uuid.UUID) bool {
	s.txLock.Lock()
	live, ok := s.avatars[agentID]
	if !ok {
		s.txLock.Unlock()
		return false
	}
	work := live.Clone(false, true)
	base := live.Texture()
	s.txLock.Unlock()

	valid := s.bakes.Validate(ctx, agentID, work)
	s.mergeBakes(agentID, work, base)
	if !valid {
		s.bakes.RequestRebake(ctx, agentID, work, true)
		return false
	}
	s.sched.QueueSend(agentID)
	return true
}

// RequestRebake asks the client to rebake; see bakes.Manager.RequestRebake.
func (s *Service) RequestRebake(ctx context.Context, agentID uuid.UUID, missingOnly bool) int {
	snap, ok := s.Snapshot(agentID)
	if !ok {
		return 0
	}
	return s.bakes.RequestRebake(ctx, agentID, snap, missingOnly)
}

// AuditBakes requests rebakes of missing bakes for every avatar.
func (s *Service) AuditBakes(ctx context.Context) int {
	n := 0
	for _, id := range s.Avatars() {
		n += s.RequestRebake(ctx, id, true)
	}
	return n
}

// SaveNow drops queued work for agentID, waits out a running flush and
// saves the record at once, resolving wearables the same way a flush does.
func (s *Service) SaveNow(ctx context.Context, agentID uuid.UUID) error {
	s.sched.Drop(agentID)
	var err error
	if xerr := s.sched.Exclusive(ctx, func(ctx context.Context) {
		err = s.saveAppearance(ctx, agentID)
	}); xerr != nil {
		return xerr
	}
	return err
}

// Close drains queued work and stops the scheduler.
func (s *Service) Close(ctx context.Context) {
	s.sched.Flush(ctx)
	s.sched.Stop()
}

// saveAppearance resolves every worn item to its current asset through
// inventory, repairs the live record with the result and persists it.
// Items inventory cannot resolve are skipped with a warning. An unknown
// agent is a no-op.
func (s *Service) saveAppearance(ctx context.Context, agentID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "avatarfactory.save",
		trace.WithAttributes(attribute.String("agent.id", agentID.String())))
	defer span.End()

	snap, ok := s.Snapshot(agentID)
	if !ok {
		return nil
	}

	resolved := make(map[uuid.UUID]uuid.UUID)
	for _, w := range snap.WornItems() {
		if w.ItemID == uuid.Nil {
			log.Printf("[avatarfactory] warning: %s wears a zero item in slot %s", agentID, w.Type)
			continue
		}
		item, ok := s.inventory.GetItem(ctx, agentID, w.ItemID)
		if !ok {
			log.Printf("[avatarfactory] warning: %s wears missing item %s (%s)", agentID, w.ItemID, w.Type)
			continue
		}
		if item.AssetID == uuid.Nil {
			log.Printf("[avatarfactory] warning: item %s of %s has no asset", w.ItemID, agentID)
			continue
		}
		resolved[w.ItemID] = item.AssetID
	}
	snap.ResolveWearableAssets(resolved)

	s.txLock.Lock()
	if live, ok := s.avatars[agentID]; ok {
		live.ResolveWearableAssets(resolved)
	}
	s.txLock.Unlock()

	if err := s.store.SaveAppearance(ctx, agentID, snap); err != nil {
		span.RecordError(err)
		log.Printf("[avatarfactory] save appearance for %s: %v", agentID, err)
		return fmt.Errorf("save appearance: %w", err)
	}
	return nil
}
