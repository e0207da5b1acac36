package appearance

import (
	"fmt"

	"github.com/google/uuid"
)

// WearableType is the slot a wearable occupies.
type WearableType int

const (
	WearableShape WearableType = iota
	WearableSkin
	WearableHair
	WearableEyes
	WearableShirt
	WearablePants
	WearableShoes
	WearableSocks
	WearableJacket
	WearableGloves
	WearableUndershirt
	WearableUnderpants
	WearableSkirt
	WearableAlpha
	WearableTattoo
	WearablePhysics
	WearableUniversal
	WearableTypeCount
)

// Slot limits per protocol generation.
const (
	LegacyMaxWearables  = 15
	PhysicsMaxWearables = 16
	MaxWearables        = int(WearableTypeCount)
)

var wearableNames = [WearableTypeCount]string{
	"shape", "skin", "hair", "eyes", "shirt", "pants", "shoes", "socks",
	"jacket", "gloves", "undershirt", "underpants", "skirt", "alpha",
	"tattoo", "physics", "universal",
}

func (w WearableType) String() string {
	if w < 0 || w >= WearableTypeCount {
		return fmt.Sprintf("wearable(%d)", int(w))
	}
	return wearableNames[w]
}

// WearableItem is one layer in a wearable slot.
type WearableItem struct {
	ItemID  uuid.UUID
	AssetID uuid.UUID
}

// WornItem is what a client reports in a "now wearing" update: the item and
// the slot, without the asset.
type WornItem struct {
	ItemID uuid.UUID
	Type   WearableType
}

// Default body parts handed to new avatars.
var defaultWearables = map[WearableType]WearableItem{
	WearableShape: {
		ItemID:  uuid.MustParse("66c41e39-38f9-f75a-024e-585989bfaba9"),
		AssetID: uuid.MustParse("66c41e39-38f9-f75a-024e-585989bfab73"),
	},
	WearableSkin: {
		ItemID:  uuid.MustParse("77c41e39-38f9-f75a-024e-585989bfabc9"),
		AssetID: uuid.MustParse("77c41e39-38f9-f75a-024e-585989bbabbb"),
	},
	WearableHair: {
		ItemID:  uuid.MustParse("d342e6c1-b9d2-11dc-95ff-0800200c9a66"),
		AssetID: uuid.MustParse("d342e6c0-b9d2-11dc-95ff-0800200c9a66"),
	},
	WearableEyes: {
		ItemID:  uuid.MustParse("cdc31054-eed8-4021-994f-4e0c6e861b50"),
		AssetID: uuid.MustParse("4bb6fa4d-1cd2-498a-a84c-95c1a0e745a7"),
	},
	WearableShirt: {
		ItemID:  uuid.MustParse("77c41e39-38f9-f75a-0000-585989bf0000"),
		AssetID: uuid.MustParse("00000000-38f9-1111-024e-222222111110"),
	},
	WearablePants: {
		ItemID:  uuid.MustParse("77c41e39-38f9-f75a-0000-5859892f1111"),
		AssetID: uuid.MustParse("00000000-38f9-1111-024e-222222111120"),
	},
}

// DefaultWearable returns the stock layer for a body part slot.
func DefaultWearable(t WearableType) (WearableItem, bool) {
	w, ok := defaultWearables[t]
	return w, ok
}

// cleanLayers drops layers with a zero item id and collapses repeats of the
// same item, keeping the first position and the last asset.
func cleanLayers(layers []WearableItem) []WearableItem {
	out := make([]WearableItem, 0, len(layers))
	pos := make(map[uuid.UUID]int, len(layers))
	for _, l := range layers {
		if l.ItemID == uuid.Nil {
			continue
		}
		if i, ok := pos[l.ItemID]; ok {
			out[i].AssetID = l.AssetID
			continue
		}
		pos[l.ItemID] = len(out)
		out = append(out, l)
	}
	return out
}

func copyWearables(in [][]WearableItem) [][]WearableItem {
	out := make([][]WearableItem, len(in))
	for i, slot := range in {
		out[i] = append([]WearableItem(nil), slot...)
	}
	return out
}

// WornToWearables groups a "now wearing" list into slots, preserving the
// client's layer order within each slot.
func WornToWearables(worn []WornItem) [][]WearableItem {
	n := MaxWearables
	for _, w := range worn {
		if int(w.Type) >= n {
			n = int(w.Type) + 1
		}
	}
	out := make([][]WearableItem, n)
	for _, w := range worn {
		if w.Type < 0 {
			continue
		}
		out[w.Type] = append(out[w.Type], WearableItem{ItemID: w.ItemID})
	}
	return out
}

// Wearables returns a copy of the wearable slots.
func (a *Appearance) Wearables() [][]WearableItem {
	return copyWearables(a.wearables)
}

// WearableSlot returns a copy of the layers in one slot.
func (a *Appearance) WearableSlot(t WearableType) []WearableItem {
	if t < 0 || int(t) >= len(a.wearables) {
		return nil
	}
	return append([]WearableItem(nil), a.wearables[t]...)
}

// ResetWearables empties every slot and puts the stock body parts back.
func (a *Appearance) ResetWearables() {
	a.ClearWearables()
	for t := WearableShape; t < WearableTypeCount; t++ {
		if w, ok := DefaultWearable(t); ok {
			a.wearables[t] = []WearableItem{w}
		}
	}
}

// ClearWearables leaves MaxWearables empty slots.
func (a *Appearance) ClearWearables() {
	a.wearables = make([][]WearableItem, MaxWearables)
}

// SetWearableSlot replaces the layers of one slot, growing the slot list when
// the index is past its end.
func (a *Appearance) SetWearableSlot(t WearableType, layers []WearableItem) {
	if t < 0 {
		return
	}
	for int(t) >= len(a.wearables) {
		a.wearables = append(a.wearables, nil)
	}
	a.wearables[t] = cleanLayers(layers)
}

// SetWearables replaces every slot. Missing slots become empty.
func (a *Appearance) SetWearables(slots [][]WearableItem) {
	n := len(slots)
	if n < MaxWearables {
		n = MaxWearables
	}
	a.wearables = make([][]WearableItem, n)
	for i, layers := range slots {
		a.wearables[i] = cleanLayers(layers)
	}
}

// MergeWearables installs slots, filling in asset ids the record already
// knows for the same item when the incoming layer lacks one.
func (a *Appearance) MergeWearables(slots [][]WearableItem) {
	known := a.knownAssets()
	merged := make([][]WearableItem, len(slots))
	for i, layers := range slots {
		merged[i] = make([]WearableItem, 0, len(layers))
		for _, l := range layers {
			if l.AssetID == uuid.Nil {
				l.AssetID = known[l.ItemID]
			}
			merged[i] = append(merged[i], l)
		}
	}
	a.SetWearables(merged)
}

// ResolveWearableAssets fills asset ids from an item to asset map and
// reports how many layers it updated.
func (a *Appearance) ResolveWearableAssets(assets map[uuid.UUID]uuid.UUID) int {
	n := 0
	for i := range a.wearables {
		for j, l := range a.wearables[i] {
			asset, ok := assets[l.ItemID]
			if !ok || asset == l.AssetID {
				continue
			}
			a.wearables[i][j].AssetID = asset
			n++
		}
	}
	return n
}

// WornItems lists every layer as a (item, slot) pair in slot order.
func (a *Appearance) WornItems() []WornItem {
	var out []WornItem
	for i, layers := range a.wearables {
		for _, l := range layers {
			out = append(out, WornItem{ItemID: l.ItemID, Type: WearableType(i)})
		}
	}
	return out
}

func (a *Appearance) knownAssets() map[uuid.UUID]uuid.UUID {
	known := make(map[uuid.UUID]uuid.UUID)
	for _, layers := range a.wearables {
		for _, l := range layers {
			if l.AssetID != uuid.Nil {
				known[l.ItemID] = l.AssetID
			}
		}
	}
	return known
}
