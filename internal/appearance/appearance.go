// Package appearance holds the avatar appearance record and its versioned
// wire/persistence encoding.
//
// An Appearance is not safe for concurrent use. Its owner serializes access
// and hands copies (Clone) to readers.
package appearance

import (
	"bytes"

	"github.com/google/uuid"
)

// Vec3 is a size vector in meters.
type Vec3 struct {
	X, Y, Z float32
}

// Size clamp and bounding box constants.
const (
	MinAvatarSize = 0.1
	MaxAvatarSize = 32.0

	boxHeightPad = 0.2
	boxMinX      = 0.2
	boxMinY      = 0.3
	boxMinZ      = 1.2
)

// DefaultSize is the size of a stock avatar.
var DefaultSize = Vec3{X: 0.45, Y: 0.6, Z: 1.9}

// Asset is a stored blob, here almost always a baked texture.
type Asset struct {
	ID        uuid.UUID
	Type      int8
	Name      string
	Data      []byte
	Temporary bool
	Local     bool
}

// AssetTypeTexture is the asset type of bake textures.
const AssetTypeTexture int8 = 0

// InventoryItem is the part of an inventory item the avatar service needs.
type InventoryItem struct {
	ID      uuid.UUID
	OwnerID uuid.UUID
	AssetID uuid.UUID
	Name    string
	Type    WearableType
}

// CacheSlot is one bake cache entry. It mirrors the texture table and is
// never a source of truth.
type CacheSlot struct {
	CacheID   uuid.UUID
	TextureID uuid.UUID
	Asset     *Asset
}

// IsEmpty reports whether the slot holds the sentinel value.
func (c CacheSlot) IsEmpty() bool {
	return c.CacheID == uuid.Nil && c.TextureID == uuid.Nil
}

// Appearance is the visual state of one avatar.
type Appearance struct {
	serial       int
	visualParams []byte
	texture      TextureTable
	cacheItems   [TextureCount]CacheSlot
	wearables    [][]WearableItem
	attachments  map[int][]Attachment

	size       Vec3
	boxSize    Vec3
	height     float32
	feetOffset float32
	hoverZ     float32
}

// New returns an appearance with default sliders, textures and body parts.
func New() *Appearance {
	a := &Appearance{
		visualParams: DefaultVisualParams(0),
		texture:      DefaultTextureTable(),
		attachments:  make(map[int][]Attachment),
	}
	a.ResetWearables()
	a.SetSize(DefaultSize)
	return a
}

// Clone returns a deep copy. Without withWearables the copy gets empty
// wearable slots; without withBakes its bake faces and cache are reset.
func (a *Appearance) Clone(withWearables, withBakes bool) *Appearance {
	c := &Appearance{
		serial:       a.serial,
		visualParams: append([]byte(nil), a.visualParams...),
		texture:      a.texture,
		cacheItems:   a.cacheItems,
		attachments:  make(map[int][]Attachment, len(a.attachments)),
		size:         a.size,
		boxSize:      a.boxSize,
		height:       a.height,
		feetOffset:   a.feetOffset,
		hoverZ:       a.hoverZ,
	}
	for p, list := range a.attachments {
		c.attachments[p] = append([]Attachment(nil), list...)
	}
	if withWearables {
		c.wearables = copyWearables(a.wearables)
	} else {
		c.ClearWearables()
	}
	if !withBakes {
		for _, idx := range BakeIndices {
			c.texture[idx] = DefaultAvatarTexture
			c.cacheItems[idx] = CacheSlot{}
		}
	}
	return c
}

// Serial returns the wearables version counter.
func (a *Appearance) Serial() int { return a.serial }

// SetSerial sets the wearables version counter.
func (a *Appearance) SetSerial(n int) { a.serial = n }

// IncrementSerial bumps the wearables version counter and returns it.
func (a *Appearance) IncrementSerial() int {
	a.serial++
	return a.serial
}

// HoverZ returns the user's hover offset preference.
func (a *Appearance) HoverZ() float32 { return a.hoverZ }

// SetHoverZ sets the user's hover offset preference.
func (a *Appearance) SetHoverZ(z float32) { a.hoverZ = z }

// VisualParams returns a copy of the slider values.
func (a *Appearance) VisualParams() []byte {
	return append([]byte(nil), a.visualParams...)
}

// SetVisualParams replaces the sliders. A length change always counts as a
// change; otherwise only a differing byte does. Empty input is ignored: a
// record always carries sliders.
func (a *Appearance) SetVisualParams(params []byte) bool {
	if len(params) == 0 {
		return false
	}
	if len(params) != len(a.visualParams) {
		a.visualParams = append([]byte(nil), params...)
		return true
	}
	if bytes.Equal(params, a.visualParams) {
		return false
	}
	copy(a.visualParams, params)
	return true
}

// ResetVisualParams restores every slider to its default.
func (a *Appearance) ResetVisualParams() {
	a.visualParams = DefaultVisualParams(0)
}

// Texture returns a copy of the texture table.
func (a *Appearance) Texture() TextureTable { return a.texture }

// TextureID returns the texture at a face, or DefaultAvatarTexture.
func (a *Appearance) TextureID(face int) uuid.UUID {
	if face < 0 || face >= TextureCount {
		return DefaultAvatarTexture
	}
	return a.texture[face]
}

// SetTextureSlots replaces the texture table if any face differs.
func (a *Appearance) SetTextureSlots(t TextureTable) bool {
	_, changed := a.SetTextureSlotsDetail(t)
	return changed
}

// SetTextureSlotsDetail is SetTextureSlots that also reports which faces
// changed. Bake faces that changed get their cache slot reset.
func (a *Appearance) SetTextureSlotsDetail(t TextureTable) ([TextureCount]bool, bool) {
	var mask [TextureCount]bool
	t.normalize()
	changed := false
	for i := range t {
		if t[i] != a.texture[i] {
			mask[i] = true
			changed = true
		}
	}
	if !changed {
		return mask, false
	}
	a.texture = t
	for _, idx := range BakeIndices {
		if mask[idx] {
			a.cacheItems[idx] = CacheSlot{}
		}
	}
	return mask, true
}

// SetTextureFace sets a single face.
func (a *Appearance) SetTextureFace(face int, id uuid.UUID) bool {
	if face < 0 || face >= TextureCount {
		return false
	}
	t := a.texture
	t[face] = id
	return a.SetTextureSlots(t)
}

// ResetTextures unsets every face and clears the bake cache.
func (a *Appearance) ResetTextures() {
	a.texture = DefaultTextureTable()
	a.cacheItems = [TextureCount]CacheSlot{}
}

// CacheItems returns a copy of the bake cache table.
func (a *Appearance) CacheItems() [TextureCount]CacheSlot { return a.cacheItems }

// CacheItem returns the cache slot of a face.
func (a *Appearance) CacheItem(face int) CacheSlot {
	if face < 0 || face >= TextureCount {
		return CacheSlot{}
	}
	return a.cacheItems[face]
}

// SetCacheItem overwrites the cache slot of a face.
func (a *Appearance) SetCacheItem(face int, slot CacheSlot) {
	if face < 0 || face >= TextureCount {
		return
	}
	a.cacheItems[face] = slot
}

// SetBake sets the texture of a bake face together with its cache slot.
func (a *Appearance) SetBake(face int, slot CacheSlot) {
	if face < 0 || face >= TextureCount {
		return
	}
	id := slot.TextureID
	if id == uuid.Nil {
		id = DefaultAvatarTexture
	}
	a.texture[face] = id
	a.cacheItems[face] = slot
}

// MergeBakes copies bake faces and cache slots from src, but only for faces
// whose texture still equals base, the table src was copied from. Faces
// changed since the copy was taken are left alone.
func (a *Appearance) MergeBakes(src *Appearance, base TextureTable) int {
	n := 0
	for _, idx := range BakeIndices {
		if a.texture[idx] != base[idx] {
			continue
		}
		if a.texture[idx] != src.texture[idx] || a.cacheItems[idx] != src.cacheItems[idx] {
			n++
		}
		a.texture[idx] = src.texture[idx]
		a.cacheItems[idx] = src.cacheItems[idx]
	}
	return n
}

// Size returns the clamped body size.
func (a *Appearance) Size() Vec3 { return a.size }

// BoxSize returns the collision box size.
func (a *Appearance) BoxSize() Vec3 { return a.boxSize }

// Height returns the avatar height.
func (a *Appearance) Height() float32 { return a.height }

// FeetOffset returns the vertical offset from the box bottom to the feet.
func (a *Appearance) FeetOffset() float32 { return a.feetOffset }

// SetSize clamps size to [MinAvatarSize, MaxAvatarSize] per axis and derives
// the box size, height and feet offset.
func (a *Appearance) SetSize(size Vec3) {
	size.X = clampSize(size.X)
	size.Y = clampSize(size.Y)
	size.Z = clampSize(size.Z)

	box := size
	box.Z += boxHeightPad
	if box.X < boxMinX {
		box.X = boxMinX
	}
	if box.Y < boxMinY {
		box.Y = boxMinY
	}
	if box.Z < boxMinZ {
		box.Z = boxMinZ
	}

	a.size = size
	a.boxSize = box
	a.height = size.Z
	a.feetOffset = (size.Z - box.Z) / 2
}

func clampSize(v float32) float32 {
	if v > MaxAvatarSize {
		return MaxAvatarSize
	}
	if v < MinAvatarSize {
		return MinAvatarSize
	}
	return v
}
