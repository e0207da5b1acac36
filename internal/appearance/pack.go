package appearance

import (
	"errors"
	"fmt"
	"log"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Outbound protocol generations.
const (
	VersionLegacy           = 0.0
	VersionPhysicsWearables = 0.6
	VersionExtendedBakes    = 0.8
)

// Limits are the encoding choices for one protocol generation.
type Limits struct {
	// MaxWearables caps the emitted slot count; 0 means unbounded.
	MaxWearables int
	// Consolidated selects the te8 texture blob over the flat list.
	Consolidated bool
	// ExtendedBakes emits the bc8 cache group.
	ExtendedBakes bool
}

// LimitsFor returns the limits for an outbound version.
func LimitsFor(version float64) Limits {
	switch {
	case version >= VersionExtendedBakes:
		return Limits{Consolidated: true, ExtendedBakes: true}
	case version >= VersionPhysicsWearables:
		return Limits{MaxWearables: PhysicsMaxWearables}
	default:
		return Limits{MaxWearables: LegacyMaxWearables}
	}
}

// Document is the key-value form of an appearance shared by the wire and
// the avatar store.
type Document struct {
	Serial       int             `cbor:"serial"`
	Height       float32         `cbor:"height"`
	HoverZ       float32         `cbor:"aphz"`
	Wearables    [][]DocLayer    `cbor:"wearables"`
	Wearables8   [][]DocLayer    `cbor:"wrbls8,omitempty"`
	Textures     []uuid.UUID     `cbor:"textures,omitempty"`
	TE8          []byte          `cbor:"te8,omitempty"`
	BakedCache   []DocCacheItem  `cbor:"bakedcache,omitempty"`
	BC8          []DocCacheItem  `cbor:"bc8,omitempty"`
	VisualParams []byte          `cbor:"visualparams,omitempty"`
	Attachments  []DocAttachment `cbor:"attachments,omitempty"`
}

// DocLayer is one wearable layer.
type DocLayer struct {
	Item  uuid.UUID `cbor:"item"`
	Asset uuid.UUID `cbor:"asset"`
}

// DocCacheItem is one bake cache entry.
type DocCacheItem struct {
	TextureIndex int       `cbor:"textureindex"`
	CacheID      uuid.UUID `cbor:"cacheid"`
	TextureID    uuid.UUID `cbor:"textureid"`
}

// DocAttachment is one attachment.
type DocAttachment struct {
	Point int       `cbor:"point"`
	Item  uuid.UUID `cbor:"item"`
	Asset uuid.UUID `cbor:"asset"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("appearance: cbor enc mode: %v", err))
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 1 << 16}).DecMode(); err != nil {
		panic(fmt.Sprintf("appearance: cbor dec mode: %v", err))
	}
}

// Pack encodes a for a peer speaking the given outbound version.
func Pack(a *Appearance, version float64) *Document {
	lim := LimitsFor(version)
	doc := &Document{
		Serial:       a.serial,
		Height:       a.height,
		HoverZ:       a.hoverZ,
		VisualParams: a.VisualParams(),
		Attachments:  packAttachments(a),
	}

	slots := a.wearables
	if lim.MaxWearables > 0 && len(slots) > lim.MaxWearables {
		slots = slots[:lim.MaxWearables]
	}
	if lim.MaxWearables == 0 && len(slots) > LegacyMaxWearables {
		doc.Wearables = packLayers(slots[:LegacyMaxWearables])
		doc.Wearables8 = packLayers(slots[LegacyMaxWearables:])
	} else {
		doc.Wearables = packLayers(slots)
	}

	if lim.Consolidated {
		doc.TE8, _ = a.texture.MarshalBinary()
	} else {
		doc.Textures = append([]uuid.UUID(nil), a.texture[:LegacyTextureCount]...)
	}

	for i, idx := range BakeIndices {
		item := a.docCacheItem(idx)
		switch {
		case i < LegacyBakeCount:
			doc.BakedCache = append(doc.BakedCache, item)
		case lim.ExtendedBakes:
			doc.BC8 = append(doc.BC8, item)
		}
	}
	return doc
}

// PackForLegacyDocument encodes a for static documents read by old clients:
// empty wearable layers, legacy bakes only, and the te8 blob only when an
// extension bake holds a real texture.
func PackForLegacyDocument(a *Appearance) *Document {
	doc := &Document{
		Serial:       a.serial,
		Height:       a.height,
		HoverZ:       a.hoverZ,
		Wearables:    make([][]DocLayer, LegacyMaxWearables),
		VisualParams: a.VisualParams(),
		Attachments:  packAttachments(a),
	}
	for i := range doc.Wearables {
		doc.Wearables[i] = []DocLayer{}
	}
	for _, idx := range BakeIndices[:LegacyBakeCount] {
		doc.BakedCache = append(doc.BakedCache, a.docCacheItem(idx))
	}

	extended := false
	for _, idx := range BakeIndices[LegacyBakeCount:] {
		if !IsUnsetTexture(a.texture[idx]) {
			extended = true
			break
		}
	}
	if extended {
		doc.TE8, _ = a.texture.MarshalBinary()
	} else {
		doc.Textures = append([]uuid.UUID(nil), a.texture[:LegacyTextureCount]...)
	}
	return doc
}

// Unpack decodes a document. A nil or corrupt document yields a default
// record; fields the document omits keep their defaults.
func Unpack(doc *Document) *Appearance {
	if doc == nil {
		return New()
	}
	a, err := unpack(doc)
	if err != nil {
		log.Printf("[appearance] warning: unpack failed, using defaults: %v", err)
		return New()
	}
	return a
}

func unpack(doc *Document) (*Appearance, error) {
	a := New()
	a.serial = doc.Serial
	a.hoverZ = doc.HoverZ
	if doc.Height > 0 {
		size := a.size
		size.Z = doc.Height
		a.SetSize(size)
	}

	if doc.Wearables != nil || doc.Wearables8 != nil {
		slots := unpackLayers(doc.Wearables)
		if len(doc.Wearables8) > 0 {
			for len(slots) < LegacyMaxWearables {
				slots = append(slots, nil)
			}
			slots = append(slots, unpackLayers(doc.Wearables8)...)
		}
		a.SetWearables(slots)
	}

	switch {
	case doc.TE8 != nil:
		var t TextureTable
		if err := t.UnmarshalBinary(doc.TE8); err != nil {
			return nil, fmt.Errorf("decode te8: %w", err)
		}
		a.SetTextureSlots(t)
	case doc.Textures != nil:
		t := DefaultTextureTable()
		copy(t[:], doc.Textures)
		a.SetTextureSlots(t)
	}

	for _, group := range [][]DocCacheItem{doc.BakedCache, doc.BC8} {
		for _, c := range group {
			if !IsBakeIndex(c.TextureIndex) {
				log.Printf("[appearance] warning: ignoring cache item for face %d", c.TextureIndex)
				continue
			}
			a.cacheItems[c.TextureIndex] = CacheSlot{CacheID: c.CacheID, TextureID: c.TextureID}
		}
	}

	if len(doc.VisualParams) > 0 {
		a.SetVisualParams(doc.VisualParams)
	}

	list := make([]Attachment, 0, len(doc.Attachments))
	for _, at := range doc.Attachments {
		list = append(list, Attachment{Point: at.Point, ItemID: at.Item, AssetID: at.Asset})
	}
	a.AppendAttachments(list)
	return a, nil
}

// Marshal encodes a document as CBOR.
func Marshal(doc *Document) ([]byte, error) {
	data, err := encMode.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal appearance: %w", err)
	}
	return data, nil
}

// MarshalAppearance packs a for version and encodes it.
func MarshalAppearance(a *Appearance, version float64) ([]byte, error) {
	return Marshal(Pack(a, version))
}

// Decode is the strict form of Unmarshal: it reports what is wrong with
// the blob instead of falling back to defaults.
func Decode(data []byte) (*Appearance, error) {
	if len(data) == 0 {
		return nil, errEmptyBlob
	}
	var doc Document
	if err := decMode.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode appearance: %w", err)
	}
	return unpack(&doc)
}

var errEmptyBlob = errors.New("empty appearance blob")

// Unmarshal decodes a CBOR blob into a record. It never fails: empty or
// malformed input yields a default record.
func Unmarshal(data []byte) *Appearance {
	a, err := Decode(data)
	if err != nil {
		log.Printf("[appearance] warning: %v, using defaults", err)
		return New()
	}
	return a
}

func (a *Appearance) docCacheItem(idx int) DocCacheItem {
	c := a.cacheItems[idx]
	return DocCacheItem{TextureIndex: idx, CacheID: c.CacheID, TextureID: c.TextureID}
}

func packLayers(slots [][]WearableItem) [][]DocLayer {
	out := make([][]DocLayer, len(slots))
	for i, layers := range slots {
		out[i] = make([]DocLayer, 0, len(layers))
		for _, l := range layers {
			out[i] = append(out[i], DocLayer{Item: l.ItemID, Asset: l.AssetID})
		}
	}
	return out
}

func unpackLayers(slots [][]DocLayer) [][]WearableItem {
	out := make([][]WearableItem, len(slots))
	for i, layers := range slots {
		for _, l := range layers {
			out[i] = append(out[i], WearableItem{ItemID: l.Item, AssetID: l.Asset})
		}
	}
	return out
}

func packAttachments(a *Appearance) []DocAttachment {
	var out []DocAttachment
	for _, at := range a.Attachments() {
		out = append(out, DocAttachment{Point: at.Point, Item: at.ItemID, Asset: at.AssetID})
	}
	return out
}
