package appearance

import (
	"testing"

	"github.com/google/uuid"
)

func TestNew_Defaults(t *testing.T) {
	a := New()
	if got := len(a.VisualParams()); got != VisualParamCount {
		t.Fatalf("len(visualParams) = %d, want %d", got, VisualParamCount)
	}
	if LegacyVisualParamCount != 218 || VisualParamCount != 253 {
		t.Fatalf("param counts = %d/%d, want 218/253", LegacyVisualParamCount, VisualParamCount)
	}
	for i, id := range a.Texture() {
		if id != DefaultAvatarTexture {
			t.Fatalf("texture[%d] = %s, want default", i, id)
		}
	}
	if got := len(a.Wearables()); got != MaxWearables {
		t.Fatalf("len(wearables) = %d, want %d", got, MaxWearables)
	}
	shape := a.WearableSlot(WearableShape)
	stock, ok := DefaultWearable(WearableShape)
	if !ok || len(shape) != 1 || shape[0] != stock {
		t.Errorf("shape slot = %v, want stock shape", shape)
	}
	if a.Size() != DefaultSize {
		t.Errorf("size = %v, want %v", a.Size(), DefaultSize)
	}
}

func TestVisualParamTable(t *testing.T) {
	i, ok := VisualParamIndex("shape_height")
	if !ok {
		t.Fatal("shape_height not found")
	}
	if VisualParamName(i) != "shape_height" {
		t.Errorf("name(%d) = %q", i, VisualParamName(i))
	}
	if VisualParamName(-1) != "" || VisualParamName(VisualParamCount) != "" {
		t.Error("out of range names should be empty")
	}
	if got := len(DefaultVisualParams(LegacyVisualParamCount)); got != LegacyVisualParamCount {
		t.Errorf("legacy defaults len = %d", got)
	}
}

func TestSetVisualParams_Idempotent(t *testing.T) {
	a := New()
	params := a.VisualParams()
	params[3] = 200

	if !a.SetVisualParams(params) {
		t.Fatal("first set should report changed")
	}
	if a.SetVisualParams(params) {
		t.Fatal("second identical set should report unchanged")
	}
}

func TestSetVisualParams_LengthChange(t *testing.T) {
	a := New()
	short := a.VisualParams()[:LegacyVisualParamCount]
	if !a.SetVisualParams(short) {
		t.Fatal("resize with identical prefix should report changed")
	}
	if got := len(a.VisualParams()); got != LegacyVisualParamCount {
		t.Fatalf("len = %d, want %d", got, LegacyVisualParamCount)
	}
}

func TestSetVisualParams_EmptyIgnored(t *testing.T) {
	a := New()
	if a.SetVisualParams(nil) || a.SetVisualParams([]byte{}) {
		t.Fatal("empty sliders should be ignored")
	}
	if got := len(a.VisualParams()); got != VisualParamCount {
		t.Fatalf("len = %d, want %d", got, VisualParamCount)
	}
}

func TestResets(t *testing.T) {
	a := New()
	params := a.VisualParams()
	params[0] = 1
	a.SetVisualParams(params)
	a.SetBake(TexHeadBaked, CacheSlot{CacheID: uuid.New(), TextureID: uuid.New()})
	a.SetAttachment(2, uuid.New(), uuid.New())
	a.SetWearableSlot(WearableShape, nil)

	a.ResetVisualParams()
	a.ResetTextures()
	a.ClearAttachments()
	a.ResetWearables()

	if a.VisualParams()[0] != VisualParamDefault(0) {
		t.Error("sliders not reset")
	}
	if !IsUnsetTexture(a.TextureID(TexHeadBaked)) || !a.CacheItem(TexHeadBaked).IsEmpty() {
		t.Error("bake not cleared")
	}
	if len(a.Attachments()) != 0 {
		t.Error("attachments not cleared")
	}
	if len(a.WearableSlot(WearableShape)) != 1 {
		t.Error("stock shape not restored")
	}
	if _, ok := DefaultWearable(WearableJacket); ok {
		t.Error("jacket has no stock layer")
	}
}

func TestBakeIndexHelpers(t *testing.T) {
	for b := BakeType(0); b < BakeCount; b++ {
		idx := BakeIndexFor(b)
		if !IsBakeIndex(idx) {
			t.Errorf("%s: face %d not a bake index", b, idx)
		}
		if got, ok := BakeTypeFor(idx); !ok || got != b {
			t.Errorf("BakeTypeFor(%d) = %v, %v", idx, got, ok)
		}
	}
	if BakeIndexFor(BakeCount) != -1 || IsBakeIndex(TexUpperShirt) {
		t.Error("non-bake values accepted")
	}
}

func TestSetTextureSlots(t *testing.T) {
	a := New()
	tex := a.Texture()
	if a.SetTextureSlots(tex) {
		t.Fatal("unchanged table should report unchanged")
	}

	// Nil resolves to the default id, so this is still no change.
	tex[TexUpperShirt] = uuid.Nil
	if a.SetTextureSlots(tex) {
		t.Fatal("nil face should resolve to the default id")
	}

	a.SetCacheItem(TexHeadBaked, CacheSlot{CacheID: uuid.New(), TextureID: uuid.New()})
	a.SetCacheItem(TexUpperBaked, CacheSlot{CacheID: uuid.New(), TextureID: uuid.New()})
	tex[TexHeadBaked] = uuid.New()
	mask, changed := a.SetTextureSlotsDetail(tex)
	if !changed {
		t.Fatal("changed face should report changed")
	}
	if !mask[TexHeadBaked] || mask[TexUpperBaked] {
		t.Errorf("mask head=%v upper=%v, want true/false", mask[TexHeadBaked], mask[TexUpperBaked])
	}
	if !a.CacheItem(TexHeadBaked).IsEmpty() {
		t.Error("changed bake face should reset its cache slot")
	}
	if a.CacheItem(TexUpperBaked).IsEmpty() {
		t.Error("unchanged bake face should keep its cache slot")
	}
	if a.SetTextureSlots(tex) {
		t.Error("resubmission should report unchanged")
	}
}

func TestSetSize_Clamp(t *testing.T) {
	a := New()
	a.SetSize(Vec3{X: 0, Y: 50, Z: 0.05})

	want := Vec3{X: 0.1, Y: 32, Z: 0.1}
	if a.Size() != want {
		t.Fatalf("size = %v, want %v", a.Size(), want)
	}
	box := a.BoxSize()
	if box.Z < boxMinZ {
		t.Errorf("box Z = %v, want >= %v", box.Z, boxMinZ)
	}
	if box.X < boxMinX || box.Y != 32 {
		t.Errorf("box = %v", box)
	}
	if a.Height() != want.Z {
		t.Errorf("height = %v, want %v", a.Height(), want.Z)
	}
}

func TestSetSize_FeetOffset(t *testing.T) {
	a := New()
	a.SetSize(Vec3{X: 0.45, Y: 0.6, Z: 2})
	if got := a.BoxSize().Z; !near(got, 2.2) {
		t.Fatalf("box Z = %v, want 2.2", got)
	}
	if got := a.FeetOffset(); !near(got, -0.1) {
		t.Errorf("feet offset = %v, want -0.1", got)
	}
}

func near(a, b float32) bool {
	d := a - b
	return d < 1e-5 && d > -1e-5
}

func TestClone(t *testing.T) {
	a := New()
	a.SetSerial(7)
	a.SetBake(TexHeadBaked, CacheSlot{CacheID: uuid.New(), TextureID: uuid.New()})
	item := uuid.New()
	a.SetAttachment(5, item, uuid.New())

	full := a.Clone(true, true)
	if full.Serial() != 7 || full.TextureID(TexHeadBaked) != a.TextureID(TexHeadBaked) {
		t.Fatal("full clone lost state")
	}
	full.DetachAttachment(item)
	if _, ok := a.AttachmentByItem(item); !ok {
		t.Fatal("clone shares attachment storage with source")
	}

	bare := a.Clone(false, false)
	if bare.TextureID(TexHeadBaked) != DefaultAvatarTexture {
		t.Error("clone without bakes should reset bake faces")
	}
	if !bare.CacheItem(TexHeadBaked).IsEmpty() {
		t.Error("clone without bakes should reset cache")
	}
	for i, slot := range bare.Wearables() {
		if len(slot) != 0 {
			t.Errorf("slot %d = %v, want empty", i, slot)
		}
	}
}

func TestMergeBakes(t *testing.T) {
	live := New()
	base := live.Texture()
	work := live.Clone(true, true)

	headSlot := CacheSlot{CacheID: uuid.New(), TextureID: uuid.New()}
	hairSlot := CacheSlot{CacheID: uuid.New(), TextureID: uuid.New()}
	work.SetBake(TexHeadBaked, headSlot)
	work.SetBake(TexHairBaked, hairSlot)

	// A newer client update touched hair on the live record meanwhile.
	newer := uuid.New()
	live.SetTextureFace(TexHairBaked, newer)

	if n := live.MergeBakes(work, base); n != 1 {
		t.Fatalf("merged = %d, want 1", n)
	}
	if live.TextureID(TexHeadBaked) != headSlot.TextureID {
		t.Error("head bake not merged")
	}
	if live.TextureID(TexHairBaked) != newer {
		t.Error("newer hair bake overwritten")
	}
}

func TestWearables(t *testing.T) {
	a := New()
	shirt := uuid.New()
	asset := uuid.New()
	a.SetWearableSlot(WearableShirt, []WearableItem{
		{ItemID: uuid.Nil, AssetID: uuid.New()},
		{ItemID: shirt, AssetID: uuid.Nil},
		{ItemID: shirt, AssetID: asset},
	})
	got := a.WearableSlot(WearableShirt)
	if len(got) != 1 || got[0].ItemID != shirt || got[0].AssetID != asset {
		t.Fatalf("shirt slot = %v", got)
	}

	a.SetWearableSlot(WearableType(20), []WearableItem{{ItemID: uuid.New()}})
	if len(a.Wearables()) != 21 {
		t.Fatalf("len(wearables) = %d, want 21", len(a.Wearables()))
	}

	worn := []WornItem{{ItemID: shirt, Type: WearableShirt}, {ItemID: uuid.New(), Type: WearableShoes}}
	a.MergeWearables(WornToWearables(worn))
	if got := a.WearableSlot(WearableShirt); len(got) != 1 || got[0].AssetID != asset {
		t.Errorf("merge lost known asset: %v", got)
	}
	if got := a.WearableSlot(WearableShape); len(got) != 0 {
		t.Errorf("shape should be emptied by merge: %v", got)
	}

	shoes := a.WearableSlot(WearableShoes)[0].ItemID
	shoeAsset := uuid.New()
	if n := a.ResolveWearableAssets(map[uuid.UUID]uuid.UUID{shoes: shoeAsset}); n != 1 {
		t.Fatalf("resolved = %d, want 1", n)
	}
	if a.WearableSlot(WearableShoes)[0].AssetID != shoeAsset {
		t.Error("shoe asset not resolved")
	}
	if len(a.WornItems()) != 2 {
		t.Errorf("worn = %v", a.WornItems())
	}
}
