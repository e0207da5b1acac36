package appearance

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// TextureCount is the number of avatar texture faces.
const TextureCount = 45

// LegacyTextureCount is the number of faces older peers know about.
const LegacyTextureCount = 29

// DefaultAvatarTexture marks a face that has no texture of its own.
var DefaultAvatarTexture = uuid.MustParse("c228d1cf-4b5d-4ba8-84f4-899a0796aa97")

// Texture face indices.
const (
	TexHeadBodypaint = iota
	TexUpperShirt
	TexLowerPants
	TexEyesIris
	TexHair
	TexUpperBodypaint
	TexLowerBodypaint
	TexLowerShoes
	TexHeadBaked
	TexUpperBaked
	TexLowerBaked
	TexEyesBaked
	TexLowerSocks
	TexUpperJacket
	TexLowerJacket
	TexUpperGloves
	TexUpperUndershirt
	TexLowerUnderpants
	TexSkirt
	TexSkirtBaked
	TexHairBaked
	TexLowerAlpha
	TexUpperAlpha
	TexHeadAlpha
	TexEyesAlpha
	TexHairAlpha
	TexHeadTattoo
	TexUpperTattoo
	TexLowerTattoo
	TexHeadUniversalTattoo
	TexUpperUniversalTattoo
	TexLowerUniversalTattoo
	TexSkirtTattoo
	TexHairTattoo
	TexEyesTattoo
	TexLeftArmTattoo
	TexLeftLegTattoo
	TexAux1Tattoo
	TexAux2Tattoo
	TexAux3Tattoo
	TexLeftArmBaked
	TexLeftLegBaked
	TexAux1Baked
	TexAux2Baked
	TexAux3Baked
)

// BakeType names one composited body region.
type BakeType int

const (
	BakeHead BakeType = iota
	BakeUpperBody
	BakeLowerBody
	BakeEyes
	BakeSkirt
	BakeHair
	BakeLeftArm
	BakeLeftLeg
	BakeAux1
	BakeAux2
	BakeAux3
	BakeCount
)

// LegacyBakeCount is the number of bakes in the first protocol generation.
const LegacyBakeCount = 6

// BakeIndices lists the texture faces holding composited bakes, in
// BakeType order. The first LegacyBakeCount entries are understood by every
// peer.
var BakeIndices = [BakeCount]int{
	TexHeadBaked,
	TexUpperBaked,
	TexLowerBaked,
	TexEyesBaked,
	TexSkirtBaked,
	TexHairBaked,
	TexLeftArmBaked,
	TexLeftLegBaked,
	TexAux1Baked,
	TexAux2Baked,
	TexAux3Baked,
}

var bakeNames = [BakeCount]string{
	"head", "upper_body", "lower_body", "eyes", "skirt", "hair",
	"left_arm", "left_leg", "aux1", "aux2", "aux3",
}

func (b BakeType) String() string {
	if b < 0 || b >= BakeCount {
		return fmt.Sprintf("bake(%d)", int(b))
	}
	return bakeNames[b]
}

// BakeIndexFor returns the texture face of a bake, or -1.
func BakeIndexFor(b BakeType) int {
	if b < 0 || b >= BakeCount {
		return -1
	}
	return BakeIndices[b]
}

// BakeTypeFor returns the bake stored at a texture face.
func BakeTypeFor(index int) (BakeType, bool) {
	for i, idx := range BakeIndices {
		if idx == index {
			return BakeType(i), true
		}
	}
	return 0, false
}

// IsBakeIndex reports whether a texture face holds a bake.
func IsBakeIndex(index int) bool {
	_, ok := BakeTypeFor(index)
	return ok
}

// IsUnsetTexture reports whether id means "no texture".
func IsUnsetTexture(id uuid.UUID) bool {
	return id == uuid.Nil || id == DefaultAvatarTexture
}

// TextureTable is the per-face texture id table. Unset faces hold
// DefaultAvatarTexture.
type TextureTable [TextureCount]uuid.UUID

// DefaultTextureTable returns a table with every face unset.
func DefaultTextureTable() TextureTable {
	var t TextureTable
	for i := range t {
		t[i] = DefaultAvatarTexture
	}
	return t
}

func (t *TextureTable) normalize() {
	for i, id := range t {
		if id == uuid.Nil {
			t[i] = DefaultAvatarTexture
		}
	}
}

var errShortTextureEntry = errors.New("texture entry truncated")

// MarshalBinary encodes the texture-id section of a texture entry: the
// default id followed by (face bitfield, id) runs and a zero terminator.
// Bitfields are big-endian groups of 7 bits with the high bit set on every
// byte but the last.
func (t TextureTable) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 16+8)
	out = append(out, DefaultAvatarTexture[:]...)

	done := [TextureCount]bool{}
	for i, id := range t {
		if done[i] || IsUnsetTexture(id) {
			continue
		}
		var faces uint64
		for j := i; j < TextureCount; j++ {
			if t[j] == id {
				faces |= 1 << uint(j)
				done[j] = true
			}
		}
		out = appendFaceBits(out, faces)
		out = append(out, id[:]...)
	}
	out = append(out, 0)
	return out, nil
}

// UnmarshalBinary decodes a texture-id section written by MarshalBinary or
// by a peer. Faces beyond TextureCount are ignored.
func (t *TextureTable) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return errShortTextureEntry
	}
	def, err := uuid.FromBytes(data[:16])
	if err != nil {
		return err
	}
	for i := range t {
		t[i] = def
	}
	pos := 16
	for pos < len(data) {
		faces, n, err := readFaceBits(data[pos:])
		if err != nil {
			return err
		}
		pos += n
		if faces == 0 {
			break
		}
		if pos+16 > len(data) {
			return errShortTextureEntry
		}
		id, err := uuid.FromBytes(data[pos : pos+16])
		if err != nil {
			return err
		}
		pos += 16
		for i := 0; i < TextureCount; i++ {
			if faces&(1<<uint(i)) != 0 {
				t[i] = id
			}
		}
	}
	t.normalize()
	return nil
}

func appendFaceBits(out []byte, faces uint64) []byte {
	var groups [10]byte
	n := 0
	for {
		groups[n] = byte(faces & 0x7f)
		n++
		faces >>= 7
		if faces == 0 {
			break
		}
	}
	for i := n - 1; i >= 0; i-- {
		b := groups[i]
		if i > 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func readFaceBits(data []byte) (uint64, int, error) {
	var faces uint64
	for i, b := range data {
		if i >= 10 {
			break
		}
		faces = faces<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return faces, i + 1, nil
		}
	}
	return 0, 0, errShortTextureEntry
}
