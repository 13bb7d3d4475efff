package dataset

import (
	"math/rand"

	"github.com/voxelmed/segvol/volume"
)

// Patch is one fixed-size training crop of an image/label pair. Patches are
// ephemeral; they exist only for the iteration that consumes them.
type Patch struct {
	Image *volume.Volume
	Label *volume.Volume
}

// PatchSampler cuts fixed-size crops from an image/label pair, balancing
// crop centers between foreground and background voxels so sparse labels
// still appear in roughly half the patches.
type PatchSampler struct {
	// Size is the spatial size of each crop.
	Size [3]int

	// NumSamples is how many crops to draw per volume per epoch.
	NumSamples int

	// PosNegRatio balances foreground-centered against background-centered
	// crops; 1 means one positive per negative.
	PosNegRatio float64
}

// DefaultPatchSampler returns the training configuration: 160^3 crops, four
// per volume, balanced 1:1.
func DefaultPatchSampler() PatchSampler {
	return PatchSampler{
		Size:        [3]int{160, 160, 160},
		NumSamples:  4,
		PosNegRatio: 1,
	}
}

// Sample draws crops from the pair using the provided source of randomness.
// Volumes smaller than the crop size along any axis are zero-padded up to
// it, matching the allow-smaller policy of sliding-window inference.
func (ps PatchSampler) Sample(img, lbl *volume.Volume, rng *rand.Rand) []Patch {
	img, lbl = padPairTo(img, lbl, ps.Size)

	var fg, bg []int
	for i, v := range lbl.Data {
		if v > 0 {
			fg = append(fg, i)
		} else {
			bg = append(bg, i)
		}
	}

	posShare := ps.PosNegRatio / (ps.PosNegRatio + 1)
	patches := make([]Patch, 0, ps.NumSamples)
	for n := 0; n < ps.NumSamples; n++ {
		var pool []int
		if len(fg) > 0 && (len(bg) == 0 || rng.Float64() < posShare) {
			pool = fg
		} else {
			pool = bg
		}
		center := pool[rng.Intn(len(pool))]
		cx := center % lbl.Shape[0]
		cy := (center / lbl.Shape[0]) % lbl.Shape[1]
		cz := center / (lbl.Shape[0] * lbl.Shape[1])

		start := [3]int{
			clampStart(cx-ps.Size[0]/2, img.Shape[0], ps.Size[0]),
			clampStart(cy-ps.Size[1]/2, img.Shape[1], ps.Size[1]),
			clampStart(cz-ps.Size[2]/2, img.Shape[2], ps.Size[2]),
		}
		patches = append(patches, Patch{
			Image: crop(img, start, ps.Size),
			Label: crop(lbl, start, ps.Size),
		})
	}
	return patches
}

func clampStart(start, dim, size int) int {
	if start+size > dim {
		start = dim - size
	}
	if start < 0 {
		start = 0
	}
	return start
}

func crop(v *volume.Volume, start, size [3]int) *volume.Volume {
	out := volume.New(size)
	out.Spacing = v.Spacing
	out.Affine = v.Affine
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				out.Set(x, y, z, v.At(start[0]+x, start[1]+y, start[2]+z))
			}
		}
	}
	return out
}

func padPairTo(img, lbl *volume.Volume, size [3]int) (*volume.Volume, *volume.Volume) {
	need := false
	var target [3]int
	for i := 0; i < 3; i++ {
		target[i] = img.Shape[i]
		if target[i] < size[i] {
			target[i] = size[i]
			need = true
		}
	}
	if !need {
		return img, lbl
	}
	return padTo(img, target), padTo(lbl, target)
}

func padTo(v *volume.Volume, target [3]int) *volume.Volume {
	out := volume.New(target)
	out.Spacing = v.Spacing
	out.Affine = v.Affine
	var off [3]int
	for i := 0; i < 3; i++ {
		off[i] = (target[i] - v.Shape[i]) / 2
	}
	for z := 0; z < v.Shape[2]; z++ {
		for y := 0; y < v.Shape[1]; y++ {
			for x := 0; x < v.Shape[0]; x++ {
				out.Set(off[0]+x, off[1]+y, off[2]+z, v.At(x, y, z))
			}
		}
	}
	return out
}
