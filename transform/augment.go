package transform

import (
	"math/rand"

	"github.com/voxelmed/segvol/volume"
)

// Augmenter applies stochastic training-time augmentation to an image/label
// pair. Spatial transforms are applied identically to both volumes; noise is
// applied to the image only. Each probability gates its transform
// independently per invocation.
type Augmenter struct {
	Rot90Prob   float64
	FlipProb    float64
	NoiseProb   float64
	NoiseStdDev float64
	rng         *rand.Rand
}

// NewAugmenter creates an augmenter with the training defaults (each
// transform fires with probability 0.5) seeded from the given source.
func NewAugmenter(seed int64) *Augmenter {
	return &Augmenter{
		Rot90Prob:   0.5,
		FlipProb:    0.5,
		NoiseProb:   0.5,
		NoiseStdDev: 0.1,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Apply augments the pair in place and returns it. The input volumes are
// consumed; callers must pass crops they own, never the source volumes.
func (a *Augmenter) Apply(image, label *volume.Volume) (*volume.Volume, *volume.Volume) {
	if a.rng.Float64() < a.Rot90Prob {
		k := 1 + a.rng.Intn(3)
		for i := 0; i < k; i++ {
			image = Rot90XY(image)
			label = Rot90XY(label)
		}
	}
	if a.rng.Float64() < a.FlipProb {
		FlipX(image)
		FlipX(label)
	}
	if a.rng.Float64() < a.NoiseProb {
		for i := range image.Data {
			image.Data[i] += float32(a.rng.NormFloat64() * a.NoiseStdDev)
		}
	}
	return image, label
}

// Rot90XY rotates the volume 90 degrees in the XY plane, returning a new
// volume of transposed shape.
func Rot90XY(v *volume.Volume) *volume.Volume {
	out := volume.New([3]int{v.Shape[1], v.Shape[0], v.Shape[2]})
	out.Spacing = [3]float64{v.Spacing[1], v.Spacing[0], v.Spacing[2]}
	out.Affine = v.Affine
	for z := 0; z < v.Shape[2]; z++ {
		for y := 0; y < v.Shape[1]; y++ {
			for x := 0; x < v.Shape[0]; x++ {
				out.Set(y, v.Shape[0]-1-x, z, v.At(x, y, z))
			}
		}
	}
	return out
}

// FlipX mirrors the volume along the X axis in place.
func FlipX(v *volume.Volume) {
	nx := v.Shape[0]
	for z := 0; z < v.Shape[2]; z++ {
		for y := 0; y < v.Shape[1]; y++ {
			for x := 0; x < nx/2; x++ {
				a := v.At(x, y, z)
				b := v.At(nx-1-x, y, z)
				v.Set(x, y, z, b)
				v.Set(nx-1-x, y, z, a)
			}
		}
	}
}
