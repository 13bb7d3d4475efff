// Package transform implements the spatial and intensity preprocessing
// applied to volumes before training, and the inverse spatial transform used
// at inference time to map predictions back onto the input's original grid.
package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/voxelmed/segvol/volume"
)

// Interpolation selects how voxel values are sampled during resampling.
// Images use trilinear interpolation; label masks must use nearest-neighbor
// so class indices are never blended into non-existent classes.
type Interpolation int

const (
	Trilinear Interpolation = iota
	Nearest
)

// Resample returns a copy of v resampled onto an output grid with the given
// target spacing (millimeters per voxel along each axis). The output shape
// is derived from the physical extent of the input so the field of view is
// preserved.
func Resample(v *volume.Volume, targetSpacing [3]float64, interp Interpolation) (*volume.Volume, error) {
	for i, s := range targetSpacing {
		if s <= 0 {
			return nil, fmt.Errorf("target spacing must be positive, got %v at axis %d", s, i)
		}
	}

	var outShape [3]int
	for i := 0; i < 3; i++ {
		extent := float64(v.Shape[i]) * v.Spacing[i]
		outShape[i] = int(math.Max(1, math.Round(extent/targetSpacing[i])))
	}
	out := ResampleToShape(v, outShape, interp)
	out.Spacing = targetSpacing
	for i := 0; i < 3; i++ {
		// Keep the affine's scale in step with the new spacing.
		scale := targetSpacing[i] / v.Spacing[i]
		for j := 0; j < 3; j++ {
			out.Affine[j][i] = v.Affine[j][i] * scale
		}
		out.Affine[i][3] = v.Affine[i][3]
	}
	return out, nil
}

// ResampleToShape resamples v onto a grid with exactly the given shape.
// Used directly when inverting a preprocessing-time resample, where the
// original shape is known and must be reproduced exactly.
func ResampleToShape(v *volume.Volume, outShape [3]int, interp Interpolation) *volume.Volume {
	out := volume.New(outShape)
	out.Spacing = v.Spacing
	out.Affine = v.Affine
	out.SourcePath = v.SourcePath

	var scale [3]float64
	for i := 0; i < 3; i++ {
		scale[i] = float64(v.Shape[i]) / float64(outShape[i])
	}

	for z := 0; z < outShape[2]; z++ {
		for y := 0; y < outShape[1]; y++ {
			for x := 0; x < outShape[0]; x++ {
				// Sample at the center of the output voxel.
				sx := (float64(x) + 0.5) * scale[0]
				sy := (float64(y) + 0.5) * scale[1]
				sz := (float64(z) + 0.5) * scale[2]
				var val float32
				if interp == Nearest {
					val = sampleNearest(v, sx, sy, sz)
				} else {
					val = sampleTrilinear(v, sx, sy, sz)
				}
				out.Set(x, y, z, val)
			}
		}
	}
	return out
}

func clampIndex(i, max int) int {
	if i < 0 {
		return 0
	}
	if i >= max {
		return max - 1
	}
	return i
}

func sampleNearest(v *volume.Volume, x, y, z float64) float32 {
	xi := clampIndex(int(math.Floor(x)), v.Shape[0])
	yi := clampIndex(int(math.Floor(y)), v.Shape[1])
	zi := clampIndex(int(math.Floor(z)), v.Shape[2])
	return v.At(xi, yi, zi)
}

func sampleTrilinear(v *volume.Volume, x, y, z float64) float32 {
	// Shift to voxel-center coordinates.
	x -= 0.5
	y -= 0.5
	z -= 0.5
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	z0 := int(math.Floor(z))
	fx := x - float64(x0)
	fy := y - float64(y0)
	fz := z - float64(z0)

	var acc float64
	for dz := 0; dz <= 1; dz++ {
		wz := fz
		if dz == 0 {
			wz = 1 - fz
		}
		for dy := 0; dy <= 1; dy++ {
			wy := fy
			if dy == 0 {
				wy = 1 - fy
			}
			for dx := 0; dx <= 1; dx++ {
				wx := fx
				if dx == 0 {
					wx = 1 - fx
				}
				xi := clampIndex(x0+dx, v.Shape[0])
				yi := clampIndex(y0+dy, v.Shape[1])
				zi := clampIndex(z0+dz, v.Shape[2])
				acc += wx * wy * wz * float64(v.At(xi, yi, zi))
			}
		}
	}
	return float32(acc)
}

// IntensityWindow clips voxel intensities to [Min, Max] and rescales them
// linearly to [0, 1]. The defaults bracket the soft-tissue Hounsfield range
// relevant to abdominal CT.
type IntensityWindow struct {
	Min float64
	Max float64
}

// DefaultIntensityWindow returns the CT soft-tissue window.
func DefaultIntensityWindow() IntensityWindow {
	return IntensityWindow{Min: -200, Max: 200}
}

// Apply returns a copy of v with intensities windowed and scaled to [0, 1].
func (w IntensityWindow) Apply(v *volume.Volume) (*volume.Volume, error) {
	if w.Max <= w.Min {
		return nil, fmt.Errorf("intensity window max %v must exceed min %v", w.Max, w.Min)
	}
	out := v.Clone()
	span := float32(w.Max - w.Min)
	lo := float32(w.Min)
	hi := float32(w.Max)
	for i, val := range out.Data {
		if val < lo {
			val = lo
		} else if val > hi {
			val = hi
		}
		out.Data[i] = (val - lo) / span
	}
	return out, nil
}

// Stats summarizes a volume's intensity distribution, for logging during
// preprocessing.
type Stats struct {
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Summarize computes intensity statistics over the whole volume.
func Summarize(v *volume.Volume) Stats {
	vals := make([]float64, len(v.Data))
	mn, mx := math.Inf(1), math.Inf(-1)
	for i, f := range v.Data {
		d := float64(f)
		vals[i] = d
		if d < mn {
			mn = d
		}
		if d > mx {
			mx = d
		}
	}
	mean, std := stat.MeanStdDev(vals, nil)
	return Stats{Mean: mean, StdDev: std, Min: mn, Max: mx}
}

// Invert maps a prediction produced on the preprocessed grid back onto the
// grid of the original input volume, using nearest-neighbor sampling so
// discrete labels survive the trip. The returned volume carries the original
// volume's shape, spacing and affine.
func Invert(pred *volume.Volume, original *volume.Volume) *volume.Volume {
	out := ResampleToShape(pred, original.Shape, Nearest)
	out.Spacing = original.Spacing
	out.Affine = original.Affine
	out.SourcePath = original.SourcePath
	return out
}
