// Package sliding implements sliding-window inference: applying a model
// trained on fixed-size crops to a whole volume by tiling it with
// overlapping windows and blending the per-window predictions into one
// full-resolution probability map.
package sliding

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/voxelmed/segvol/nn"
	"github.com/voxelmed/segvol/volume"
)

// BlendMode selects how overlapping window predictions are combined.
type BlendMode int

const (
	// Gaussian weights voxels by their distance from the window center, so
	// window borders, where context is weakest, contribute least.
	Gaussian BlendMode = iota
	// Constant averages overlapping windows uniformly.
	Constant
)

// Config controls window tiling and blending.
type Config struct {
	// Window is the spatial size of each inference window.
	Window [3]int

	// Overlap is the fraction of each window shared with its neighbor,
	// in [0, 1).
	Overlap float64

	// BatchSize caps how many windows are submitted to the model at once.
	BatchSize int

	// Blend selects the blending mode.
	Blend BlendMode

	// SigmaScale sets the Gaussian width as a fraction of the window size.
	SigmaScale float64
}

// DefaultConfig matches the training-time receptive window.
func DefaultConfig() Config {
	return Config{
		Window:     [3]int{160, 160, 160},
		Overlap:    0.25,
		BatchSize:  4,
		Blend:      Gaussian,
		SigmaScale: 0.125,
	}
}

// Infer applies the model across the volume and returns a full-resolution
// probability map whose spatial shape exactly equals the input's. Volumes
// smaller than the window along any axis are zero-padded up to it and the
// result cropped back, so the shape invariant holds for every input.
func Infer(ctx context.Context, vol *volume.Volume, model nn.Inferer, cfg Config) (*nn.ClassProbs, error) {
	if cfg.Window[0] <= 0 || cfg.Window[1] <= 0 || cfg.Window[2] <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %v", cfg.Window)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= 1 {
		return nil, fmt.Errorf("overlap must be in [0, 1), got %v", cfg.Overlap)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	origShape := vol.Shape
	work, offset := padToWindow(vol, cfg.Window)

	starts := windowStarts(work.Shape, cfg.Window, cfg.Overlap)
	weights := importanceMap(cfg)

	classes := model.Classes()
	nvox := work.NumVoxels()
	acc := make([]float64, classes*nvox)
	wsum := make([]float64, nvox)

	for lo := 0; lo < len(starts); lo += cfg.BatchSize {
		hi := lo + cfg.BatchSize
		if hi > len(starts) {
			hi = len(starts)
		}
		batch := starts[lo:hi]

		crops := make([]*volume.Volume, len(batch))
		for i, s := range batch {
			crops[i] = cropVolume(work, s, cfg.Window)
		}
		probs, err := model.InferBatch(ctx, crops)
		if err != nil {
			return nil, fmt.Errorf("window inference failed at offset %v: %w", batch[0], err)
		}
		for i, p := range probs {
			if p.Classes != classes {
				return nil, fmt.Errorf("model returned %d classes, expected %d", p.Classes, classes)
			}
			accumulate(acc, wsum, work.Shape, batch[i], p, weights, cfg.Window)
		}
	}

	out := &nn.ClassProbs{
		Classes: classes,
		Shape:   work.Shape,
		Data:    make([]float32, classes*nvox),
	}
	for i := 0; i < nvox; i++ {
		w := wsum[i]
		if w == 0 {
			continue
		}
		for c := 0; c < classes; c++ {
			out.Data[c*nvox+i] = float32(acc[c*nvox+i] / w)
		}
	}

	if work.Shape != origShape {
		out = cropProbs(out, offset, origShape)
	}
	return out, nil
}

// Predict runs Infer and discretizes the result with arg-max.
func Predict(ctx context.Context, vol *volume.Volume, model nn.Inferer, cfg Config) (*volume.Volume, error) {
	probs, err := Infer(ctx, vol, model, cfg)
	if err != nil {
		return nil, err
	}
	out := probs.ArgMax()
	out.Spacing = vol.Spacing
	out.Affine = vol.Affine
	return out, nil
}

// windowStarts tiles one axis at a time. The stride is derived from the
// overlap, and the final window is clamped so it ends exactly at the volume
// boundary; starts are therefore gapless even when the extent is not a
// multiple of the stride.
func windowStarts(shape, window [3]int, overlap float64) [][3]int {
	perAxis := make([][]int, 3)
	for axis := 0; axis < 3; axis++ {
		stride := int(float64(window[axis]) * (1 - overlap))
		if stride < 1 {
			stride = 1
		}
		var starts []int
		for s := 0; ; s += stride {
			if s+window[axis] >= shape[axis] {
				starts = append(starts, shape[axis]-window[axis])
				break
			}
			starts = append(starts, s)
		}
		perAxis[axis] = starts
	}

	var out [][3]int
	for _, z := range perAxis[2] {
		for _, y := range perAxis[1] {
			for _, x := range perAxis[0] {
				out = append(out, [3]int{x, y, z})
			}
		}
	}
	return out
}

// importanceMap builds the per-voxel blending weight for one window:
// separable Gaussian centered on the window, floored so border voxels keep
// a nonzero contribution, or all-ones for constant blending.
func importanceMap(cfg Config) []float64 {
	n := cfg.Window[0] * cfg.Window[1] * cfg.Window[2]
	w := make([]float64, n)
	if cfg.Blend == Constant {
		for i := range w {
			w[i] = 1
		}
		return w
	}

	scale := cfg.SigmaScale
	if scale <= 0 {
		scale = 0.125
	}
	axes := make([][]float64, 3)
	for axis := 0; axis < 3; axis++ {
		size := cfg.Window[axis]
		dist := distuv.Normal{
			Mu:    float64(size-1) / 2,
			Sigma: float64(size) * scale,
		}
		peak := dist.Prob(dist.Mu)
		axes[axis] = make([]float64, size)
		for i := 0; i < size; i++ {
			v := dist.Prob(float64(i)) / peak
			if v < 1e-3 {
				v = 1e-3
			}
			axes[axis][i] = v
		}
	}

	idx := 0
	for z := 0; z < cfg.Window[2]; z++ {
		for y := 0; y < cfg.Window[1]; y++ {
			for x := 0; x < cfg.Window[0]; x++ {
				w[idx] = axes[0][x] * axes[1][y] * axes[2][z]
				idx++
			}
		}
	}
	return w
}

func accumulate(acc, wsum []float64, shape [3]int, start [3]int, p *nn.ClassProbs, weights []float64, window [3]int) {
	nvox := shape[0] * shape[1] * shape[2]
	wvox := window[0] * window[1] * window[2]
	for z := 0; z < window[2]; z++ {
		for y := 0; y < window[1]; y++ {
			srcRow := (z*window[1] + y) * window[0]
			dstRow := ((start[2]+z)*shape[1]+start[1]+y)*shape[0] + start[0]
			for x := 0; x < window[0]; x++ {
				w := weights[srcRow+x]
				wsum[dstRow+x] += w
				for c := 0; c < p.Classes; c++ {
					acc[c*nvox+dstRow+x] += w * float64(p.Data[c*wvox+srcRow+x])
				}
			}
		}
	}
}

func padToWindow(v *volume.Volume, window [3]int) (*volume.Volume, [3]int) {
	var target, offset [3]int
	need := false
	for i := 0; i < 3; i++ {
		target[i] = v.Shape[i]
		if target[i] < window[i] {
			target[i] = window[i]
			need = true
		}
		offset[i] = (target[i] - v.Shape[i]) / 2
	}
	if !need {
		return v, [3]int{}
	}

	out := volume.New(target)
	out.Spacing = v.Spacing
	out.Affine = v.Affine
	for z := 0; z < v.Shape[2]; z++ {
		for y := 0; y < v.Shape[1]; y++ {
			for x := 0; x < v.Shape[0]; x++ {
				out.Set(offset[0]+x, offset[1]+y, offset[2]+z, v.At(x, y, z))
			}
		}
	}
	return out, offset
}

func cropVolume(v *volume.Volume, start, size [3]int) *volume.Volume {
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

func cropProbs(p *nn.ClassProbs, offset [3]int, shape [3]int) *nn.ClassProbs {
	srcN := p.NumVoxels()
	dstN := shape[0] * shape[1] * shape[2]
	out := &nn.ClassProbs{
		Classes: p.Classes,
		Shape:   shape,
		Data:    make([]float32, p.Classes*dstN),
	}
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			srcRow := ((offset[2]+z)*p.Shape[1]+offset[1]+y)*p.Shape[0] + offset[0]
			dstRow := (z*shape[1] + y) * shape[0]
			for x := 0; x < shape[0]; x++ {
				for c := 0; c < p.Classes; c++ {
					out.Data[c*dstN+dstRow+x] = p.Data[c*srcN+srcRow+x]
				}
			}
		}
	}
	return out
}
