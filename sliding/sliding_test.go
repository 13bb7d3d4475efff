package sliding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelmed/segvol/nn"
	"github.com/voxelmed/segvol/volume"
)

// thresholdModel is a stateless fake: each voxel above the threshold gets
// probability 1 for class 1, everything else class 0.
type thresholdModel struct {
	threshold float32
}

func (m *thresholdModel) Classes() int { return 2 }

func (m *thresholdModel) InferBatch(_ context.Context, crops []*volume.Volume) ([]*nn.ClassProbs, error) {
	out := make([]*nn.ClassProbs, len(crops))
	for i, crop := range crops {
		n := crop.NumVoxels()
		p := &nn.ClassProbs{Classes: 2, Shape: crop.Shape, Data: make([]float32, 2*n)}
		for j, v := range crop.Data {
			if v > m.threshold {
				p.Data[n+j] = 1
			} else {
				p.Data[j] = 1
			}
		}
		out[i] = p
	}
	return out, nil
}

func testConfig(window [3]int) Config {
	cfg := DefaultConfig()
	cfg.Window = window
	return cfg
}

func TestOutputShapeMatchesInput(t *testing.T) {
	model := &thresholdModel{threshold: 0.5}
	shapes := [][3]int{
		{4, 4, 4},   // smaller than the window on every axis
		{8, 8, 8},   // exactly the window
		{20, 9, 13}, // larger and not stride-aligned
		{3, 17, 8},  // mixed smaller/larger
	}
	for _, shape := range shapes {
		vol := volume.New(shape)
		probs, err := Infer(context.Background(), vol, model, testConfig([3]int{8, 8, 8}))
		require.NoError(t, err)
		assert.Equal(t, shape, probs.Shape, "shape %v", shape)
	}
}

func TestUniformInputHasNoSeams(t *testing.T) {
	// With a constant input every window predicts the same distribution, so
	// the blended output must be that distribution everywhere, regardless
	// of how windows overlap.
	model := &thresholdModel{threshold: 0.5}
	vol := volume.New([3]int{21, 14, 10})
	for i := range vol.Data {
		vol.Data[i] = 1
	}

	probs, err := Infer(context.Background(), vol, model, testConfig([3]int{8, 8, 8}))
	require.NoError(t, err)

	n := probs.NumVoxels()
	for i := 0; i < n; i++ {
		assert.InDelta(t, 0, probs.Data[i], 1e-6)
		assert.InDelta(t, 1, probs.Data[n+i], 1e-6)
	}
}

func TestPredictRecoversVoxelwiseStructure(t *testing.T) {
	model := &thresholdModel{threshold: 0.5}
	vol := volume.New([3]int{12, 12, 12})
	// A bright box in one corner.
	for z := 0; z < 5; z++ {
		for y := 0; y < 5; y++ {
			for x := 0; x < 5; x++ {
				vol.Set(x, y, z, 1)
			}
		}
	}

	pred, err := Predict(context.Background(), vol, model, testConfig([3]int{8, 8, 8}))
	require.NoError(t, err)
	require.Equal(t, vol.Shape, pred.Shape)

	for z := 0; z < 12; z++ {
		for y := 0; y < 12; y++ {
			for x := 0; x < 12; x++ {
				want := float32(0)
				if x < 5 && y < 5 && z < 5 {
					want = 1
				}
				assert.Equal(t, want, pred.At(x, y, z), "voxel (%d,%d,%d)", x, y, z)
			}
		}
	}
}

func TestWindowStartsAreGapless(t *testing.T) {
	starts := windowStarts([3]int{20, 8, 11}, [3]int{8, 8, 8}, 0.25)

	covered := make(map[[3]int]bool)
	for _, s := range starts {
		for z := s[2]; z < s[2]+8; z++ {
			for y := s[1]; y < s[1]+8; y++ {
				for x := s[0]; x < s[0]+8; x++ {
					covered[[3]int{x, y, z}] = true
				}
			}
		}
		assert.LessOrEqual(t, s[0]+8, 20)
		assert.LessOrEqual(t, s[1]+8, 8)
		assert.LessOrEqual(t, s[2]+8, 11)
	}
	assert.Len(t, covered, 20*8*11, "every voxel must be covered by at least one window")
}

func TestInferValidatesConfig(t *testing.T) {
	model := &thresholdModel{}
	vol := volume.New([3]int{4, 4, 4})

	cfg := testConfig([3]int{0, 8, 8})
	_, err := Infer(context.Background(), vol, model, cfg)
	assert.Error(t, err)

	cfg = testConfig([3]int{8, 8, 8})
	cfg.Overlap = 1
	_, err = Infer(context.Background(), vol, model, cfg)
	assert.Error(t, err)
}

func TestGaussianImportancePeaksAtCenter(t *testing.T) {
	cfg := testConfig([3]int{5, 5, 5})
	w := importanceMap(cfg)

	center := (2*5+2)*5 + 2
	for i, v := range w {
		assert.GreaterOrEqual(t, w[center], v, "center weight must dominate index %d", i)
		assert.Greater(t, v, 0.0)
	}
}
