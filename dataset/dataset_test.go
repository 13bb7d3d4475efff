package dataset

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelmed/segvol/segerr"
	"github.com/voxelmed/segvol/volume"
)

func pathList(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s_%03d.nii.gz", prefix, i)
	}
	return out
}

func TestPairValidation(t *testing.T) {
	_, err := Pair(nil, nil)
	var inputErr *segerr.InputError
	assert.ErrorAs(t, err, &inputErr)

	_, err = Pair(pathList("img", 3), pathList("lbl", 2))
	assert.ErrorAs(t, err, &inputErr)

	samples, err := Pair(pathList("img", 3), pathList("lbl", 3))
	require.NoError(t, err)
	assert.Len(t, samples, 3)
	assert.Equal(t, "img_000.nii.gz", samples[0].Image)
	assert.Equal(t, "lbl_000.nii.gz", samples[0].Label)
}

func TestPartitionCountsAndDisjointness(t *testing.T) {
	samples, err := Pair(pathList("img", 10), pathList("lbl", 10))
	require.NoError(t, err)

	kept, held, err := Partition(samples, 0.2, 42)
	require.NoError(t, err)

	assert.Len(t, held, 2)
	assert.Len(t, kept, 8)

	seen := map[string]bool{}
	for _, s := range append(append([]Sample(nil), kept...), held...) {
		assert.False(t, seen[s.Image], "sample %s appears in both splits", s.Image)
		seen[s.Image] = true
	}
	assert.Len(t, seen, 10)
}

func TestPartitionIsDeterministic(t *testing.T) {
	samples, err := Pair(pathList("img", 20), pathList("lbl", 20))
	require.NoError(t, err)

	kept1, held1, err := Partition(samples, 0.3, 42)
	require.NoError(t, err)
	kept2, held2, err := Partition(samples, 0.3, 42)
	require.NoError(t, err)

	assert.Equal(t, kept1, kept2)
	assert.Equal(t, held1, held2)

	// A different seed must (for this size) give a different shuffle.
	_, held3, err := Partition(samples, 0.3, 7)
	require.NoError(t, err)
	assert.NotEqual(t, held1, held3)
}

func TestPartitionIgnoresInputOrder(t *testing.T) {
	samples, err := Pair(pathList("img", 8), pathList("lbl", 8))
	require.NoError(t, err)

	shuffled := append([]Sample(nil), samples...)
	rand.New(rand.NewSource(99)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	_, held1, err := Partition(samples, 0.25, 42)
	require.NoError(t, err)
	_, held2, err := Partition(shuffled, 0.25, 42)
	require.NoError(t, err)
	assert.Equal(t, held1, held2)
}

func TestPartitionThreeVolumes(t *testing.T) {
	// f=0.33 over three samples holds out exactly one.
	samples, err := Pair(pathList("img", 3), pathList("lbl", 3))
	require.NoError(t, err)

	kept, held, err := Partition(samples, 0.33, 42)
	require.NoError(t, err)
	assert.Len(t, held, 1)
	assert.Len(t, kept, 2)
}

func TestPartitionRejectsBadFraction(t *testing.T) {
	samples, _ := Pair(pathList("img", 4), pathList("lbl", 4))
	for _, f := range []float64{0, 1, -0.5, 1.5} {
		_, _, err := Partition(samples, f, 42)
		assert.Error(t, err, "fraction %v", f)
	}
}

func TestPatchSamplerBalancesForeground(t *testing.T) {
	img := volume.New([3]int{16, 16, 16})
	lbl := volume.New([3]int{16, 16, 16})
	// One small foreground blob in a corner.
	for z := 0; z < 2; z++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				lbl.Set(x, y, z, 1)
			}
		}
	}

	ps := PatchSampler{Size: [3]int{8, 8, 8}, NumSamples: 40, PosNegRatio: 1}
	patches := ps.Sample(img, lbl, rand.New(rand.NewSource(1)))
	require.Len(t, patches, 40)

	withFg := 0
	for _, p := range patches {
		assert.Equal(t, [3]int{8, 8, 8}, p.Image.Shape)
		assert.Equal(t, [3]int{8, 8, 8}, p.Label.Shape)
		for _, v := range p.Label.Data {
			if v > 0 {
				withFg++
				break
			}
		}
	}
	// Roughly half the crops should be centered on foreground; with the blob
	// in a corner a foreground-centered crop always contains it.
	assert.Greater(t, withFg, 10)
}

func TestPatchSamplerPadsSmallVolumes(t *testing.T) {
	img := volume.New([3]int{4, 4, 4})
	lbl := volume.New([3]int{4, 4, 4})
	lbl.Set(1, 1, 1, 2)

	ps := PatchSampler{Size: [3]int{8, 8, 8}, NumSamples: 2, PosNegRatio: 1}
	patches := ps.Sample(img, lbl, rand.New(rand.NewSource(3)))
	for _, p := range patches {
		assert.Equal(t, [3]int{8, 8, 8}, p.Image.Shape)
	}
}
