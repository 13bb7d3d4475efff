package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelmed/segvol/volume"
)

func labelVolume(vals ...float32) *volume.Volume {
	v := volume.New([3]int{len(vals), 1, 1})
	copy(v.Data, vals)
	return v
}

func TestDicePerfectOverlap(t *testing.T) {
	acc := NewAccumulator(Dice, 3)
	truth := labelVolume(0, 1, 1, 2, 2, 0)
	require.NoError(t, acc.Update(truth.Clone(), truth))
	assert.InDelta(t, 1.0, acc.Aggregate(), 1e-9)
}

func TestDiceExcludesBackground(t *testing.T) {
	// Prediction gets all background right and all foreground wrong. A
	// background-inclusive Dice would be pulled up; excluding it the score
	// must be 0.
	acc := NewAccumulator(Dice, 2)
	truth := labelVolume(0, 0, 0, 0, 1, 1)
	pred := labelVolume(0, 0, 0, 0, 0, 0)
	require.NoError(t, acc.Update(pred, truth))
	assert.InDelta(t, 0.0, acc.Aggregate(), 1e-9)
}

func TestDicePartialOverlap(t *testing.T) {
	// |pred ∩ truth| = 1 for class 1; |pred| = 2, |truth| = 2.
	acc := NewAccumulator(Dice, 2)
	truth := labelVolume(1, 1, 0, 0)
	pred := labelVolume(1, 0, 1, 0)
	require.NoError(t, acc.Update(pred, truth))
	assert.InDelta(t, 0.5, acc.Aggregate(), 1e-9)
}

func TestMeanIoU(t *testing.T) {
	// Intersection 1, union 3 for class 1.
	acc := NewAccumulator(MeanIoU, 2)
	truth := labelVolume(1, 1, 0, 0)
	pred := labelVolume(1, 0, 1, 0)
	require.NoError(t, acc.Update(pred, truth))
	assert.InDelta(t, 1.0/3.0, acc.Aggregate(), 1e-9)
}

func TestAggregateAveragesAcrossSamples(t *testing.T) {
	acc := NewAccumulator(Dice, 2)

	truth := labelVolume(1, 1, 0, 0)
	require.NoError(t, acc.Update(truth.Clone(), truth)) // 1.0
	pred := labelVolume(1, 0, 1, 0)
	require.NoError(t, acc.Update(pred, truth)) // 0.5

	assert.Equal(t, 2, acc.Count())
	assert.InDelta(t, 0.75, acc.Aggregate(), 1e-9)

	acc.Reset()
	assert.Equal(t, 0, acc.Count())
	assert.True(t, math.IsNaN(acc.Aggregate()))
}

func TestUpdateSkipsAbsentClasses(t *testing.T) {
	// Class 2 appears in neither volume; its undefined score must not drag
	// the sample mean down.
	acc := NewAccumulator(Dice, 3)
	truth := labelVolume(1, 1, 0, 0)
	require.NoError(t, acc.Update(truth.Clone(), truth))
	assert.InDelta(t, 1.0, acc.Aggregate(), 1e-9)
}

func TestUpdateRejectsShapeMismatch(t *testing.T) {
	acc := NewAccumulator(Dice, 2)
	assert.Error(t, acc.Update(labelVolume(0, 1), labelVolume(0, 1, 1)))
}
