package train

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelmed/segvol/checkpoints"
	"github.com/voxelmed/segvol/nn"
)

func testSnapshot() *nn.Snapshot {
	return &nn.Snapshot{
		Config: nn.Config{InChannels: 1, OutChannels: 2, Channels: []int{4}, NumResUnits: 1},
		Weights: []nn.Weight{
			{Name: "head.weight", Shape: []int{2, 4}, Data: make([]float32, 8)},
		},
	}
}

func TestSelectorKeepsHighestScore(t *testing.T) {
	sel := NewSelector(t.TempDir())

	scores := []float64{0.5, 0.7, 0.6, 0.9, 0.8}
	saved := make([]bool, len(scores))
	for i, score := range scores {
		ok, err := sel.Consider(i+1, score, testSnapshot)
		require.NoError(t, err)
		saved[i] = ok
	}

	assert.Equal(t, []bool{true, true, false, true, false}, saved)
	assert.Equal(t, 4, sel.BestEpoch())
	assert.InDelta(t, 0.9, sel.BestScore(), 1e-12)

	ckpt, err := checkpoints.NewSaver().Load(sel.Path())
	require.NoError(t, err)
	assert.Equal(t, 4, ckpt.Epoch)
	assert.InDelta(t, 0.9, ckpt.DiceScore, 1e-12)
}

func TestSelectorTieKeepsEarlierEpoch(t *testing.T) {
	sel := NewSelector(t.TempDir())

	ok, err := sel.Consider(1, 0.7, testSnapshot)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sel.Consider(2, 0.7, testSnapshot)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, sel.BestEpoch())
}

func TestSelectorFirstPassAlwaysSaves(t *testing.T) {
	sel := NewSelector(t.TempDir())

	// Even a zero Dice beats the initial sentinel.
	ok, err := sel.Consider(1, 0, testSnapshot)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, sel.BestEpoch())
}

func TestSelectorDeclinesNaNScore(t *testing.T) {
	sel := NewSelector(t.TempDir())

	ok, err := sel.Consider(1, 0.9, testSnapshot)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = sel.Consider(2, math.NaN(), testSnapshot)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, sel.BestEpoch())
	assert.InDelta(t, 0.9, sel.BestScore(), 1e-12)
}

func TestSelectorNaNBeforeFirstBest(t *testing.T) {
	dir := t.TempDir()
	sel := NewSelector(dir)

	ok, err := sel.Consider(1, math.NaN(), testSnapshot)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, -1, sel.BestEpoch())

	_, err = os.Stat(sel.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestSelectorWritesAliasSidecar(t *testing.T) {
	dir := t.TempDir()
	sel := NewSelector(dir)

	_, err := sel.Consider(1, 0.5, testSnapshot)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "model.ckpt.metadata.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"alias":"latest-model"}`, string(raw))
}

func TestSelectorSingleCheckpointFile(t *testing.T) {
	dir := t.TempDir()
	sel := NewSelector(dir)

	for i, score := range []float64{0.3, 0.6, 0.9} {
		_, err := sel.Consider(i+1, score, testSnapshot)
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"model.ckpt", "model.ckpt.metadata.json"}, names)
}
