package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTestVolume(shape [3]int) *Volume {
	v := New(shape)
	for i := range v.Data {
		v.Data[i] = float32(i%97) - 48
	}
	v.Spacing = [3]float64{1.5, 1.5, 2.0}
	v.Affine[0][0] = 1.5
	v.Affine[1][1] = 1.5
	v.Affine[2][2] = 2.0
	v.Affine[0][3] = -90
	return v
}

func TestRoundTripFloat32(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"vol.nii", "vol.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			orig := makeTestVolume([3]int{7, 5, 3})
			path := filepath.Join(dir, name)
			require.NoError(t, Save(path, orig, Float32))

			got, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, orig.Shape, got.Shape)
			assert.Equal(t, orig.Data, got.Data)
			assert.Equal(t, orig.Affine, got.Affine)
			assert.InDelta(t, 1.5, got.Spacing[0], 1e-6)
			assert.InDelta(t, 2.0, got.Spacing[2], 1e-6)
		})
	}
}

func TestRoundTripLabelDtypes(t *testing.T) {
	dir := t.TempDir()

	labels := New([3]int{4, 4, 4})
	for i := range labels.Data {
		labels.Data[i] = float32(i % 3)
	}

	for _, tt := range []struct {
		name  string
		dtype DType
	}{
		{"int16", Int16},
		{"uint8", Uint8},
	} {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "lbl_"+tt.name+".nii.gz")
			require.NoError(t, Save(path, labels, tt.dtype))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, labels.Data, got.Data)
		})
	}
}

func TestGzipSniffingIgnoresExtension(t *testing.T) {
	// A gzipped volume saved under a plain .nii name must still load; the
	// reader sniffs the gzip magic bytes rather than trusting the name.
	dir := t.TempDir()
	orig := makeTestVolume([3]int{3, 3, 3})

	gzPath := filepath.Join(dir, "real.nii.gz")
	require.NoError(t, Save(gzPath, orig, Float32))

	misnamed := filepath.Join(dir, "misnamed.nii")
	data, err := os.ReadFile(gzPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(misnamed, data, 0o644))

	got, err := Load(misnamed)
	require.NoError(t, err)
	assert.Equal(t, orig.Data, got.Data)
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk.nii")
	require.NoError(t, os.WriteFile(path, make([]byte, 512), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestPredictionName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"case_01.nii.gz", "case_01_pred.nii.gz"},
		{"case_01.nii", "case_01_pred.nii.gz"},
		{"case_01", "case_01_pred.nii.gz"},
		{"a.b.nii.gz", "a.b_pred.nii.gz"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PredictionName(tt.in), "input %q", tt.in)
	}
}

func TestVolumeAccessors(t *testing.T) {
	v := New([3]int{2, 3, 4})
	v.Set(1, 2, 3, 42)
	assert.Equal(t, float32(42), v.At(1, 2, 3))
	assert.Equal(t, 24, v.NumVoxels())

	c := v.Clone()
	c.Set(0, 0, 0, 7)
	assert.Equal(t, float32(0), v.At(0, 0, 0))
	assert.True(t, v.SameGrid(c))
	assert.NoError(t, v.Validate())

	v.Data = v.Data[:5]
	assert.Error(t, v.Validate())
}
