// Package volume provides the in-memory representation of volumetric medical
// images: a 3D voxel grid plus the affine transform describing its physical
// orientation, with a reader/writer for the NIfTI-1 file format.
package volume

import (
	"fmt"
)

// DType identifies the on-disk element type of a volume.
type DType int

const (
	Float32 DType = iota
	Int16
	Uint8
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int16:
		return "Int16"
	case Uint8:
		return "Uint8"
	default:
		return "Unknown"
	}
}

// Volume is a 3D voxel grid with spatial metadata. Data is stored X-fastest
// (NIfTI order): Data[x + y*Shape[0] + z*Shape[0]*Shape[1]]. Volumes are
// treated as immutable once loaded; operations that change voxels return a
// new Volume.
type Volume struct {
	Data   []float32
	Shape  [3]int
	Affine [4][4]float64

	// Spacing is the voxel size along each axis in millimeters.
	Spacing [3]float64

	// SourcePath identifies where the volume was loaded from, if anywhere.
	SourcePath string
}

// New allocates a zero-filled volume with the given shape, unit spacing and
// an identity affine.
func New(shape [3]int) *Volume {
	return &Volume{
		Data:    make([]float32, shape[0]*shape[1]*shape[2]),
		Shape:   shape,
		Affine:  IdentityAffine(),
		Spacing: [3]float64{1, 1, 1},
	}
}

// IdentityAffine returns a 4x4 identity transform.
func IdentityAffine() [4][4]float64 {
	var a [4][4]float64
	for i := 0; i < 4; i++ {
		a[i][i] = 1
	}
	return a
}

// NumVoxels returns the total number of voxels.
func (v *Volume) NumVoxels() int {
	return v.Shape[0] * v.Shape[1] * v.Shape[2]
}

// At returns the voxel value at (x, y, z). Callers are responsible for
// bounds; out-of-range indices panic as with any slice access.
func (v *Volume) At(x, y, z int) float32 {
	return v.Data[x+y*v.Shape[0]+z*v.Shape[0]*v.Shape[1]]
}

// Set writes the voxel value at (x, y, z).
func (v *Volume) Set(x, y, z int, val float32) {
	v.Data[x+y*v.Shape[0]+z*v.Shape[0]*v.Shape[1]] = val
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := &Volume{
		Data:       make([]float32, len(v.Data)),
		Shape:      v.Shape,
		Affine:     v.Affine,
		Spacing:    v.Spacing,
		SourcePath: v.SourcePath,
	}
	copy(out.Data, v.Data)
	return out
}

// SameGrid reports whether two volumes share the same spatial grid.
func (v *Volume) SameGrid(other *Volume) bool {
	return v.Shape == other.Shape
}

// Validate checks internal consistency between Shape and Data length.
func (v *Volume) Validate() error {
	if v.Shape[0] <= 0 || v.Shape[1] <= 0 || v.Shape[2] <= 0 {
		return fmt.Errorf("invalid volume shape %v", v.Shape)
	}
	if len(v.Data) != v.NumVoxels() {
		return fmt.Errorf("volume data length %d does not match shape %v (%d voxels)",
			len(v.Data), v.Shape, v.NumVoxels())
	}
	return nil
}
