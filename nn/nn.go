// Package nn provides the model capability interfaces the pipeline is built
// against, plus a concrete fully-convolutional residual 3D segmentation
// network with its own optimizer. The rest of the pipeline depends only on
// the interfaces, never on the concrete network.
package nn

import (
	"context"

	"github.com/voxelmed/segvol/volume"
)

// ClassProbs holds voxelwise class probabilities for one crop. Data is
// class-major: Data[c*NumVoxels + i] is the probability of class c at
// voxel i (volume.Volume index order).
type ClassProbs struct {
	Classes int
	Shape   [3]int
	Data    []float32
}

// NumVoxels returns the spatial voxel count of the crop.
func (p *ClassProbs) NumVoxels() int {
	return p.Shape[0] * p.Shape[1] * p.Shape[2]
}

// ArgMax discretizes the probabilities into a label volume.
func (p *ClassProbs) ArgMax() *volume.Volume {
	n := p.NumVoxels()
	out := volume.New(p.Shape)
	for i := 0; i < n; i++ {
		best := 0
		bestVal := p.Data[i]
		for c := 1; c < p.Classes; c++ {
			if v := p.Data[c*n+i]; v > bestVal {
				best = c
				bestVal = v
			}
		}
		out.Data[i] = float32(best)
	}
	return out
}

// Inferer applies a model as a pure function to fixed-size crops. Windowed
// inference and the inference driver depend on this capability, not on any
// concrete network.
type Inferer interface {
	// Classes returns the number of output classes, background included.
	Classes() int

	// InferBatch runs a forward pass over a batch of equally-sized crops
	// and returns per-crop class probabilities.
	InferBatch(ctx context.Context, crops []*volume.Volume) ([]*ClassProbs, error)
}

// Trainable extends Inferer with the operations the training loop needs.
type Trainable interface {
	Inferer

	// TrainBatch runs forward, loss, backward and one optimizer step over
	// a batch of patch/label pairs, returning the scalar batch loss.
	TrainBatch(images, labels []*volume.Volume) (float64, error)

	// SetTraining toggles between training and inference behavior.
	SetTraining(train bool)

	// Snapshot copies the current model state for checkpointing.
	Snapshot() *Snapshot
}

// Weight is one named parameter tensor of a model state.
type Weight struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Snapshot is a full copy of a model's learnable parameters together with
// the architecture configuration that produced them.
type Snapshot struct {
	Config  Config   `json:"config"`
	Weights []Weight `json:"weights"`
}
