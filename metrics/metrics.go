// Package metrics implements the validation metrics: Dice overlap and mean
// Intersection-over-Union between predicted and ground-truth label volumes,
// with the background class excluded from both. Metrics are accumulated per
// sample and aggregated into an epoch mean, then reset for the next pass.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/voxelmed/segvol/segerr"
	"github.com/voxelmed/segvol/volume"
)

// Kind selects which overlap score an Accumulator computes.
type Kind int

const (
	Dice Kind = iota
	MeanIoU
)

func (k Kind) String() string {
	switch k {
	case Dice:
		return "Dice"
	case MeanIoU:
		return "MeanIoU"
	default:
		return "Unknown"
	}
}

// Accumulator collects per-sample overlap scores across a validation pass.
type Accumulator struct {
	kind    Kind
	classes int
	scores  []float64
}

// NewAccumulator creates an accumulator for the given metric over `classes`
// classes including background. Background (class 0) never contributes.
func NewAccumulator(kind Kind, classes int) *Accumulator {
	return &Accumulator{kind: kind, classes: classes}
}

// Update scores one predicted volume against its ground truth and folds the
// result into the running aggregate. Both volumes must hold discrete class
// labels on the same grid.
func (a *Accumulator) Update(pred, truth *volume.Volume) error {
	if !pred.SameGrid(truth) {
		return segerr.Inputf("prediction shape %v differs from ground truth shape %v", pred.Shape, truth.Shape)
	}

	inter := make([]float64, a.classes)
	predSum := make([]float64, a.classes)
	truthSum := make([]float64, a.classes)
	for i := range pred.Data {
		p := int(pred.Data[i])
		g := int(truth.Data[i])
		if p >= 0 && p < a.classes {
			predSum[p]++
			if p == g {
				inter[p]++
			}
		}
		if g >= 0 && g < a.classes {
			truthSum[g]++
		}
	}

	// Per-class score, skipping background and classes absent from both
	// volumes (the score is undefined there, not zero).
	var perClass []float64
	for c := 1; c < a.classes; c++ {
		union := predSum[c] + truthSum[c]
		if union == 0 {
			continue
		}
		switch a.kind {
		case Dice:
			perClass = append(perClass, 2*inter[c]/union)
		case MeanIoU:
			perClass = append(perClass, inter[c]/(union-inter[c]))
		}
	}
	if len(perClass) == 0 {
		return nil
	}
	a.scores = append(a.scores, stat.Mean(perClass, nil))
	return nil
}

// Aggregate returns the mean score across all samples seen since the last
// Reset, or NaN when nothing was scored.
func (a *Accumulator) Aggregate() float64 {
	if len(a.scores) == 0 {
		return math.NaN()
	}
	return stat.Mean(a.scores, nil)
}

// Count returns how many samples contributed to the aggregate.
func (a *Accumulator) Count() int {
	return len(a.scores)
}

// Reset clears the accumulator for the next validation pass.
func (a *Accumulator) Reset() {
	a.scores = a.scores[:0]
}
