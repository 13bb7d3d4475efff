package train

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/voxelmed/segvol/checkpoints"
	"github.com/voxelmed/segvol/nn"
)

// CheckpointAlias tags the persisted best checkpoint for the execution
// platform.
const CheckpointAlias = "latest-model"

// Selector tracks the best validation Dice seen in a run and persists the
// model state that produced it. At most one checkpoint file is retained: a
// new best overwrites the previous one, while the in-memory best score and
// epoch survive for reporting.
type Selector struct {
	saver     *checkpoints.Saver
	path      string
	bestScore float64
	bestEpoch int
}

// NewSelector creates a selector persisting to dir/model.ckpt. The best
// score starts at -1, below any valid Dice, so the first completed
// validation pass always produces a checkpoint.
func NewSelector(dir string) *Selector {
	return &Selector{
		saver:     checkpoints.NewSaver(),
		path:      filepath.Join(dir, "model.ckpt"),
		bestScore: -1,
		bestEpoch: -1,
	}
}

// Path returns the checkpoint file location.
func (s *Selector) Path() string { return s.path }

// BestScore returns the highest validation Dice seen so far.
func (s *Selector) BestScore() float64 { return s.bestScore }

// BestEpoch returns the 1-indexed epoch that produced the best score, or -1
// before the first completed validation pass.
func (s *Selector) BestEpoch() int { return s.bestEpoch }

// Consider compares an epoch's validation Dice against the best so far.
// Strictly greater wins; ties keep the earlier epoch, and a NaN score (a
// validation pass where no sample was scoreable) is declined. On a new best
// the snapshot is taken and persisted before the in-memory best state is
// updated, so an interrupted save never leaves the selector claiming a
// checkpoint that was not written.
func (s *Selector) Consider(epoch int, dice float64, snapshot func() *nn.Snapshot) (bool, error) {
	if math.IsNaN(dice) || dice <= s.bestScore {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	ckpt := &checkpoints.Checkpoint{
		Snapshot:  snapshot(),
		Epoch:     epoch,
		DiceScore: dice,
	}
	if err := s.saver.Save(ckpt, s.path); err != nil {
		return false, err
	}
	if err := checkpoints.WriteAliasSidecar(s.path, CheckpointAlias); err != nil {
		return false, err
	}

	s.bestScore = dice
	s.bestEpoch = epoch
	return true, nil
}
