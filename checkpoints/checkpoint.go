// Package checkpoints persists model state. A checkpoint is a single
// gzip-compressed JSON blob holding the model snapshot plus the epoch and
// validation score that produced it, accompanied by a small sidecar JSON
// file tagging the artifact for the execution platform.
package checkpoints

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/voxelmed/segvol/nn"
)

// Checkpoint is a persisted model state with its provenance.
type Checkpoint struct {
	Snapshot *nn.Snapshot `json:"snapshot"`

	// Epoch is the 1-indexed epoch whose validation pass produced this
	// state.
	Epoch int `json:"epoch"`

	// DiceScore is the validation Dice mean that made this the best state.
	DiceScore float64 `json:"dice_score"`

	Metadata Metadata `json:"metadata"`
}

// Metadata describes the software that wrote the checkpoint.
type Metadata struct {
	Framework   string    `json:"framework"`
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Saver writes and reads checkpoints.
type Saver struct{}

// NewSaver creates a checkpoint saver.
func NewSaver() *Saver {
	return &Saver{}
}

// Save writes the checkpoint to path, overwriting any previous file. The
// write goes through a temporary file and rename, so a crash mid-save never
// leaves a truncated checkpoint behind.
func (s *Saver) Save(ckpt *Checkpoint, path string) error {
	if ckpt.Metadata.Framework == "" {
		ckpt.Metadata.Framework = "segvol"
		ckpt.Metadata.Version = "1.0.0"
		ckpt.Metadata.CreatedAt = time.Now().UTC()
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}

	gz := gzip.NewWriter(file)
	if err := json.NewEncoder(gz).Encode(ckpt); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := gz.Close(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to finish checkpoint stream: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint from path.
func (s *Saver) Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s is not gzip-compressed: %w", path, err)
	}
	defer gz.Close()

	var ckpt Checkpoint
	if err := json.NewDecoder(gz).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if ckpt.Snapshot == nil {
		return nil, fmt.Errorf("checkpoint %s carries no model snapshot", path)
	}
	return &ckpt, nil
}

// WriteAliasSidecar writes the platform metadata sidecar next to the
// checkpoint: <path>.metadata.json containing {"alias": alias}.
func WriteAliasSidecar(path, alias string) error {
	data, err := json.Marshal(map[string]string{"alias": alias})
	if err != nil {
		return fmt.Errorf("failed to encode sidecar metadata: %w", err)
	}
	if err := os.WriteFile(path+".metadata.json", data, 0o644); err != nil {
		return fmt.Errorf("failed to write sidecar metadata: %w", err)
	}
	return nil
}
