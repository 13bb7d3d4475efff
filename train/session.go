// Package train drives the training loop: epoch iteration, periodic
// validation with sliding-window inference, metric aggregation, and
// best-checkpoint selection.
package train

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/voxelmed/segvol/dataset"
	"github.com/voxelmed/segvol/metrics"
	"github.com/voxelmed/segvol/nn"
	"github.com/voxelmed/segvol/segerr"
	"github.com/voxelmed/segvol/sliding"
	"github.com/voxelmed/segvol/volume"
)

// Config controls one training run.
type Config struct {
	// Epochs is the total number of training epochs.
	Epochs int

	// ValInterval runs a validation pass every K epochs.
	ValInterval int

	// CheckpointDir receives the best checkpoint and its sidecar.
	CheckpointDir string

	// Window configures sliding-window inference during validation.
	Window sliding.Config

	// ShowProgress renders a per-batch progress bar on stdout.
	ShowProgress bool

	// VizHook, when set, is called with the first validation sample of
	// each pass so drivers can emit a slice visualization. Errors from the
	// hook are logged, not fatal: a failed plot must not discard an
	// otherwise complete validation pass.
	VizHook func(epoch int, img, truth, pred *volume.Volume) error
}

// DefaultConfig returns the training defaults: validation every 5 epochs.
func DefaultConfig() Config {
	return Config{
		Epochs:        10,
		ValInterval:   5,
		CheckpointDir: "checkpoints",
		Window:        sliding.DefaultConfig(),
	}
}

// Session owns the mutable state of one training run: the model, the epoch
// counter, running loss history and the best-score tracking. A Session is
// used for exactly one call to Run.
type Session struct {
	cfg      Config
	model    nn.Trainable
	loader   *dataset.Loader
	valSet   []dataset.Sample
	selector *Selector
	log      *logrus.Logger

	epochLosses []float64
	diceValues  []float64
}

// NewSession assembles a training session. The logger must not be nil.
func NewSession(model nn.Trainable, loader *dataset.Loader, valSet []dataset.Sample, cfg Config, log *logrus.Logger) (*Session, error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.ValInterval <= 0 {
		cfg.ValInterval = 5
	}
	if len(valSet) == 0 {
		return nil, segerr.Inputf("validation set is empty")
	}
	return &Session{
		cfg:      cfg,
		model:    model,
		loader:   loader,
		valSet:   valSet,
		selector: NewSelector(cfg.CheckpointDir),
		log:      log,
	}, nil
}

// BestDice returns the best validation Dice observed so far.
func (s *Session) BestDice() float64 { return s.selector.BestScore() }

// BestEpoch returns the epoch that produced the best Dice.
func (s *Session) BestEpoch() int { return s.selector.BestEpoch() }

// EpochLosses returns the mean training loss of each completed epoch.
func (s *Session) EpochLosses() []float64 { return s.epochLosses }

// DiceHistory returns the validation Dice of each completed validation pass.
func (s *Session) DiceHistory() []float64 { return s.diceValues }

// Run executes the full training loop and returns when all epochs are done,
// the context is cancelled, or an unrecoverable error occurs.
func (s *Session) Run(ctx context.Context) error {
	for epoch := 1; epoch <= s.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		epochLoss, err := s.runEpoch(ctx, epoch)
		if err != nil {
			return err
		}
		s.epochLosses = append(s.epochLosses, epochLoss)

		s.log.WithFields(logrus.Fields{
			"epoch":      epoch,
			"loss":       epochLoss,
			"train_dice": 1 - epochLoss,
		}).Info("epoch complete")

		if epoch%s.cfg.ValInterval == 0 {
			if err := s.validate(ctx, epoch); err != nil {
				return err
			}
		}
	}

	s.log.WithFields(logrus.Fields{
		"best_dice_score": s.selector.BestScore(),
		"best_dice_epoch": s.selector.BestEpoch(),
	}).Info("training complete")
	return nil
}

func (s *Session) runEpoch(ctx context.Context, epoch int) (float64, error) {
	s.model.SetTraining(true)

	batches, errc := s.loader.Epoch(ctx, epoch-1)

	var pb *progressBar
	if s.cfg.ShowProgress {
		pb = newProgressBar(fmt.Sprintf("epoch %d", epoch), s.loader.BatchesPerEpoch())
	}

	var lossSum float64
	step := 0
	for batch := range batches {
		images := make([]*volume.Volume, len(batch.Patches))
		labels := make([]*volume.Volume, len(batch.Patches))
		for i, p := range batch.Patches {
			images[i] = p.Image
			labels[i] = p.Label
		}

		loss, err := s.model.TrainBatch(images, labels)
		if err != nil {
			return 0, fmt.Errorf("training step failed at epoch %d, batch %d: %w", epoch, step+1, err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return 0, &segerr.NumericInstabilityError{Epoch: epoch, Batch: step + 1, Loss: loss}
		}

		lossSum += loss
		step++
		if pb != nil {
			pb.update(step, map[string]float64{"loss": loss, "mean": lossSum / float64(step)})
		}
	}
	if pb != nil {
		pb.finish()
	}

	// A worker error surfaces after the batch channel closes.
	select {
	case err := <-errc:
		return 0, fmt.Errorf("data loading failed at epoch %d: %w", epoch, err)
	default:
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if step == 0 {
		return 0, segerr.Inputf("epoch %d produced no batches", epoch)
	}
	return lossSum / float64(step), nil
}

// validate runs sliding-window inference over every validation sample,
// aggregates Dice and mean-IoU excluding background, and hands the Dice
// mean to the checkpoint selector. The selector is only consulted after the
// whole pass succeeds, so an error mid-pass can never move the best
// checkpoint.
func (s *Session) validate(ctx context.Context, epoch int) error {
	s.model.SetTraining(false)
	defer s.model.SetTraining(true)

	dice := metrics.NewAccumulator(metrics.Dice, s.model.Classes())
	meanIoU := metrics.NewAccumulator(metrics.MeanIoU, s.model.Classes())

	for i, sample := range s.valSet {
		img, truth, err := sample.Load()
		if err != nil {
			return fmt.Errorf("failed to load validation sample %s: %w", sample.Image, err)
		}
		pred, err := sliding.Predict(ctx, img, s.model, s.cfg.Window)
		if err != nil {
			return fmt.Errorf("validation inference failed on %s: %w", sample.Image, err)
		}
		if err := dice.Update(pred, truth); err != nil {
			return err
		}
		if err := meanIoU.Update(pred, truth); err != nil {
			return err
		}

		if i == 0 && s.cfg.VizHook != nil {
			if err := s.cfg.VizHook(epoch, img, truth, pred); err != nil {
				s.log.WithError(err).Warn("validation visualization failed")
			}
		}
	}

	diceScore := dice.Aggregate()
	iouScore := meanIoU.Aggregate()
	s.diceValues = append(s.diceValues, diceScore)

	saved, err := s.selector.Consider(epoch, diceScore, s.model.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to persist best checkpoint: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"epoch":            epoch,
		"val_dice":         diceScore,
		"val_mean_iou":     iouScore,
		"best_dice_score":  s.selector.BestScore(),
		"best_dice_epoch":  s.selector.BestEpoch(),
		"checkpoint_saved": saved,
	}).Info("validation complete")
	return nil
}
