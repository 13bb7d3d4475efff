// Command infer segments a single volume with a trained checkpoint and
// writes the predicted label map next to a PNG of its densest slice.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	arg "github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"

	"github.com/voxelmed/segvol/checkpoints"
	"github.com/voxelmed/segvol/nn"
	"github.com/voxelmed/segvol/sliding"
	"github.com/voxelmed/segvol/transform"
	"github.com/voxelmed/segvol/viz"
	"github.com/voxelmed/segvol/volume"
)

type args struct {
	Model       string          `arg:"positional,required" help:"trained checkpoint file"`
	Image       string          `arg:"positional,required" help:"input volume (.nii or .nii.gz)"`
	Out         string          `arg:"--out" default:"." help:"output directory"`
	InChannels  *int            `arg:"--in_channels" help:"must match the checkpoint when given"`
	OutChannels *int            `arg:"--out_channels" help:"must match the checkpoint when given"`
	NumResUnits *int            `arg:"--num_res_units" help:"must match the checkpoint when given"`
	Channels    *nn.ChannelList `arg:"--channels" help:"must match the checkpoint when given"`
}

func (args) Description() string {
	return "Run sliding-window segmentation inference on one volume."
}

// checkpointConfig rebuilds the architecture from the checkpoint's recorded
// config, rejecting any explicitly-given hyperparameter that disagrees with
// it rather than silently constructing an incompatible network.
func checkpointConfig(recorded nn.Config, a args) (nn.Config, error) {
	requested := recorded
	if a.InChannels != nil {
		requested.InChannels = *a.InChannels
	}
	if a.OutChannels != nil {
		requested.OutChannels = *a.OutChannels
	}
	if a.NumResUnits != nil {
		requested.NumResUnits = *a.NumResUnits
	}
	if a.Channels != nil {
		requested.Channels = []int(*a.Channels)
	}
	if err := recorded.CheckCompatible(requested); err != nil {
		return nn.Config{}, err
	}
	return recorded, nil
}

func run(log *logrus.Logger) error {
	var a args
	arg.MustParse(&a)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ckpt, err := checkpoints.NewSaver().Load(a.Model)
	if err != nil {
		return err
	}
	cfg, err := checkpointConfig(ckpt.Snapshot.Config, a)
	if err != nil {
		return err
	}

	model, err := nn.NewNetwork(cfg, nn.DefaultAdamConfig(), 0)
	if err != nil {
		return err
	}
	if err := model.LoadSnapshot(ckpt.Snapshot); err != nil {
		return err
	}
	model.SetTraining(false)
	log.WithFields(logrus.Fields{
		"checkpoint": a.Model,
		"epoch":      ckpt.Epoch,
		"dice":       ckpt.DiceScore,
	}).Info("checkpoint loaded")

	original, err := volume.Load(a.Image)
	if err != nil {
		return err
	}

	// Inference runs on the training grid; the prediction is mapped back to
	// the input's native geometry before writing.
	sized, err := transform.Resample(original, [3]float64{1.5, 1.5, 2.0}, transform.Trilinear)
	if err != nil {
		return err
	}
	sized, err = transform.DefaultIntensityWindow().Apply(sized)
	if err != nil {
		return err
	}

	pred, err := sliding.Predict(ctx, sized, model, sliding.DefaultConfig())
	if err != nil {
		return err
	}
	pred = transform.Invert(pred, original)

	if err := os.MkdirAll(a.Out, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	predPath := filepath.Join(a.Out, volume.PredictionName(filepath.Base(a.Image)))
	if err := volume.Save(predPath, pred, volume.Uint8); err != nil {
		return err
	}

	pngPath := filepath.Join(a.Out, "sample_inference.png")
	if err := viz.WriteSample(pngPath, original, pred); err != nil {
		log.WithError(err).Warn("visualization failed")
	}

	log.WithFields(logrus.Fields{"prediction": predPath, "png": pngPath}).Info("segmentation written")
	return nil
}

func main() {
	log := logrus.New()
	if err := run(log); err != nil {
		log.Fatal(err)
	}
}
