// Command train runs a full training pass over a processed dataset archive
// and retains the checkpoint with the best validation Dice.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	arg "github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/voxelmed/segvol/archive"
	"github.com/voxelmed/segvol/dataset"
	"github.com/voxelmed/segvol/nn"
	"github.com/voxelmed/segvol/train"
	"github.com/voxelmed/segvol/viz"
	"github.com/voxelmed/segvol/volume"
)

type args struct {
	Data        string          `arg:"positional,required" help:"processed dataset: zip archive or extracted directory"`
	Config      string          `arg:"--config" help:"YAML file with hyperparameters; flags override it"`
	BatchSize   *int            `arg:"--batch_size" help:"training batch size (default 2)"`
	Epochs      *int            `arg:"--epochs" help:"number of epochs (default 10)"`
	LR          *float64        `arg:"--lr" help:"learning rate (default 1e-4)"`
	Ckpt        *string         `arg:"--ckpt" help:"checkpoint directory (default checkpoints)"`
	InChannels  *int            `arg:"--in_channels" help:"input channels (default 1)"`
	OutChannels *int            `arg:"--out_channels" help:"output classes incl. background (default 3)"`
	NumResUnits *int            `arg:"--num_res_units" help:"residual units per stage (default 2)"`
	Channels    *nn.ChannelList `arg:"--channels" help:"comma-separated stage widths (default 16,32,64)"`
	ValSplit    *float64        `arg:"--val_split" help:"validation fraction of the training set (default 0.2)"`
	Seed        *int64          `arg:"--seed" help:"random seed (default 42)"`
	Workers     *int            `arg:"--workers" help:"data loading workers (default 4)"`
}

func (args) Description() string {
	return "Train a volumetric segmentation model and keep the best checkpoint."
}

// hyperparams is the resolved configuration: built-in defaults, overlaid by
// the optional YAML config file, overlaid by explicit flags.
type hyperparams struct {
	BatchSize   int            `yaml:"batch_size"`
	Epochs      int            `yaml:"epochs"`
	LR          float64        `yaml:"lr"`
	Ckpt        string         `yaml:"ckpt"`
	InChannels  int            `yaml:"in_channels"`
	OutChannels int            `yaml:"out_channels"`
	NumResUnits int            `yaml:"num_res_units"`
	Channels    nn.ChannelList `yaml:"channels"`
	ValSplit    float64        `yaml:"val_split"`
	Seed        int64          `yaml:"seed"`
	Workers     int            `yaml:"workers"`
}

func defaultHyperparams() hyperparams {
	return hyperparams{
		BatchSize:   2,
		Epochs:      10,
		LR:          1e-4,
		Ckpt:        "checkpoints",
		InChannels:  1,
		OutChannels: 3,
		NumResUnits: 2,
		Channels:    nn.ChannelList{16, 32, 64},
		ValSplit:    0.2,
		Seed:        42,
		Workers:     4,
	}
}

func resolve(a args) (hyperparams, error) {
	hp := defaultHyperparams()
	if a.Config != "" {
		raw, err := os.ReadFile(a.Config)
		if err != nil {
			return hp, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &hp); err != nil {
			return hp, fmt.Errorf("failed to parse config file %s: %w", a.Config, err)
		}
	}
	if a.BatchSize != nil {
		hp.BatchSize = *a.BatchSize
	}
	if a.Epochs != nil {
		hp.Epochs = *a.Epochs
	}
	if a.LR != nil {
		hp.LR = *a.LR
	}
	if a.Ckpt != nil {
		hp.Ckpt = *a.Ckpt
	}
	if a.InChannels != nil {
		hp.InChannels = *a.InChannels
	}
	if a.OutChannels != nil {
		hp.OutChannels = *a.OutChannels
	}
	if a.NumResUnits != nil {
		hp.NumResUnits = *a.NumResUnits
	}
	if a.Channels != nil {
		hp.Channels = *a.Channels
	}
	if a.ValSplit != nil {
		hp.ValSplit = *a.ValSplit
	}
	if a.Seed != nil {
		hp.Seed = *a.Seed
	}
	if a.Workers != nil {
		hp.Workers = *a.Workers
	}
	return hp, nil
}

// dataRoot returns a directory holding imagesTr/labelsTr, extracting the
// archive first when the input is not already a directory.
func dataRoot(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat dataset %s: %w", path, err)
	}
	if info.IsDir() {
		return path, nil
	}
	dest, err := os.MkdirTemp("", "segvol-train-*")
	if err != nil {
		return "", fmt.Errorf("failed to create extraction directory: %w", err)
	}
	if err := archive.Extract(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func run(log *logrus.Logger) error {
	var a args
	arg.MustParse(&a)

	hp, err := resolve(a)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root, err := dataRoot(a.Data)
	if err != nil {
		return err
	}
	imagesDir, err := archive.FindDir(root, "imagesTr")
	if err != nil {
		return err
	}
	labelsDir, err := archive.FindDir(root, "labelsTr")
	if err != nil {
		return err
	}

	samples, err := dataset.FindPairs(imagesDir, labelsDir)
	if err != nil {
		return err
	}
	trainSet, valSet, err := dataset.Partition(samples, hp.ValSplit, hp.Seed)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"train": len(trainSet),
		"val":   len(valSet),
	}).Info("dataset partitioned")

	netCfg := nn.Config{
		InChannels:  hp.InChannels,
		OutChannels: hp.OutChannels,
		Channels:    []int(hp.Channels),
		NumResUnits: hp.NumResUnits,
	}
	optCfg := nn.DefaultAdamConfig()
	optCfg.LearningRate = float32(hp.LR)
	model, err := nn.NewNetwork(netCfg, optCfg, hp.Seed)
	if err != nil {
		return err
	}

	loader := dataset.NewLoader(trainSet, dataset.LoaderConfig{
		BatchSize: hp.BatchSize,
		Workers:   hp.Workers,
		Augment:   true,
		Seed:      hp.Seed,
		Sampler:   dataset.DefaultPatchSampler(),
	})

	cfg := train.DefaultConfig()
	cfg.Epochs = hp.Epochs
	cfg.CheckpointDir = hp.Ckpt
	cfg.ShowProgress = true
	cfg.VizHook = func(epoch int, img, truth, pred *volume.Volume) error {
		name := filepath.Join(hp.Ckpt, fmt.Sprintf("validation_epoch_%03d.png", epoch))
		return viz.WriteComparison(name, img, truth, pred)
	}

	sess, err := train.NewSession(model, loader, valSet, cfg, log)
	if err != nil {
		return err
	}
	return sess.Run(ctx)
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)

	if err := run(log); err != nil {
		log.Fatal(err)
	}
}
