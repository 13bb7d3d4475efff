// Command preprocess converts a raw dataset archive into a training-ready
// archive: volumes resampled to a common spacing, image intensities
// normalized, and a held-out test split written alongside the training data.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	arg "github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"

	"github.com/voxelmed/segvol/archive"
	"github.com/voxelmed/segvol/dataset"
	"github.com/voxelmed/segvol/transform"
	"github.com/voxelmed/segvol/viz"
	"github.com/voxelmed/segvol/volume"
)

type args struct {
	Dataset   string  `arg:"positional,required" help:"raw dataset archive (zip, tar or tar.gz)"`
	Out       string  `arg:"--out" default:"processed_data" help:"output directory"`
	TestSplit float64 `arg:"--test_split" default:"0.1" help:"held-out test fraction"`
	Seed      int64   `arg:"--seed" default:"42" help:"partitioning seed"`
	SpacingX  float64 `arg:"--spacing_x" default:"1.5" help:"target voxel spacing, X (mm)"`
	SpacingY  float64 `arg:"--spacing_y" default:"1.5" help:"target voxel spacing, Y (mm)"`
	SpacingZ  float64 `arg:"--spacing_z" default:"2.0" help:"target voxel spacing, Z (mm)"`
	Versions  string  `arg:"--dataset_version" default:"dataset://task03_liver/version1" help:"provenance tag for the metadata sidecar"`
}

func (args) Description() string {
	return "Resample and normalize a raw segmentation dataset for training."
}

// visualizeLimit caps how many converted samples get a PNG spot check.
const visualizeLimit = 5

func processSplit(log *logrus.Logger, samples []dataset.Sample, outDir, subdir string, spacing [3]float64, visualize bool) error {
	imagesDir := filepath.Join(outDir, subdir)
	labelsDir := filepath.Join(outDir, strings.Replace(subdir, "images", "labels", 1))
	for _, dir := range []string{imagesDir, labelsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	window := transform.DefaultIntensityWindow()
	for i, sample := range samples {
		img, lbl, err := sample.Load()
		if err != nil {
			return err
		}

		img, err = transform.Resample(img, spacing, transform.Trilinear)
		if err != nil {
			return err
		}
		img, err = window.Apply(img)
		if err != nil {
			return err
		}
		lbl, err = transform.Resample(lbl, spacing, transform.Nearest)
		if err != nil {
			return err
		}

		name := filepath.Base(sample.Image)
		if err := volume.Save(filepath.Join(imagesDir, name), img, volume.Float32); err != nil {
			return err
		}
		if err := volume.Save(filepath.Join(labelsDir, filepath.Base(sample.Label)), lbl, volume.Int16); err != nil {
			return err
		}

		stats := transform.Summarize(img)
		log.WithFields(logrus.Fields{
			"sample": name,
			"mean":   stats.Mean,
			"std":    stats.StdDev,
			"min":    stats.Min,
			"max":    stats.Max,
		}).Info("sample converted")

		if visualize && i < visualizeLimit {
			png := filepath.Join(outDir, fmt.Sprintf("sample_%d.png", i))
			if err := viz.WriteSample(png, img, lbl); err != nil {
				log.WithError(err).WithField("sample", name).Warn("visualization failed")
			}
		}
	}
	log.WithFields(logrus.Fields{"count": len(samples), "dir": imagesDir}).Info("split written")
	return nil
}

func run(log *logrus.Logger) error {
	var a args
	arg.MustParse(&a)

	extractDir, err := os.MkdirTemp("", "segvol-preprocess-*")
	if err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer os.RemoveAll(extractDir)

	format, err := archive.Detect(a.Dataset)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"archive": a.Dataset, "format": format.String()}).Info("extracting dataset")
	if err := archive.Extract(a.Dataset, extractDir); err != nil {
		return err
	}

	imagesDir, err := archive.FindDir(extractDir, "imagesTr")
	if err != nil {
		return err
	}
	labelsDir, err := archive.FindDir(extractDir, "labelsTr")
	if err != nil {
		return err
	}

	samples, err := dataset.FindPairs(imagesDir, labelsDir)
	if err != nil {
		return err
	}
	trainSet, testSet, err := dataset.Partition(samples, a.TestSplit, a.Seed)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"train": len(trainSet), "test": len(testSet)}).Info("dataset partitioned")

	if err := os.MkdirAll(a.Out, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	spacing := [3]float64{a.SpacingX, a.SpacingY, a.SpacingZ}
	if err := processSplit(log, trainSet, a.Out, "imagesTr", spacing, true); err != nil {
		return err
	}
	if err := processSplit(log, testSet, a.Out, "imagesTs", spacing, false); err != nil {
		return err
	}

	zipPath := a.Out + ".zip"
	if err := archive.PackZip(a.Out, zipPath); err != nil {
		return err
	}

	sidecar := filepath.Join(filepath.Dir(zipPath), "metadata.jsonl")
	records := []archive.FileMetadata{{
		File: filepath.Base(zipPath),
		Metadata: map[string]interface{}{
			"dataset-versions": []string{a.Versions},
		},
	}}
	if err := archive.WriteMetadataJSONL(sidecar, records); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{"archive": zipPath, "metadata": sidecar}).Info("preprocessing complete")
	return nil
}

func main() {
	log := logrus.New()
	if err := run(log); err != nil {
		log.Fatal(err)
	}
}
