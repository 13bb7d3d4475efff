// Package dataset handles sample discovery, deterministic train/validation
// partitioning, and patch-based loading for training.
package dataset

import (
	"math"
	"math/rand"
	"path/filepath"
	"sort"

	"github.com/voxelmed/segvol/segerr"
	"github.com/voxelmed/segvol/volume"
)

// Sample pairs one image volume with its label mask. Paths only; voxel data
// is loaded lazily by whoever consumes the sample.
type Sample struct {
	Image string
	Label string
}

// Load reads both volumes of the sample from disk.
func (s Sample) Load() (img, lbl *volume.Volume, err error) {
	img, err = volume.Load(s.Image)
	if err != nil {
		return nil, nil, err
	}
	lbl, err = volume.Load(s.Label)
	if err != nil {
		return nil, nil, err
	}
	return img, lbl, nil
}

// FindPairs discovers image/label volume pairs from parallel directories.
// Both listings are sorted lexicographically before pairing, so the result
// is independent of filesystem enumeration order. Pairing is positional, as
// in the Medical Segmentation Decathlon layout where imagesTr and labelsTr
// carry identical file names.
func FindPairs(imagesDir, labelsDir string) ([]Sample, error) {
	images, err := globVolumes(imagesDir)
	if err != nil {
		return nil, err
	}
	labels, err := globVolumes(labelsDir)
	if err != nil {
		return nil, err
	}
	return Pair(images, labels)
}

func globVolumes(dir string) ([]string, error) {
	var out []string
	for _, pattern := range []string{"*.nii", "*.nii.gz"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return out, nil
}

// Pair zips sorted image and label path lists into samples. Fails with
// InputError when the lists differ in length or are empty.
func Pair(images, labels []string) ([]Sample, error) {
	if len(images) == 0 || len(labels) == 0 {
		return nil, segerr.Inputf("no image or label volumes found (%d images, %d labels)", len(images), len(labels))
	}
	if len(images) != len(labels) {
		return nil, segerr.Inputf("image/label count mismatch: %d images, %d labels", len(images), len(labels))
	}

	images = append([]string(nil), images...)
	labels = append([]string(nil), labels...)
	sort.Strings(images)
	sort.Strings(labels)

	samples := make([]Sample, len(images))
	for i := range images {
		samples[i] = Sample{Image: images[i], Label: labels[i]}
	}
	return samples, nil
}

// Partition deterministically splits samples into a kept and a held-out
// subset. The same seed and sample list always produce the same partition;
// samples are sorted by image path before shuffling so the split does not
// depend on caller ordering. holdout is the held-out fraction in (0, 1).
func Partition(samples []Sample, holdout float64, seed int64) (kept, heldout []Sample, err error) {
	if len(samples) == 0 {
		return nil, nil, segerr.Inputf("cannot partition an empty sample list")
	}
	if holdout <= 0 || holdout >= 1 {
		return nil, nil, segerr.Inputf("holdout fraction must be in (0, 1), got %v", holdout)
	}

	ordered := append([]Sample(nil), samples...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Image < ordered[j].Image })

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(ordered), func(i, j int) {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	})

	nHeld := int(math.Round(holdout * float64(len(ordered))))
	if nHeld == 0 && len(ordered) >= 2 {
		nHeld = 1
	}
	if nHeld >= len(ordered) {
		return nil, nil, segerr.Inputf("holdout fraction %v leaves no training samples for %d inputs", holdout, len(ordered))
	}

	heldout = ordered[:nHeld]
	kept = ordered[nHeld:]
	return kept, heldout, nil
}

// Split is the full three-way partition of a labeled collection.
type Split struct {
	Train []Sample
	Val   []Sample
	Test  []Sample
}
