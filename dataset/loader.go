package dataset

import (
	"context"
	"math/rand"
	"sync"

	"github.com/voxelmed/segvol/transform"
)

// Batch is one training batch of patches.
type Batch struct {
	Patches []Patch
}

// Loader streams batches of augmented patches for training. A bounded pool
// of workers prefetches sample volumes in parallel with consumption, but
// results are delivered strictly in submission order within an epoch. Sample
// order is reshuffled each epoch from the loader seed, so a given (seed,
// epoch) pair always produces the same stream.
type Loader struct {
	samples   []Sample
	sampler   PatchSampler
	augment   bool
	batchSize int
	workers   int
	seed      int64
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize int
	Workers   int
	Augment   bool
	Seed      int64
	Sampler   PatchSampler
}

// NewLoader creates a loader over the given samples.
func NewLoader(samples []Sample, cfg LoaderConfig) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Loader{
		samples:   samples,
		sampler:   cfg.Sampler,
		augment:   cfg.Augment,
		batchSize: cfg.BatchSize,
		workers:   cfg.Workers,
		seed:      cfg.Seed,
	}
}

// BatchesPerEpoch returns how many batches one epoch yields.
func (l *Loader) BatchesPerEpoch() int {
	patches := len(l.samples) * l.sampler.NumSamples
	return (patches + l.batchSize - 1) / l.batchSize
}

type loadJob struct {
	order  int
	sample Sample
	seed   int64
}

type loadResult struct {
	order   int
	patches []Patch
	err     error
}

// Epoch streams one epoch's batches. The returned error channel carries at
// most one error; the batch channel is closed when the epoch is exhausted,
// cancelled, or failed.
func (l *Loader) Epoch(ctx context.Context, epoch int) (<-chan Batch, <-chan error) {
	out := make(chan Batch, 1)
	errc := make(chan error, 1)

	epochSeed := l.seed + int64(epoch)*1_000_003
	order := rand.New(rand.NewSource(epochSeed)).Perm(len(l.samples))

	jobs := make(chan loadJob)
	results := make(chan loadResult, l.workers)

	var wg sync.WaitGroup
	for w := 0; w < l.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				patches, err := l.loadOne(job)
				select {
				case results <- loadResult{order: job.order, patches: patches, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, idx := range order {
			job := loadJob{order: i, sample: l.samples[idx], seed: epochSeed + int64(i)*7919}
			select {
			case jobs <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer close(out)

		// Reorder buffer: results arrive in completion order but are
		// consumed in submission order.
		pending := make(map[int][]Patch)
		next := 0
		var batch []Patch

		flush := func(patches []Patch) bool {
			for _, p := range patches {
				batch = append(batch, p)
				if len(batch) == l.batchSize {
					select {
					case out <- Batch{Patches: batch}:
					case <-ctx.Done():
						return false
					}
					batch = nil
				}
			}
			return true
		}

		for res := range results {
			if res.err != nil {
				errc <- res.err
				// Keep draining so the feeder and the remaining workers
				// can finish even when the caller never cancels.
				go func() {
					for range results {
					}
				}()
				return
			}
			pending[res.order] = res.patches
			for {
				patches, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				if !flush(patches) {
					return
				}
			}
		}
		if len(batch) > 0 {
			select {
			case out <- Batch{Patches: batch}:
			case <-ctx.Done():
			}
		}
	}()

	return out, errc
}

func (l *Loader) loadOne(job loadJob) ([]Patch, error) {
	img, lbl, err := job.sample.Load()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(job.seed))
	patches := l.sampler.Sample(img, lbl, rng)
	if l.augment {
		aug := transform.NewAugmenter(job.seed)
		for i := range patches {
			patches[i].Image, patches[i].Label = aug.Apply(patches[i].Image, patches[i].Label)
		}
	}
	return patches, nil
}
