package ecg

import (
	"context"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"iter"
	"math/rand/v2"
	"runtime"
)

// Batch of signals and their labels (as float32, as used by the models).
type Batch struct {
	Signals [][]float32
	Labels  []float32
}

// Len returns the number of examples in the batch.
func (b Batch) Len() int { return len(b.Signals) }

// NumBatches returns the number of batches of the given size needed to cover the dataset once.
func (ds *Dataset) NumBatches(batchSize int) int {
	return (ds.Len() + batchSize - 1) / batchSize
}

func (ds *Dataset) makeBatch(indices []int) Batch {
	b := Batch{
		Signals: make([][]float32, len(indices)),
		Labels:  make([]float32, len(indices)),
	}
	for ii, idx := range indices {
		b.Signals[ii] = ds.Samples[idx].Signal
		b.Labels[ii] = float32(ds.Samples[idx].Label)
	}
	return b
}

// Batches iterates over one epoch of shuffled batches. All batches are full: the last one is
// completed with samples taken from the start of the (shuffled) epoch.
func (ds *Dataset) Batches(batchSize int, rng *rand.Rand) iter.Seq[Batch] {
	return func(yield func(Batch) bool) {
		n := ds.Len()
		if n == 0 || batchSize <= 0 {
			return
		}
		order := rng.Perm(n)
		indices := make([]int, batchSize)
		for start := 0; start < n; start += batchSize {
			for ii := range batchSize {
				indices[ii] = order[(start+ii)%n]
			}
			if !yield(ds.makeBatch(indices)) {
				return
			}
		}
	}
}

// Sequential iterates over the dataset in order, the last batch may be partial.
// Used for evaluation.
func (ds *Dataset) Sequential(batchSize int) iter.Seq[Batch] {
	return func(yield func(Batch) bool) {
		n := ds.Len()
		if batchSize <= 0 {
			return
		}
		for start := 0; start < n; start += batchSize {
			end := min(start+batchSize, n)
			indices := make([]int, 0, end-start)
			for ii := start; ii < end; ii++ {
				indices = append(indices, ii)
			}
			if !yield(ds.makeBatch(indices)) {
				return
			}
		}
	}
}

// Preprocess returns a new dataset with fn applied to every signal, using up to workers goroutines
// (if workers <= 0, runtime.NumCPU() is used). The original dataset is not changed.
func Preprocess(ctx context.Context, ds *Dataset, fn func(signal []float32) []float32, workers int) (*Dataset, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	processed := &Dataset{Samples: make([]Sample, ds.Len())}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for ii, sample := range ds.Samples {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			processed.Samples[ii] = Sample{Signal: fn(sample.Signal), Label: sample.Label}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "preprocessing interrupted")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "preprocessing interrupted")
	}
	return processed, nil
}
