// Package trainer implements the training loop of one ECG classifier: epochs of shuffled batches,
// validation, learning rate reduction on plateaus, checkpointing of the best model and early stopping.
package trainer

import (
	"context"
	"fmt"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/ecgGo/internal/ai"
	"github.com/janpfeifer/ecgGo/internal/ecg"
	"github.com/pkg/errors"
	"io"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"os"
	"time"
)

// Config of the training loop.
type Config struct {
	// Name used in the progress output, e.g. "model #1".
	Name string

	// Epochs is the maximum number of epochs.
	Epochs int

	// Patience is the number of epochs without improvement of the validation accuracy before stopping.
	// If <= 0, there is no early stopping.
	Patience int

	// PlateauPatience, PlateauFactor, PlateauThreshold and MinLearningRate configure ReduceOnPlateau.
	PlateauPatience  int
	PlateauFactor    float64
	PlateauThreshold float64
	MinLearningRate  float64

	// Seed for the shuffling of the batches.
	Seed uint64

	// Progress is where the progress is printed. If nil, it is discarded.
	Progress io.Writer
}

// DefaultConfig returns the default training configuration.
func DefaultConfig() Config {
	return Config{
		Epochs:           50,
		Patience:         10,
		PlateauPatience:  5,
		PlateauFactor:    0.5,
		PlateauThreshold: 1e-4,
		MinLearningRate:  1e-6,
		Seed:             42,
		Progress:         os.Stdout,
	}
}

// EpochStats holds the metrics of one epoch.
type EpochStats struct {
	Epoch                    int
	TrainLoss, TrainAccuracy float32
	ValLoss, ValAccuracy     float32
	LearningRate             float64
	Improved                 bool
	Elapsed                  time.Duration
}

// Result of Fit.
type Result struct {
	History []EpochStats

	// BestEpoch (1-based) is the epoch with the best validation accuracy, 0 if no epoch finished.
	BestEpoch       int
	BestValAccuracy float32
	BestValLoss     float32

	// EarlyStopped is true if training stopped for lack of improvement.
	EarlyStopped bool

	// Interrupted is true if the context was cancelled.
	Interrupted bool
}

const averageLossDecay = float32(0.95)

func movingAverage(average, newValue, decay float32, count int) float32 {
	decay = min(1-1/float32(count), decay)
	return average*decay + (1-decay)*newValue
}

// Evaluate returns the loss and accuracy of learner on ds, weighted by the size of each batch.
func Evaluate(learner ai.Learner, ds *ecg.Dataset) (loss, accuracy float32) {
	if ds.Len() == 0 {
		return 0, 0
	}
	for batch := range ds.Sequential(learner.BatchSize()) {
		batchLoss, batchAccuracy := learner.Evaluate(batch.Signals, batch.Labels)
		weight := float32(batch.Len())
		loss += batchLoss * weight
		accuracy += batchAccuracy * weight
	}
	n := float32(ds.Len())
	return loss / n, accuracy / n
}

// Fit trains learner on train, selecting the best model on val: every time the validation accuracy
// improves a checkpoint is saved (learner.Save), so the last checkpoint holds the best model.
//
// If val is empty, the training metrics are used instead.
// Cancelling ctx stops training after the current step, and it is not an error.
// Panics in the learner (e.g. GoMLX errors) are returned as errors.
func Fit(ctx context.Context, learner ai.Learner, train, val *ecg.Dataset, cfg Config) (*Result, error) {
	if train.Len() == 0 {
		return nil, errors.New("empty training dataset")
	}
	if cfg.Epochs <= 0 {
		return nil, errors.Errorf("invalid number of epochs %d", cfg.Epochs)
	}
	progress := cfg.Progress
	if progress == nil {
		progress = io.Discard
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	scheduler := NewReduceOnPlateau(cfg.PlateauFactor, cfg.PlateauPatience, cfg.PlateauThreshold, cfg.MinLearningRate)
	batchSize := learner.BatchSize()
	stepsPerEpoch := train.NumBatches(batchSize)
	result := &Result{BestValAccuracy: -1}
	var epochsWithoutImprovement int

	err := exceptions.TryCatch[error](func() {
		for epoch := 1; epoch <= cfg.Epochs; epoch++ {
			start := time.Now()
			var averageLoss, sumLoss, sumAccuracy float32
			var step int
			printUpdate := func() {
				_, _ = fmt.Fprintf(progress, "\r\t%s epoch %3d/%d: %4d/%d steps, ~loss=%.4f, elapsed=%s\x1b[0K",
					cfg.Name, epoch, cfg.Epochs, step, stepsPerEpoch, averageLoss, time.Since(start).Round(time.Millisecond))
			}
			for batch := range train.Batches(batchSize, rng) {
				if ctx.Err() != nil {
					break
				}
				loss, accuracy := learner.Learn(batch.Signals, batch.Labels)
				step++
				sumLoss += loss
				sumAccuracy += accuracy
				averageLoss = movingAverage(averageLoss, loss, averageLossDecay, step)
				printUpdate()
			}
			if ctx.Err() != nil {
				_, _ = fmt.Fprintln(progress)
				result.Interrupted = true
				return
			}

			stats := EpochStats{
				Epoch:         epoch,
				TrainLoss:     sumLoss / float32(step),
				TrainAccuracy: sumAccuracy / float32(step),
				LearningRate:  learner.LearningRate(),
			}
			if val != nil && val.Len() > 0 {
				stats.ValLoss, stats.ValAccuracy = Evaluate(learner, val)
			} else {
				stats.ValLoss, stats.ValAccuracy = stats.TrainLoss, stats.TrainAccuracy
			}
			stats.Elapsed = time.Since(start)

			if stats.ValAccuracy > result.BestValAccuracy {
				stats.Improved = true
				result.BestEpoch = epoch
				result.BestValAccuracy = stats.ValAccuracy
				result.BestValLoss = stats.ValLoss
				epochsWithoutImprovement = 0
				if saveErr := learner.Save(); saveErr != nil {
					panic(errors.WithMessagef(saveErr, "saving checkpoint of %s at epoch %d", cfg.Name, epoch))
				}
			} else {
				epochsWithoutImprovement++
			}
			result.History = append(result.History, stats)
			improvedMark := ""
			if stats.Improved {
				improvedMark = " *"
			}
			_, _ = fmt.Fprintf(progress, "\r\t%s epoch %3d/%d: loss=%.4f acc=%.4f, val_loss=%.4f val_acc=%.4f, lr=%.2g, elapsed=%s%s\x1b[0K\n",
				cfg.Name, epoch, cfg.Epochs, stats.TrainLoss, stats.TrainAccuracy, stats.ValLoss, stats.ValAccuracy,
				stats.LearningRate, stats.Elapsed.Round(time.Millisecond), improvedMark)

			// Learning rate schedule.
			newLearningRate := scheduler.Step(float64(stats.ValAccuracy), stats.LearningRate)
			if newLearningRate != stats.LearningRate {
				klog.V(1).Infof("%s: reducing learning rate from %.3g to %.3g", cfg.Name, stats.LearningRate, newLearningRate)
				learner.SetLearningRate(newLearningRate)
			}

			// Early stopping.
			if cfg.Patience > 0 && epochsWithoutImprovement >= cfg.Patience {
				klog.V(1).Infof("%s: early stopping at epoch %d, best epoch %d (val_acc=%.4f)",
					cfg.Name, epoch, result.BestEpoch, result.BestValAccuracy)
				result.EarlyStopped = true
				return
			}
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "training %s", cfg.Name)
	}
	if result.BestEpoch == 0 {
		result.BestValAccuracy = 0
	}
	return result, nil
}
