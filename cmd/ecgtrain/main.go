// ecgtrain trains an ensemble of CNN classifiers of heartbeats (normal / abnormal) on the PTB
// Diagnostic ECG database (the ptbdb_normal.csv and ptbdb_abnormal.csv files).
//
// It works by:
//  1. Loading both CSV files, and preprocessing every beat (wavelet denoising, baseline removal,
//     normalization and clipping) in parallel.
//  2. Splitting the beats (stratified) into train, validation and test sets, and balancing the
//     train set by oversampling.
//  3. Training -num_models models, each with early stopping and learning rate reduction on plateaus,
//     checkpointing the best epoch of each one in the -output directory.
//  4. Combining the models into a confidence weighted ensemble, saving its manifest, and reporting
//     its metrics on the test set.
//
// See -help for flags, and -model=help for the model hyperparameters.
package main

import (
	"context"
	"flag"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/ecgGo/internal/profilers"
	"github.com/janpfeifer/ecgGo/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
	"os"
	"time"
)

// Flags
var (
	flagNormal   = flag.String("normal", "ptbdb_normal.csv", "CSV file with the normal heartbeats.")
	flagAbnormal = flag.String("abnormal", "ptbdb_abnormal.csv", "CSV file with the abnormal heartbeats.")
	flagOutput   = flag.String("output", "ecg_ensemble", "Directory where to save the ensemble: "+
		"its manifest and one checkpoint sub-directory per model.")
	flagModel = flag.String("model", "", "Model configuration as a comma separated list of key=value "+
		"hyperparameters, e.g.: \"conv_blocks=4,focal_gamma=1.5\". Use -model=help to list them.")
	flagNumModels = flag.Int("num_models", 3, "Number of models in the ensemble.")
	flagBaseline  = flag.Bool("baseline", false, "Also train a linear (logistic regression) baseline model, "+
		"saved in the -output directory, and report its test metrics for comparison.")

	flagEpochs          = flag.Int("epochs", 50, "Maximum number of epochs per model.")
	flagPatience        = flag.Int("patience", 10, "Early stopping: epochs without improvement of validation accuracy before stopping. 0 disables it.")
	flagPlateauPatience = flag.Int("plateau_patience", 5, "Epochs without improvement before reducing the learning rate.")
	flagPlateauFactor   = flag.Float64("plateau_factor", 0.5, "Factor applied to the learning rate on plateaus.")
	flagMinLR           = flag.Float64("min_lr", 1e-6, "Minimum learning rate.")
	flagSeed            = flag.Int("seed", 42, "Random seed for the split, shuffling and model initialization.")

	flagTestFraction = flag.Float64("test_fraction", 0.2, "Fraction of the beats held out for the test set.")
	flagValFraction  = flag.Float64("val_fraction", 0.15, "Fraction of the remaining (non-test) beats used for validation.")

	flagWorkers      = flag.Int("workers", 0, "Number of parallel workers for preprocessing. 0 uses the number of CPUs.")
	flagNoPreprocess = flag.Bool("no_preprocess", false, "Skip the signal preprocessing, and use the raw beats.")
	flagWavelet      = flag.String("wavelet", "db4", "Wavelet used for denoising: haar, db2 or db4.")
	flagWaveletLevel = flag.Int("wavelet_level", 4, "Wavelet decomposition levels used for denoising.")
	flagMedianWindow = flag.Int("median_window", 51, "Window of the median filter used to remove the baseline.")
	flagClip         = flag.Float64("clip", 5, "Normalized signals are clipped to [-clip, +clip].")

	flagPlots = flag.String("plots", "", "If set, directory where to write the plots data (JSON).")
)

// Globals
var (
	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 5*time.Second)

	// Profilers: HTTP profiler server and CPU profile.
	profilers.Setup(globalCtx)

	// Anything going wrong, including panics from the GoMLX backend, ends here.
	err := exceptions.TryCatch[error](func() {
		must.M(run(globalCtx))
	})
	profilers.OnQuit()
	globalCancel()
	if err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}
