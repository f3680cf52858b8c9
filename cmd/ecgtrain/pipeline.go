package main

import (
	"context"
	"fmt"
	"github.com/janpfeifer/ecgGo/internal/ai"
	"github.com/janpfeifer/ecgGo/internal/ai/gomlx"
	"github.com/janpfeifer/ecgGo/internal/ai/linear"
	"github.com/janpfeifer/ecgGo/internal/ecg"
	"github.com/janpfeifer/ecgGo/internal/ensemble"
	"github.com/janpfeifer/ecgGo/internal/parameters"
	"github.com/janpfeifer/ecgGo/internal/profilers"
	"github.com/janpfeifer/ecgGo/internal/signal"
	"github.com/janpfeifer/ecgGo/internal/trainer"
	"github.com/janpfeifer/ecgGo/internal/ui/report"
	"github.com/janpfeifer/ecgGo/internal/ui/spinning"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// preprocessConfig from the flags.
func preprocessConfig() (signal.Config, error) {
	w, err := signal.WaveletByName(*flagWavelet)
	if err != nil {
		return signal.Config{}, errors.WithMessage(err, "invalid -wavelet")
	}
	cfg := signal.DefaultConfig()
	cfg.Wavelet = w
	cfg.WaveletLevel = *flagWaveletLevel
	cfg.MedianWindow = *flagMedianWindow
	cfg.ClipValue = *flagClip
	return cfg, nil
}

// loadData loads and preprocesses the PTB-DB files.
func loadData(ctx context.Context, preprocess ensemble.PreprocessConfig) (*ecg.Dataset, error) {
	spin := spinning.New(ctx, "Loading ECG beats")
	ds, err := ecg.LoadPTBDB(*flagNormal, *flagAbnormal)
	spin.Done()
	if err != nil {
		return nil, err
	}
	fmt.Printf("- Loaded %s\n", ds)
	if !preprocess.Enabled {
		return ds, nil
	}
	cfg, err := preprocess.SignalConfig()
	if err != nil {
		return nil, err
	}
	err = profilers.Stage(ctx, "preprocess", func(ctx context.Context) error {
		spin := spinning.New(ctx, "Preprocessing")
		defer spin.Done()
		ds, err = ecg.Preprocess(ctx, ds, cfg.ProcessOrRaw, *flagWorkers)
		return err
	})
	return ds, err
}

// splitData into test, validation and (balanced) train sets.
func splitData(ds *ecg.Dataset, rng *rand.Rand) (train, val, test *ecg.Dataset, err error) {
	testFraction := *flagTestFraction
	valFraction := *flagValFraction * (1 - testFraction)
	parts, err := ds.Split(rng, testFraction, valFraction)
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "invalid -test_fraction / -val_fraction")
	}
	test, val, train = parts[0], parts[1], parts[2]
	fmt.Printf("- Train: %s\n", train)
	train = train.Balance(rng)
	fmt.Printf("- Train balanced: %s\n", train)
	fmt.Printf("- Validation: %s\n", val)
	fmt.Printf("- Test: %s\n", test)
	return
}

// modelParams returns the model configuration for member memberIdx, with its own seed.
func modelParams(memberIdx int) parameters.Params {
	params := parameters.NewFromConfigString(*flagModel)
	if !params.Has("seed") {
		params["seed"] = strconv.Itoa(*flagSeed + memberIdx + 1)
	}
	return params
}

// trainMember trains one model of the ensemble. It returns nil if it was interrupted before
// completing any epoch.
func trainMember(ctx context.Context, memberIdx int, train, val *ecg.Dataset) (*ensemble.Member, error) {
	name := fmt.Sprintf("model_%d", memberIdx)
	dir := filepath.Join(*flagOutput, name)
	if _, err := os.Stat(dir); err == nil {
		return nil, errors.Errorf("checkpoint directory %q already exists, please remove it or use another -output", dir)
	}
	learner, err := gomlx.New(dir, train.SignalLength(), modelParams(memberIdx))
	if err != nil {
		return nil, errors.WithMessagef(err, "creating %s", name)
	}
	fmt.Printf("\n%s: %s, %d parameters, batch size %d\n", name, learner, learner.NumParameters(), learner.BatchSize())

	cfg := trainer.DefaultConfig()
	cfg.Name = name
	cfg.Epochs = *flagEpochs
	cfg.Patience = *flagPatience
	cfg.PlateauPatience = *flagPlateauPatience
	cfg.PlateauFactor = *flagPlateauFactor
	cfg.MinLearningRate = *flagMinLR
	cfg.Seed = uint64(*flagSeed + memberIdx)
	result, err := trainer.Fit(ctx, learner, train, val, cfg)
	if err != nil {
		return nil, err
	}
	fmt.Println(report.TrainingCurves(name, result.History, report.TerminalWidth(os.Stdout)))
	if *flagPlots != "" {
		for _, p := range []report.PlotData{
			report.NewTrainingCurves(name, result.History),
			report.NewLearningRate(name, result.History),
		} {
			if _, err = report.WritePlot(*flagPlots, p); err != nil {
				return nil, err
			}
		}
	}
	if result.BestEpoch == 0 {
		return nil, nil
	}

	// The last checkpoint saved holds the weights of the best epoch.
	classifier, err := gomlx.LoadClassifier(dir, train.SignalLength())
	if err != nil {
		return nil, errors.WithMessagef(err, "reloading best checkpoint of %s", name)
	}
	return &ensemble.Member{
		Name:            name,
		Dir:             name,
		BestValAccuracy: result.BestValAccuracy,
		BestEpoch:       result.BestEpoch,
		Classifier:      classifier,
	}, nil
}

// BaselineFile is the name of the file, in the -output directory, where the linear baseline is saved.
const BaselineFile = "baseline_linear.txt"

// trainBaseline trains the linear baseline with the same schedule as the ensemble members.
func trainBaseline(ctx context.Context, train, val *ecg.Dataset) (ai.Classifier, error) {
	fileName := filepath.Join(*flagOutput, BaselineFile)
	if err := os.MkdirAll(*flagOutput, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %q", *flagOutput)
	}
	_ = os.Remove(fileName)
	learner, err := linear.LoadOrCreate(fileName, train.SignalLength())
	if err != nil {
		return nil, err
	}
	cfg := trainer.DefaultConfig()
	cfg.Name = "baseline"
	cfg.Epochs = *flagEpochs
	cfg.Patience = *flagPatience
	cfg.PlateauPatience = *flagPlateauPatience
	cfg.PlateauFactor = *flagPlateauFactor
	cfg.MinLearningRate = *flagMinLR
	cfg.Seed = uint64(*flagSeed)
	fmt.Printf("\nbaseline: %s\n", learner)
	result, err := trainer.Fit(ctx, learner, train, val, cfg)
	if err != nil {
		return nil, err
	}
	if result.BestEpoch == 0 {
		return nil, nil
	}
	// Reload the weights of the best epoch.
	best, err := linear.LoadOrCreate(fileName, train.SignalLength())
	if err != nil {
		return nil, err
	}
	return best, nil
}

// evaluate prints the metrics of each member, of the baseline (if not nil) and of the ensemble
// on the test set.
func evaluate(e *ensemble.Ensemble, baseline ai.Classifier, test *ecg.Dataset) error {
	if test.Len() == 0 {
		klog.Warningf("Empty test set, skipping evaluation")
		return nil
	}
	signals, labels := test.Signals(), test.Labels()
	predictions, err := e.MemberPredictions(signals)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println(report.EnsembleMembers(e))
	for ii, m := range e.Members {
		fmt.Printf("- %s: test accuracy %.4f\n", m.Name, ai.Accuracy(predictions[ii], labels))
	}
	if baseline != nil {
		eval, err := report.Evaluate("Linear baseline on test set", baseline.Predict(signals), labels)
		if err != nil {
			return err
		}
		eval.Print(os.Stdout)
	}
	eval, err := report.Evaluate("Ensemble on test set", ensemble.Combine(predictions, e.Accuracies()), labels)
	if err != nil {
		return err
	}
	eval.Print(os.Stdout)
	if *flagPlots != "" {
		eval.Name = "ensemble"
		return eval.WritePlots(*flagPlots)
	}
	return nil
}

// run the whole pipeline.
func run(ctx context.Context) error {
	params := parameters.NewFromConfigString(*flagModel)
	if gomlx.IsHelp(params["model"]) {
		_, _ = gomlx.New("", 0, params)
		return nil
	}
	if *flagNumModels <= 0 {
		return errors.Errorf("invalid -num_models=%d", *flagNumModels)
	}
	signalCfg, err := preprocessConfig()
	if err != nil {
		return err
	}
	preprocess := ensemble.NewPreprocessConfig(signalCfg, !*flagNoPreprocess)

	start := time.Now()
	ds, err := loadData(ctx, preprocess)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(uint64(*flagSeed), 0))
	train, val, test, err := splitData(ds, rng)
	if err != nil {
		return err
	}

	e := &ensemble.Ensemble{
		SignalLength: ds.SignalLength(),
		ModelConfig:  *flagModel,
		Preprocess:   preprocess,
	}
	for memberIdx := range *flagNumModels {
		var member *ensemble.Member
		err := profilers.Stage(ctx, fmt.Sprintf("train/model_%d", memberIdx), func(ctx context.Context) (err error) {
			member, err = trainMember(ctx, memberIdx, train, val)
			return
		})
		if err != nil {
			return err
		}
		if member != nil {
			e.Members = append(e.Members, member)
		}
		if ctx.Err() != nil {
			klog.Warningf("Interrupted: ensemble with the %d model(s) trained so far", len(e.Members))
			break
		}
	}
	if len(e.Members) == 0 {
		return errors.New("no model was trained")
	}
	var baseline ai.Classifier
	if *flagBaseline && ctx.Err() == nil {
		err = profilers.Stage(ctx, "train/baseline", func(ctx context.Context) (err error) {
			baseline, err = trainBaseline(ctx, train, val)
			return
		})
		if err != nil {
			return err
		}
	}
	if err = e.Save(*flagOutput); err != nil {
		return err
	}
	fmt.Printf("\nEnsemble of %d model(s) saved to %q (elapsed %s)\n", len(e.Members), *flagOutput,
		time.Since(start).Round(time.Second))
	if ctx.Err() != nil {
		return nil
	}
	return profilers.Stage(ctx, "evaluate", func(context.Context) error {
		return evaluate(e, baseline, test)
	})
}
