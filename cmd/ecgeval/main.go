// ecgeval evaluates an ensemble trained by ecgtrain on PTB-DB heartbeats.
//
// It loads the ensemble manifest and each model checkpoint from -ensemble, applies to the beats
// the same preprocessing used in training, and prints the classification report, confusion matrix
// and ROC AUC of the ensemble (and optionally of each model).
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/ecgGo/internal/ai"
	"github.com/janpfeifer/ecgGo/internal/ai/gomlx"
	"github.com/janpfeifer/ecgGo/internal/ecg"
	"github.com/janpfeifer/ecgGo/internal/ensemble"
	"github.com/janpfeifer/ecgGo/internal/profilers"
	"github.com/janpfeifer/ecgGo/internal/ui/report"
	"github.com/janpfeifer/ecgGo/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"time"
)

var (
	flagEnsemble = flag.String("ensemble", "ecg_ensemble", "Directory with the ensemble saved by ecgtrain.")
	flagNormal   = flag.String("normal", "ptbdb_normal.csv", "CSV file with the normal heartbeats.")
	flagAbnormal = flag.String("abnormal", "ptbdb_abnormal.csv", "CSV file with the abnormal heartbeats. "+
		"Either file can be empty, in which case only the other one is used.")
	flagWorkers = flag.Int("workers", 0, "Number of parallel workers for preprocessing. 0 uses the number of CPUs.")
	flagMembers = flag.Bool("members", false, "Also report the metrics of each model of the ensemble.")
	flagPlots   = flag.String("plots", "", "If set, directory where to write the plots data (JSON).")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	spinning.SafeInterrupt(cancel, 5*time.Second)
	profilers.Setup(ctx)
	err := exceptions.TryCatch[error](func() {
		must.M(run(ctx))
	})
	profilers.OnQuit()
	cancel()
	if err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

// loadBeats from the normal and abnormal files given.
func loadBeats() (*ecg.Dataset, error) {
	ds := &ecg.Dataset{}
	for label, path := range []string{*flagNormal, *flagAbnormal} {
		if path == "" {
			continue
		}
		part, err := ecg.LoadCSV(path, label)
		if err != nil {
			return nil, err
		}
		if err = ds.Append(part); err != nil {
			return nil, err
		}
	}
	if ds.Len() == 0 {
		return nil, errors.New("no beats to evaluate, please set -normal and/or -abnormal")
	}
	return ds, nil
}

func evaluate(name string, probabilities []float32, labels []int) error {
	eval, err := report.Evaluate(name, probabilities, labels)
	if err != nil {
		return err
	}
	eval.Print(os.Stdout)
	if *flagPlots != "" {
		return eval.WritePlots(*flagPlots)
	}
	return nil
}

func run(ctx context.Context) error {
	spin := spinning.New(ctx, "Loading ensemble")
	e, err := ensemble.Load(*flagEnsemble, gomlx.LoadClassifier)
	spin.Done()
	if err != nil {
		return err
	}
	fmt.Println(report.EnsembleMembers(e))

	ds, err := loadBeats()
	if err != nil {
		return err
	}
	if ds.SignalLength() != e.SignalLength {
		return errors.Errorf("beats have %d samples, but the ensemble was trained with %d",
			ds.SignalLength(), e.SignalLength)
	}
	fmt.Printf("- Loaded %s\n", ds)
	if e.Preprocess.Enabled {
		cfg, err := e.Preprocess.SignalConfig()
		if err != nil {
			return err
		}
		err = profilers.Stage(ctx, "preprocess", func(ctx context.Context) error {
			spin := spinning.New(ctx, "Preprocessing")
			defer spin.Done()
			ds, err = ecg.Preprocess(ctx, ds, cfg.ProcessOrRaw, *flagWorkers)
			return err
		})
		if err != nil {
			return err
		}
	}

	return profilers.Stage(ctx, "evaluate", func(context.Context) error {
		return evaluateEnsemble(e, ds)
	})
}

// evaluateEnsemble prints the metrics of the ensemble (and of its members, with -members) on ds.
func evaluateEnsemble(e *ensemble.Ensemble, ds *ecg.Dataset) error {
	labels := ds.Labels()
	predictions, err := e.MemberPredictions(ds.Signals())
	if err != nil {
		return err
	}
	if *flagMembers {
		for ii, m := range e.Members {
			if err = evaluate(m.Name, predictions[ii], labels); err != nil {
				return err
			}
		}
	}
	combined := ensemble.Combine(predictions, e.Accuracies())
	fmt.Printf("\nEnsemble accuracy: %.4f\n", ai.Accuracy(combined, labels))
	return evaluate("ensemble", combined, labels)
}
