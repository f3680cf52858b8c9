// Package ensemble combines the predictions of independently trained classifiers, and saves/loads
// the ensemble manifest (ensemble.json) that points to the checkpoint of each member.
package ensemble

import (
	"encoding/json"
	"fmt"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/ecgGo/internal/ai"
	"github.com/janpfeifer/ecgGo/internal/signal"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ManifestFile is the name of the file, in the ensemble directory, describing the ensemble.
const ManifestFile = "ensemble.json"

// minTotalWeight below which the confidence weighted average falls back to the accuracy weighted average.
const minTotalWeight = 1e-6

// Member of the ensemble.
type Member struct {
	Name string `json:"name"`

	// Dir of the member checkpoint, relative to the ensemble directory.
	Dir string `json:"dir"`

	BestValAccuracy float32 `json:"best_val_accuracy"`
	BestEpoch       int     `json:"best_epoch"`

	// Weight of the member in the ensemble, see Weights. It is set by Save, and informative only:
	// predictions recompute it from the accuracies.
	Weight float32 `json:"weight"`

	// Classifier is the loaded model. It is not serialized.
	Classifier ai.Classifier `json:"-"`
}

// PreprocessConfig is the serializable version of signal.Config, so evaluation applies the
// same transformation used in training.
type PreprocessConfig struct {
	Enabled      bool    `json:"enabled"`
	Wavelet      string  `json:"wavelet"`
	WaveletLevel int     `json:"wavelet_level"`
	MedianWindow int     `json:"median_window"`
	ClipValue    float64 `json:"clip_value"`
}

// NewPreprocessConfig converts a signal.Config.
func NewPreprocessConfig(cfg signal.Config, enabled bool) PreprocessConfig {
	return PreprocessConfig{
		Enabled:      enabled,
		Wavelet:      cfg.Wavelet.Name,
		WaveletLevel: cfg.WaveletLevel,
		MedianWindow: cfg.MedianWindow,
		ClipValue:    cfg.ClipValue,
	}
}

// SignalConfig converts back to a signal.Config.
func (p PreprocessConfig) SignalConfig() (signal.Config, error) {
	w, err := signal.WaveletByName(p.Wavelet)
	if err != nil {
		return signal.Config{}, err
	}
	return signal.Config{
		Wavelet:      w,
		WaveletLevel: p.WaveletLevel,
		MedianWindow: p.MedianWindow,
		ClipValue:    p.ClipValue,
	}, nil
}

// Ensemble of classifiers, it implements ai.Classifier.
type Ensemble struct {
	CreatedAt    time.Time        `json:"created_at"`
	SignalLength int              `json:"signal_length"`
	ModelConfig  string           `json:"model_config"`
	Preprocess   PreprocessConfig `json:"preprocess"`
	Members      []*Member        `json:"members"`
}

var _ ai.Classifier = (*Ensemble)(nil)

// String implements fmt.Stringer and ai.Classifier.
func (e *Ensemble) String() string {
	names := make([]string, len(e.Members))
	for ii, m := range e.Members {
		names[ii] = m.Name
	}
	return fmt.Sprintf("Ensemble[%s]", strings.Join(names, ", "))
}

// Weights returns the normalized weight of each member, proportional to its best validation accuracy.
// If no member has a positive accuracy, all get the same weight.
func Weights(accuracies []float32) []float32 {
	weights := make([]float32, len(accuracies))
	var total float32
	for _, acc := range accuracies {
		total += max(acc, 0)
	}
	for ii, acc := range accuracies {
		if total > 0 {
			weights[ii] = max(acc, 0) / total
		} else {
			weights[ii] = 1 / float32(len(accuracies))
		}
	}
	return weights
}

// Combine the probabilities predicted by each member (predictions[member][example]).
//
// Each member contributes weight*confidence, where the weight comes from its validation accuracy
// (see Weights) and the confidence is ai.Confidence of its prediction. If every member is
// undecided (p=0.5) for an example, the plain accuracy weighted average is used.
func Combine(predictions [][]float32, accuracies []float32) []float32 {
	if len(predictions) == 0 {
		return nil
	}
	weights := Weights(accuracies)
	numExamples := len(predictions[0])
	combined := make([]float32, numExamples)
	for exampleIdx := range numExamples {
		var sum, totalWeight, plainSum float32
		for memberIdx, memberPredictions := range predictions {
			p := memberPredictions[exampleIdx]
			w := weights[memberIdx] * ai.Confidence(p)
			sum += w * p
			totalWeight += w
			plainSum += weights[memberIdx] * p
		}
		if totalWeight < minTotalWeight {
			combined[exampleIdx] = plainSum
		} else {
			combined[exampleIdx] = sum / totalWeight
		}
	}
	return combined
}

// MemberPredictions returns the predictions of each member, computed in parallel.
// Panics in the members are returned as errors.
func (e *Ensemble) MemberPredictions(signals [][]float32) ([][]float32, error) {
	for _, m := range e.Members {
		if m.Classifier == nil {
			return nil, errors.Errorf("ensemble member %q is not loaded", m.Name)
		}
	}
	predictions := make([][]float32, len(e.Members))
	var g errgroup.Group
	for ii, m := range e.Members {
		g.Go(func() error {
			err := exceptions.TryCatch[error](func() {
				predictions[ii] = m.Classifier.Predict(signals)
			})
			return errors.WithMessagef(err, "member %q", m.Name)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return predictions, nil
}

// Predict implements ai.Classifier. It panics if a member fails.
func (e *Ensemble) Predict(signals [][]float32) []float32 {
	predictions, err := e.MemberPredictions(signals)
	if err != nil {
		panic(err)
	}
	return Combine(predictions, e.Accuracies())
}

// Accuracies returns the best validation accuracy of each member.
func (e *Ensemble) Accuracies() []float32 {
	accuracies := make([]float32, len(e.Members))
	for ii, m := range e.Members {
		accuracies[ii] = m.BestValAccuracy
	}
	return accuracies
}

// Save the manifest to dir/ensemble.json. The members' checkpoints are saved by their learners.
func (e *Ensemble) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating ensemble directory %q", dir)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	for ii, w := range Weights(e.Accuracies()) {
		e.Members[ii].Weight = w
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return errors.Wrap(err, "serializing ensemble manifest")
	}
	path := filepath.Join(dir, ManifestFile)
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing ensemble manifest %q", path)
	}
	klog.V(1).Infof("Saved %s to %q", e, path)
	return nil
}

// Loader creates the classifier saved in the checkpoint directory memberDir.
type Loader func(memberDir string, signalLength int) (ai.Classifier, error)

// Load the ensemble manifest from dir, and each member with loader.
// If loader is nil, only the manifest is read.
func Load(dir string, loader Loader) (*Ensemble, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading ensemble manifest")
	}
	e := &Ensemble{}
	if err = json.Unmarshal(data, e); err != nil {
		return nil, errors.Wrapf(err, "parsing ensemble manifest %q", path)
	}
	if len(e.Members) == 0 {
		return nil, errors.Errorf("ensemble manifest %q has no members", path)
	}
	if loader == nil {
		return e, nil
	}
	for _, m := range e.Members {
		m.Classifier, err = loader(filepath.Join(dir, m.Dir), e.SignalLength)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading ensemble member %q", m.Name)
		}
	}
	return e, nil
}
