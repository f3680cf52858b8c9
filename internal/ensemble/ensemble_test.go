package ensemble

import (
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/ecgGo/internal/ai"
	"github.com/janpfeifer/ecgGo/internal/signal"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

// constClassifier predicts the same probabilities for every call.
type constClassifier struct {
	name          string
	probabilities []float32
}

func (c constClassifier) Predict(signals [][]float32) []float32 {
	if c.probabilities == nil {
		exceptions.Panicf("classifier %s failed", c.name)
	}
	return c.probabilities[:len(signals)]
}

func (c constClassifier) String() string { return c.name }

var _ ai.Classifier = constClassifier{}

func TestWeights(t *testing.T) {
	assert.InDeltaSlice(t, []float32{0.25, 0.75}, Weights([]float32{0.2, 0.6}), 1e-6)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, Weights([]float32{0, 0}), 1e-6)
	assert.InDeltaSlice(t, []float32{0, 1}, Weights([]float32{-1, 0.5}), 1e-6)
}

func TestCombine(t *testing.T) {
	predictions := [][]float32{
		{0.9, 0.5, 0.6},
		{0.2, 0.5, 0.5},
	}
	combined := Combine(predictions, []float32{0.8, 0.8})
	require.Len(t, combined, 3)

	// Example 0: confidences 0.8 and 0.6, equal weights.
	assert.InDelta(t, (0.8*0.9+0.6*0.2)/(0.8+0.6), combined[0], 1e-6)

	// Example 1: nobody is confident, plain weighted average.
	assert.InDelta(t, 0.5, combined[1], 1e-6)

	// Example 2: only the first member has any confidence.
	assert.InDelta(t, 0.6, combined[2], 1e-6)

	// Accuracy weights: a more accurate member pulls harder.
	combined = Combine([][]float32{{0.9}, {0.1}}, []float32{0.9, 0.3})
	assert.Greater(t, combined[0], float32(0.5))

	// A single member is returned unchanged.
	assert.InDeltaSlice(t, []float32{0.3, 0.7}, Combine([][]float32{{0.3, 0.7}}, []float32{0.9}), 1e-6)
	assert.Nil(t, Combine(nil, nil))
}

func TestEnsemblePredict(t *testing.T) {
	e := &Ensemble{Members: []*Member{
		{Name: "a", BestValAccuracy: 0.9, Classifier: constClassifier{"a", []float32{1, 0}}},
		{Name: "b", BestValAccuracy: 0.9, Classifier: constClassifier{"b", []float32{1, 0.5}}},
	}}
	signals := [][]float32{{0}, {0}}
	assert.InDeltaSlice(t, []float32{1, 0}, e.Predict(signals), 1e-6)
	assert.Equal(t, "Ensemble[a, b]", e.String())

	e.Members = append(e.Members, &Member{Name: "broken", Classifier: constClassifier{name: "broken"}})
	_, err := e.MemberPredictions(signals)
	require.ErrorContains(t, err, "broken")
	require.Panics(t, func() { e.Predict(signals) })

	e.Members[2].Classifier = nil
	_, err = e.MemberPredictions(signals)
	require.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ensemble")
	e := &Ensemble{
		SignalLength: 187,
		ModelConfig:  "conv_blocks=3",
		Preprocess:   NewPreprocessConfig(signal.DefaultConfig(), true),
		Members: []*Member{
			{Name: "model_0", Dir: "model_0", BestValAccuracy: 0.95, BestEpoch: 12},
			{Name: "model_1", Dir: "model_1", BestValAccuracy: 0.93, BestEpoch: 9},
		},
	}
	require.NoError(t, e.Save(dir))
	assert.FileExists(t, filepath.Join(dir, ManifestFile))

	var loadedDirs []string
	loaded, err := Load(dir, func(memberDir string, signalLength int) (ai.Classifier, error) {
		assert.Equal(t, 187, signalLength)
		loadedDirs = append(loadedDirs, memberDir)
		return constClassifier{name: memberDir, probabilities: []float32{0.7}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "model_0"), filepath.Join(dir, "model_1")}, loadedDirs)
	assert.Equal(t, e.ModelConfig, loaded.ModelConfig)
	assert.Equal(t, e.Preprocess, loaded.Preprocess)
	assert.Equal(t, e.Accuracies(), loaded.Accuracies())
	assert.Equal(t, 12, loaded.Members[0].BestEpoch)
	assert.InDelta(t, 0.95/1.88, loaded.Members[0].Weight, 1e-6)
	assert.InDelta(t, 0.93/1.88, loaded.Members[1].Weight, 1e-6)
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"weight"`)
	assert.False(t, loaded.CreatedAt.IsZero())
	assert.InDeltaSlice(t, []float32{0.7}, loaded.Predict([][]float32{{0}}), 1e-6)

	cfg, err := loaded.Preprocess.SignalConfig()
	require.NoError(t, err)
	assert.Equal(t, signal.DefaultConfig(), cfg)

	// Manifest only.
	manifest, err := Load(dir, nil)
	require.NoError(t, err)
	assert.Nil(t, manifest.Members[0].Classifier)

	// Loader errors are reported.
	_, err = Load(dir, func(string, int) (ai.Classifier, error) { return nil, errors.New("no checkpoint") })
	require.ErrorContains(t, err, "no checkpoint")
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, nil)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("{"), 0o644))
	_, err = Load(dir, nil)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"members": []}`), 0o644))
	_, err = Load(dir, nil)
	require.Error(t, err)

	_, err = PreprocessConfig{Wavelet: "unknown"}.SignalConfig()
	require.Error(t, err)
}
