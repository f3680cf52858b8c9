package report

import (
	"bytes"
	"encoding/json"
	"github.com/janpfeifer/ecgGo/internal/ensemble"
	"github.com/janpfeifer/ecgGo/internal/metrics"
	"github.com/janpfeifer/ecgGo/internal/trainer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func makeHistory() []trainer.EpochStats {
	return []trainer.EpochStats{
		{Epoch: 1, TrainLoss: 0.5, ValLoss: 0.6, TrainAccuracy: 0.7, ValAccuracy: 0.65, LearningRate: 0.001},
		{Epoch: 2, TrainLoss: 0.3, ValLoss: 0.4, TrainAccuracy: 0.85, ValAccuracy: 0.8, LearningRate: 0.001},
		{Epoch: 3, TrainLoss: 0.2, ValLoss: 0.35, TrainAccuracy: 0.9, ValAccuracy: 0.82, LearningRate: 0.0005},
	}
}

func TestSparkline(t *testing.T) {
	assert.Equal(t, "▁▅█", Sparkline([]float64{0, 0.6, 1}, 10))
	assert.Equal(t, "▁▁▁", Sparkline([]float64{2, 2, 2}, 10))
	assert.Equal(t, "", Sparkline(nil, 10))

	// Resampled to the width.
	values := make([]float64, 100)
	for ii := range values {
		values[ii] = float64(ii)
	}
	line := Sparkline(values, 10)
	assert.Equal(t, 10, len([]rune(line)))
	assert.True(t, strings.HasPrefix(line, "▁"))
	assert.True(t, strings.HasSuffix(line, "█"))
}

func TestCentered(t *testing.T) {
	assert.Equal(t, "   ab\n   cd", Centered("ab\ncd", 8))
	assert.Equal(t, "abcdef", Centered("abcdef", 4))
	assert.Equal(t, 5, displayWidth("\x1b[1mhello\x1b[0m"))
	assert.Equal(t, DefaultWidth, TerminalWidth(&bytes.Buffer{}))
}

func TestTextReports(t *testing.T) {
	cm := metrics.ConfusionMatrix{{5, 1}, {2, 2}}
	text := ClassificationReport("Test set", metrics.NewReport(cm))
	for _, want := range []string{"Test set", "precision", "normal", "abnormal", "macro avg", "weighted avg", "0.7000"} {
		assert.Contains(t, text, want)
	}

	text = ConfusionMatrix(cm)
	assert.Contains(t, text, "true \\ predicted")
	assert.Contains(t, text, "5")

	e := &ensemble.Ensemble{Members: []*ensemble.Member{
		{Name: "model_0", BestEpoch: 3, BestValAccuracy: 0.9},
		{Name: "model_1", BestEpoch: 5, BestValAccuracy: 0.9},
	}}
	text = EnsembleMembers(e)
	assert.Contains(t, text, "model_1")
	assert.Contains(t, text, "0.500")

	text = TrainingCurves("model_0", makeHistory(), 80)
	for _, want := range []string{"model_0 (3 epochs)", "val_loss", "val_accuracy", "lr", "last=0.82"} {
		assert.Contains(t, text, want)
	}
	assert.Contains(t, TrainingCurves("model_0", nil, 80), "no epochs")
}

func TestWritePlot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plots")
	roc, err := metrics.NewROC([]float32{0.1, 0.4, 0.35, 0.8}, []int{0, 0, 1, 1})
	require.NoError(t, err)
	plots := []PlotData{
		NewTrainingCurves("model #0", makeHistory()),
		NewLearningRate("model #0", makeHistory()),
		NewROCCurve("ensemble", roc),
		NewConfusionMatrix("ensemble", metrics.ConfusionMatrix{{5, 1}, {2, 2}}),
	}
	wantFiles := []string{
		"training_curves_model_0.json",
		"learning_rate_schedule_model_0.json",
		"roc_curve_ensemble.json",
		"confusion_matrix_ensemble.json",
	}
	for ii, p := range plots {
		path, err := WritePlot(dir, p)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, wantFiles[ii]), path)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, string(p.PlotType), decoded["plot_type"])
		assert.Contains(t, decoded, "series")
		assert.Contains(t, decoded, "config")
	}

	curves := plots[0]
	require.Len(t, curves.Series, 4)
	assert.Equal(t, "val_accuracy", curves.Series[3].Name)
	assert.Len(t, curves.Series[3].Data, 3)
	assert.Equal(t, "log", plots[1].Config.YAxisScale)
	assert.InDelta(t, 0.75, plots[2].Metrics["auc"], 1e-9)
	assert.Len(t, plots[3].Series[0].Data, 4)

	assert.Equal(t, "roc_curve.json", PlotData{PlotType: ROCCurvePlot, ModelName: "##"}.FileName())
}

func TestEvaluation(t *testing.T) {
	eval, err := Evaluate("ensemble", []float32{0.1, 0.4, 0.35, 0.8}, []int{0, 0, 1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, eval.Report.Accuracy, 1e-9)
	require.NotNil(t, eval.ROC)
	assert.InDelta(t, 0.75, eval.ROC.AUC, 1e-9)

	var buf bytes.Buffer
	eval.Print(&buf)
	assert.Contains(t, buf.String(), "ROC AUC: 0.7500")
	assert.Contains(t, buf.String(), "weighted avg")

	dir := t.TempDir()
	require.NoError(t, eval.WritePlots(dir))
	assert.FileExists(t, filepath.Join(dir, "roc_curve_ensemble.json"))
	assert.FileExists(t, filepath.Join(dir, "confusion_matrix_ensemble.json"))

	// Single class: no ROC, but still a report.
	eval, err = Evaluate("normal only", []float32{0.1, 0.2}, []int{0, 0})
	require.NoError(t, err)
	assert.Nil(t, eval.ROC)
	assert.InDelta(t, 1.0, eval.Report.Accuracy, 1e-9)

	_, err = Evaluate("mismatch", []float32{0.1}, []int{0, 1})
	require.Error(t, err)
}
