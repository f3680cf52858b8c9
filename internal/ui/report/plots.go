package report

import (
	"encoding/json"
	"fmt"
	"github.com/janpfeifer/ecgGo/internal/ecg"
	"github.com/janpfeifer/ecgGo/internal/metrics"
	"github.com/janpfeifer/ecgGo/internal/trainer"
	"github.com/pkg/errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// PlotType of the plot files.
type PlotType string

const (
	TrainingCurvesPlot  PlotType = "training_curves"
	LearningRatePlot    PlotType = "learning_rate_schedule"
	ROCCurvePlot        PlotType = "roc_curve"
	ConfusionMatrixPlot PlotType = "confusion_matrix"
)

// PlotData is the JSON format read by the plotting service.
type PlotData struct {
	PlotType  PlotType       `json:"plot_type"`
	Title     string         `json:"title"`
	Timestamp time.Time      `json:"timestamp"`
	ModelName string         `json:"model_name"`
	Series    []SeriesData   `json:"series"`
	Config    PlotConfig     `json:"config"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// SeriesData is one data series of a plot.
type SeriesData struct {
	Name string      `json:"name"`
	Type string      `json:"type"` // "line", "scatter" or "heatmap".
	Data []DataPoint `json:"data"`
}

// DataPoint of a series. Z is used by heatmaps.
type DataPoint struct {
	X any `json:"x"`
	Y any `json:"y"`
	Z any `json:"z,omitempty"`
}

// PlotConfig holds the axes and display options.
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"`
	YAxisScale string `json:"y_axis_scale"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

func defaultPlotConfig(xLabel, yLabel string) PlotConfig {
	return PlotConfig{
		XAxisLabel: xLabel,
		YAxisLabel: yLabel,
		XAxisScale: "linear",
		YAxisScale: "linear",
		ShowLegend: true,
		ShowGrid:   true,
		Width:      800,
		Height:     600,
	}
}

func epochSeries(name string, history []trainer.EpochStats, value func(s trainer.EpochStats) float64) SeriesData {
	series := SeriesData{Name: name, Type: "line", Data: make([]DataPoint, len(history))}
	for ii, s := range history {
		series.Data[ii] = DataPoint{X: s.Epoch, Y: value(s)}
	}
	return series
}

// NewTrainingCurves creates the plot of losses and accuracies per epoch.
func NewTrainingCurves(modelName string, history []trainer.EpochStats) PlotData {
	return PlotData{
		PlotType:  TrainingCurvesPlot,
		Title:     fmt.Sprintf("Training curves: %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series: []SeriesData{
			epochSeries("train_loss", history, func(s trainer.EpochStats) float64 { return float64(s.TrainLoss) }),
			epochSeries("val_loss", history, func(s trainer.EpochStats) float64 { return float64(s.ValLoss) }),
			epochSeries("train_accuracy", history, func(s trainer.EpochStats) float64 { return float64(s.TrainAccuracy) }),
			epochSeries("val_accuracy", history, func(s trainer.EpochStats) float64 { return float64(s.ValAccuracy) }),
		},
		Config: defaultPlotConfig("epoch", "value"),
	}
}

// NewLearningRate creates the plot of the learning rate schedule.
func NewLearningRate(modelName string, history []trainer.EpochStats) PlotData {
	p := PlotData{
		PlotType:  LearningRatePlot,
		Title:     fmt.Sprintf("Learning rate: %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series: []SeriesData{
			epochSeries("learning_rate", history, func(s trainer.EpochStats) float64 { return s.LearningRate }),
		},
		Config: defaultPlotConfig("epoch", "learning rate"),
	}
	p.Config.YAxisScale = "log"
	return p
}

// NewROCCurve creates the ROC curve plot, with the chance diagonal as reference.
func NewROCCurve(modelName string, roc *metrics.ROC) PlotData {
	curve := SeriesData{Name: "ROC", Type: "line", Data: make([]DataPoint, len(roc.FPR))}
	for ii := range roc.FPR {
		curve.Data[ii] = DataPoint{X: roc.FPR[ii], Y: roc.TPR[ii]}
	}
	chance := SeriesData{Name: "chance", Type: "line", Data: []DataPoint{{X: 0.0, Y: 0.0}, {X: 1.0, Y: 1.0}}}
	return PlotData{
		PlotType:  ROCCurvePlot,
		Title:     fmt.Sprintf("ROC curve: %s (AUC=%.4f)", modelName, roc.AUC),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    []SeriesData{curve, chance},
		Config:    defaultPlotConfig("false positive rate", "true positive rate"),
		Metrics:   map[string]any{"auc": roc.AUC},
	}
}

// NewConfusionMatrix creates the confusion matrix heatmap.
func NewConfusionMatrix(modelName string, cm metrics.ConfusionMatrix) PlotData {
	heatmap := SeriesData{Name: "confusion_matrix", Type: "heatmap"}
	for trueLabel, row := range cm {
		for predicted, count := range row {
			heatmap.Data = append(heatmap.Data, DataPoint{
				X: ecg.ClassNames[predicted],
				Y: ecg.ClassNames[trueLabel],
				Z: count,
			})
		}
	}
	p := PlotData{
		PlotType:  ConfusionMatrixPlot,
		Title:     fmt.Sprintf("Confusion matrix: %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    []SeriesData{heatmap},
		Config:    defaultPlotConfig("predicted", "true"),
		Metrics:   map[string]any{"accuracy": cm.Accuracy()},
	}
	p.Config.ShowLegend = false
	p.Config.ShowGrid = false
	return p
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// FileName for the plot: <plot_type>_<model_name>.json.
func (p PlotData) FileName() string {
	name := strings.Trim(unsafeFileChars.ReplaceAllString(p.ModelName, "_"), "_")
	if name == "" {
		return string(p.PlotType) + ".json"
	}
	return fmt.Sprintf("%s_%s.json", p.PlotType, name)
}

// WritePlot writes the plot as JSON in dir (created if needed) and returns the file path.
func WritePlot(dir string, p PlotData) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating plots directory %q", dir)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", errors.Wrapf(err, "serializing plot %q", p.Title)
	}
	path := filepath.Join(dir, p.FileName())
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "writing plot to %q", path)
	}
	return path, nil
}
