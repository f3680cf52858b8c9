package report

import (
	"fmt"
	"github.com/janpfeifer/ecgGo/internal/metrics"
	"github.com/pkg/errors"
	"io"
	"k8s.io/klog/v2"
)

// Evaluation of one classifier on a labeled dataset.
type Evaluation struct {
	Name   string
	Report *metrics.Report
	ROC    *metrics.ROC // nil if the labels have only one class.
}

// Evaluate computes the classification report and ROC curve of the predicted probabilities.
func Evaluate(name string, probabilities []float32, labels []int) (*Evaluation, error) {
	if len(probabilities) != len(labels) {
		return nil, errors.Errorf("%s: %d predictions for %d labels", name, len(probabilities), len(labels))
	}
	eval := &Evaluation{
		Name:   name,
		Report: metrics.NewReport(metrics.NewConfusionMatrix(probabilities, labels)),
	}
	roc, err := metrics.NewROC(probabilities, labels)
	if err != nil {
		klog.Warningf("%s: no ROC curve: %v", name, err)
	} else {
		eval.ROC = roc
	}
	return eval, nil
}

// Print the report, confusion matrix and AUC to w.
func (eval *Evaluation) Print(w io.Writer) {
	width := TerminalWidth(w)
	_, _ = fmt.Fprintln(w, Centered(ClassificationReport(eval.Name, eval.Report), width))
	_, _ = fmt.Fprintln(w, Centered(ConfusionMatrix(eval.Report.Confusion), width))
	if eval.ROC != nil {
		_, _ = fmt.Fprintln(w, Centered(headerStyle.Render(fmt.Sprintf("ROC AUC: %.4f", eval.ROC.AUC)), width))
	}
}

// WritePlots writes the confusion matrix and ROC curve plots to dir.
func (eval *Evaluation) WritePlots(dir string) error {
	plots := []PlotData{NewConfusionMatrix(eval.Name, eval.Report.Confusion)}
	if eval.ROC != nil {
		plots = append(plots, NewROCCurve(eval.Name, eval.ROC))
	}
	for _, p := range plots {
		path, err := WritePlot(dir, p)
		if err != nil {
			return err
		}
		klog.V(1).Infof("Wrote %s plot to %q", p.PlotType, path)
	}
	return nil
}
