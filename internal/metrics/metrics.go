// Package metrics evaluates binary classifiers: confusion matrix, classification report
// (precision, recall, F1 per class with macro and weighted averages) and ROC/AUC.
package metrics

import (
	"fmt"
	"github.com/janpfeifer/ecgGo/internal/ai"
	"github.com/janpfeifer/ecgGo/internal/ecg"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
	"strings"
)

// ConfusionMatrix indexed by [true label][predicted label].
type ConfusionMatrix [ecg.NumClasses][ecg.NumClasses]int

// NewConfusionMatrix from the predicted probabilities of the abnormal class, using ai.DecisionThreshold.
func NewConfusionMatrix(probabilities []float32, labels []int) (cm ConfusionMatrix) {
	for ii, p := range probabilities {
		cm[labels[ii]][ai.Predicted(p)]++
	}
	return
}

// Total number of examples.
func (cm ConfusionMatrix) Total() (total int) {
	for _, row := range cm {
		for _, count := range row {
			total += count
		}
	}
	return
}

// Accuracy is the fraction of correct predictions.
func (cm ConfusionMatrix) Accuracy() float64 {
	total := cm.Total()
	if total == 0 {
		return 0
	}
	var correct int
	for class := range cm {
		correct += cm[class][class]
	}
	return float64(correct) / float64(total)
}

// ClassMetrics holds the metrics of one class, or their averages.
type ClassMetrics struct {
	Name      string
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// Class returns the metrics of one class, taking it as the positive one.
func (cm ConfusionMatrix) Class(class int) ClassMetrics {
	truePositives := float64(cm[class][class])
	var predicted, support int
	for other := range cm {
		predicted += cm[other][class]
		support += cm[class][other]
	}
	m := ClassMetrics{
		Name:      ecg.ClassNames[class],
		Precision: safeDiv(truePositives, float64(predicted)),
		Recall:    safeDiv(truePositives, float64(support)),
		Support:   support,
	}
	m.F1 = safeDiv(2*m.Precision*m.Recall, m.Precision+m.Recall)
	return m
}

// Report is a classification report, in the format popularized by scikit-learn.
type Report struct {
	Classes     [ecg.NumClasses]ClassMetrics
	Accuracy    float64
	MacroAvg    ClassMetrics
	WeightedAvg ClassMetrics
	Confusion   ConfusionMatrix
	Total       int
}

// NewReport computes the classification report of the confusion matrix.
func NewReport(cm ConfusionMatrix) *Report {
	r := &Report{
		Accuracy:    cm.Accuracy(),
		Confusion:   cm,
		Total:       cm.Total(),
		MacroAvg:    ClassMetrics{Name: "macro avg"},
		WeightedAvg: ClassMetrics{Name: "weighted avg"},
	}
	for class := range ecg.NumClasses {
		m := cm.Class(class)
		r.Classes[class] = m
		r.MacroAvg.Precision += m.Precision / ecg.NumClasses
		r.MacroAvg.Recall += m.Recall / ecg.NumClasses
		r.MacroAvg.F1 += m.F1 / ecg.NumClasses
		weight := safeDiv(float64(m.Support), float64(r.Total))
		r.WeightedAvg.Precision += m.Precision * weight
		r.WeightedAvg.Recall += m.Recall * weight
		r.WeightedAvg.F1 += m.F1 * weight
	}
	r.MacroAvg.Support = r.Total
	r.WeightedAvg.Support = r.Total
	return r
}

// Rows returns the per class metrics followed by the macro and weighted averages.
func (r *Report) Rows() []ClassMetrics {
	return append(r.Classes[:], r.MacroAvg, r.WeightedAvg)
}

// String implements fmt.Stringer, as a plain text table.
func (r *Report) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%14s %10s %10s %10s %10s\n", "", "precision", "recall", "f1-score", "support")
	for ii, m := range r.Rows() {
		if ii == ecg.NumClasses {
			_, _ = fmt.Fprintf(&sb, "\n%14s %10s %10s %10.4f %10d\n", "accuracy", "", "", r.Accuracy, r.Total)
		}
		_, _ = fmt.Fprintf(&sb, "%14s %10.4f %10.4f %10.4f %10d\n", m.Name, m.Precision, m.Recall, m.F1, m.Support)
	}
	return sb.String()
}

// ROC curve: false positive rates (X) and true positive rates (Y), both non-decreasing from
// (0, 0) to (1, 1), with the matching probability thresholds.
type ROC struct {
	FPR, TPR, Thresholds []float64
	AUC                  float64
}

// NewROC computes the ROC curve and its area (trapezoidal rule) for the probabilities of the abnormal class.
// Both classes must be present in labels.
func NewROC(probabilities []float32, labels []int) (*ROC, error) {
	if len(probabilities) != len(labels) {
		return nil, errors.Errorf("%d probabilities for %d labels", len(probabilities), len(labels))
	}
	scores := make([]float64, len(probabilities))
	classes := make([]bool, len(labels))
	var numPositives int
	for ii, p := range probabilities {
		scores[ii] = float64(p)
		classes[ii] = labels[ii] == ecg.LabelAbnormal
		if classes[ii] {
			numPositives++
		}
	}
	if numPositives == 0 || numPositives == len(labels) {
		return nil, errors.New("ROC requires examples of both classes")
	}
	stat.SortWeightedLabeled(scores, classes, nil)
	tpr, fpr, thresholds := stat.ROC(nil, scores, classes, nil)
	return &ROC{
		FPR:        fpr,
		TPR:        tpr,
		Thresholds: thresholds,
		AUC:        integrate.Trapezoidal(fpr, tpr),
	}, nil
}
