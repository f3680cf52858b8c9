package metrics

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestConfusionMatrix(t *testing.T) {
	probabilities := []float32{0.1, 0.7, 0.4, 0.9, 0.6, 0.2, 0.5, 0.3}
	labels := []int{0, 0, 0, 1, 1, 1, 1, 0}
	cm := NewConfusionMatrix(probabilities, labels)
	// True normal: 3 predicted normal, 1 predicted abnormal.
	// True abnormal: 1 predicted normal, 3 predicted abnormal (0.5 is abnormal).
	assert.Equal(t, ConfusionMatrix{{3, 1}, {1, 3}}, cm)
	assert.Equal(t, 8, cm.Total())
	assert.InDelta(t, 0.75, cm.Accuracy(), 1e-9)
	assert.Equal(t, 0.0, ConfusionMatrix{}.Accuracy())
}

func TestReport(t *testing.T) {
	// 6 normal (5 correct), 4 abnormal (2 correct).
	cm := ConfusionMatrix{{5, 1}, {2, 2}}
	r := NewReport(cm)
	assert.Equal(t, 10, r.Total)
	assert.InDelta(t, 0.7, r.Accuracy, 1e-9)

	normal := r.Classes[0]
	assert.Equal(t, "normal", normal.Name)
	assert.InDelta(t, 5.0/7.0, normal.Precision, 1e-9)
	assert.InDelta(t, 5.0/6.0, normal.Recall, 1e-9)
	assert.InDelta(t, 2*(5.0/7.0)*(5.0/6.0)/(5.0/7.0+5.0/6.0), normal.F1, 1e-9)
	assert.Equal(t, 6, normal.Support)

	abnormal := r.Classes[1]
	assert.InDelta(t, 2.0/3.0, abnormal.Precision, 1e-9)
	assert.InDelta(t, 0.5, abnormal.Recall, 1e-9)
	assert.InDelta(t, 4.0/7.0, abnormal.F1, 1e-9)
	assert.Equal(t, 4, abnormal.Support)

	assert.InDelta(t, (5.0/7.0+2.0/3.0)/2, r.MacroAvg.Precision, 1e-9)
	assert.InDelta(t, (5.0/6.0+0.5)/2, r.MacroAvg.Recall, 1e-9)
	assert.InDelta(t, 0.6*5.0/6.0+0.4*0.5, r.WeightedAvg.Recall, 1e-9)
	assert.InDelta(t, 0.6*normal.F1+0.4*abnormal.F1, r.WeightedAvg.F1, 1e-9)
	assert.Equal(t, 10, r.WeightedAvg.Support)

	assert.Len(t, r.Rows(), 4)
	text := r.String()
	assert.Contains(t, text, "precision")
	assert.Contains(t, text, "abnormal")
	assert.Contains(t, text, "weighted avg")
	assert.Contains(t, text, "accuracy")

	// Nothing predicted as abnormal: precision is 0, not NaN.
	r = NewReport(ConfusionMatrix{{5, 0}, {3, 0}})
	assert.Equal(t, 0.0, r.Classes[1].Precision)
	assert.Equal(t, 0.0, r.Classes[1].F1)
}

func TestROC(t *testing.T) {
	roc, err := NewROC([]float32{0.1, 0.4, 0.35, 0.8}, []int{0, 0, 1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, roc.AUC, 1e-9)
	require.Equal(t, len(roc.FPR), len(roc.TPR))
	first, last := 0, len(roc.FPR)-1
	assert.Equal(t, 0.0, roc.FPR[first])
	assert.Equal(t, 0.0, roc.TPR[first])
	assert.Equal(t, 1.0, roc.FPR[last])
	assert.Equal(t, 1.0, roc.TPR[last])

	// Perfect and inverted classifiers.
	roc, err = NewROC([]float32{0.1, 0.2, 0.8, 0.9}, []int{0, 0, 1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, roc.AUC, 1e-9)
	roc, err = NewROC([]float32{0.9, 0.8, 0.2, 0.1}, []int{0, 0, 1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, roc.AUC, 1e-9)

	// Errors.
	_, err = NewROC([]float32{0.1, 0.2}, []int{1, 1})
	require.Error(t, err)
	_, err = NewROC([]float32{0.1}, []int{1, 0})
	require.Error(t, err)
}
