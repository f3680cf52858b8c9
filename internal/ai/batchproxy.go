package ai

import (
	"fmt"
)

// BatchedClassifier wraps a Classifier, and splits calls to Predict into chunks of at most
// BatchSize signals, so the wrapped model only sees a bounded number of batch sizes.
type BatchedClassifier struct {
	Classifier
	BatchSize int
}

// Predict calls the wrapped Classifier.Predict for each chunk of signals.
func (c BatchedClassifier) Predict(signals [][]float32) (probabilities []float32) {
	if c.BatchSize <= 0 || len(signals) <= c.BatchSize {
		return c.Classifier.Predict(signals)
	}
	probabilities = make([]float32, 0, len(signals))
	for start := 0; start < len(signals); start += c.BatchSize {
		end := min(start+c.BatchSize, len(signals))
		probabilities = append(probabilities, c.Classifier.Predict(signals[start:end])...)
	}
	return
}

func (c BatchedClassifier) String() string {
	return fmt.Sprintf("%s[batch=%d]", c.Classifier, c.BatchSize)
}

// Assert BatchedClassifier implements Classifier
var _ Classifier = BatchedClassifier{}
