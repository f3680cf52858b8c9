// Package ai defines the standard interfaces that the ECG beat classifiers (and their learners)
// implement, and a few helpers shared by the trainer and the ensemble.
package ai

import (
	"github.com/chewxy/math32"
)

// DecisionThreshold on the probability of LabelAbnormal above which a beat is classified as abnormal.
const DecisionThreshold = float32(0.5)

// Classifier returns, for each signal, the probability that the heartbeat is abnormal.
type Classifier interface {
	// Predict probabilities of the abnormal class, one per signal.
	Predict(signals [][]float32) []float32

	// String returns the model name.
	String() string
}

// Learner is the interface used to train a Classifier model.
type Learner interface {
	Classifier

	// Learn from the given batch of signals and their labels (0 or 1).
	// It returns the training loss and accuracy -- mean over batch.
	Learn(signals [][]float32, labels []float32) (loss, accuracy float32)

	// Evaluate returns the loss and accuracy of the model on the batch, without training.
	Evaluate(signals [][]float32, labels []float32) (loss, accuracy float32)

	// LearningRate currently used by the optimizer.
	LearningRate() float64

	// SetLearningRate changes the learning rate used by the optimizer, e.g.: by a scheduler.
	SetLearningRate(learningRate float64)

	// Save the model being learned -- or create a new checkpoint.
	Save() error

	// BatchSize returns the batch size used by the learner.
	// If Learn is called with more examples than this, they are padded, and the padding is masked.
	BatchSize() int
}

// Confidence of a probability prediction, from 0 (p=0.5) to 1 (p=0 or p=1).
func Confidence(p float32) float32 {
	return math32.Abs(2*p - 1)
}

// Predicted returns the class predicted for the probability p of the abnormal class.
func Predicted(p float32) int {
	if p >= DecisionThreshold {
		return 1
	}
	return 0
}

// Accuracy of the probabilities with respect to the labels.
func Accuracy(probabilities []float32, labels []int) float32 {
	if len(labels) == 0 {
		return 0
	}
	var correct int
	for ii, p := range probabilities {
		if Predicted(p) == labels[ii] {
			correct++
		}
	}
	return float32(correct) / float32(len(labels))
}

// Sigmoid converts a logit to a probability.
func Sigmoid(logit float32) float32 {
	return 1 / (1 + math32.Exp(-logit))
}
