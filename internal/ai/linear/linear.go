// Package linear implements a pure Go logistic regression over the (preprocessed) beat samples.
//
// It defines its own gradient, trains with plain SGD, and is used as a baseline to compare against
// the CNN ensemble. It needs no accelerator backend.
package linear

import (
	"fmt"
	"github.com/chewxy/math32"
	"github.com/janpfeifer/ecgGo/internal/ai"
	"github.com/janpfeifer/ecgGo/internal/generics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Classifier is a linear model (one weight per signal sample + bias) followed by a sigmoid.
// It implements ai.Classifier and ai.Learner.
type Classifier struct {
	weights []float32

	// LR is the learning rate to use when training the linear model, and L2Reg the regularization.
	LR, L2Reg float32

	// GradientL2Clip clips the gradient to this l2 length before applying.
	GradientL2Clip float32

	// NumSteps of gradient descent when Learn is called.
	NumSteps int

	// Batch is the batch size reported to the trainer.
	Batch int

	// FileName where to save/load the model from.
	FileName string

	// mu protects weights.
	mu     sync.RWMutex
	muSave sync.Mutex
}

var (
	// Assert Classifier is an ai.Classifier and an ai.Learner.
	_ ai.Classifier = (*Classifier)(nil)
	_ ai.Learner    = (*Classifier)(nil)
)

// NewWithWeights creates a new Classifier with the given weights, the last one is the bias.
// Ownership of the weights is transferred.
func NewWithWeights(weights ...float32) *Classifier {
	return &Classifier{
		weights:        weights,
		LR:             0.01,
		L2Reg:          1e-4,
		GradientL2Clip: 10.0,
		NumSteps:       1,
		Batch:          128,
	}
}

// New creates a zero initialized Classifier for signals of the given length.
func New(signalLength int) *Classifier {
	return NewWithWeights(make([]float32, signalLength+1)...)
}

// SignalLength the model operates on.
func (c *Classifier) SignalLength() int {
	return len(c.weights) - 1
}

// String implements fmt.Stringer and ai.Classifier.
func (c *Classifier) String() string {
	return fmt.Sprintf("linear[%d]", c.SignalLength())
}

// Weights returns a copy of the weights, the last one is the bias.
func (c *Classifier) Weights() []float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]float32(nil), c.weights...)
}

func (c *Classifier) logit(x []float32) float32 {
	// Sum starts with bias.
	sum := c.weights[len(c.weights)-1]
	if len(c.weights)-1 != len(x) {
		klog.Fatalf("Signal length is %d, but weights dimension is %d (+1 bias)", len(x), len(c.weights)-1)
	}
	for ii, value := range x {
		sum += value * c.weights[ii]
	}
	return sum
}

// Predict implements ai.Classifier.
func (c *Classifier) Predict(signals [][]float32) []float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lockedPredict(signals)
}

func (c *Classifier) lockedPredict(signals [][]float32) []float32 {
	return generics.SliceMap(signals, func(x []float32) float32 { return ai.Sigmoid(c.logit(x)) })
}

// BatchSize implements ai.Learner.
func (c *Classifier) BatchSize() int { return c.Batch }

// LearningRate implements ai.Learner.
func (c *Classifier) LearningRate() float64 { return float64(c.LR) }

// SetLearningRate implements ai.Learner.
func (c *Classifier) SetLearningRate(learningRate float64) { c.LR = float32(learningRate) }

// l2RegularizationLoss is the regularization term for the loss.
func (c *Classifier) l2RegularizationLoss() float32 {
	if c.L2Reg == 0 {
		return 0
	}
	sum := float32(0)
	for _, param := range c.weights {
		sum += param * param
	}
	return sum * c.L2Reg
}

// Learn implements ai.Learner, and trains the model with the batch of signals and their labels.
// It returns the loss and accuracy, measured after the update.
func (c *Classifier) Learn(signals [][]float32, labels []float32) (loss, accuracy float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	grad := make([]float32, len(c.weights))
	for range max(c.NumSteps, 1) {
		c.calculateGradient(signals, labels, grad)
		if c.GradientL2Clip > 0 {
			clipL2(grad, c.GradientL2Clip)
		}
		for ii := range grad {
			c.weights[ii] -= c.LR * grad[ii]
		}
	}
	return c.lockedEvaluate(signals, labels)
}

// Evaluate implements ai.Learner.
func (c *Classifier) Evaluate(signals [][]float32, labels []float32) (loss, accuracy float32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lockedEvaluate(signals, labels)
}

// epsilon keeps the log of probabilities finite.
const epsilon = 1e-7

// lockedEvaluate returns the mean binary cross-entropy (plus the L2 term) and the accuracy.
func (c *Classifier) lockedEvaluate(signals [][]float32, labels []float32) (loss, accuracy float32) {
	if len(signals) == 0 {
		return 0, 0
	}
	probabilities := c.lockedPredict(signals)
	losses := make([]float32, len(probabilities))
	var correct int
	for ii, p := range probabilities {
		p = min(max(p, epsilon), 1-epsilon)
		y := labels[ii]
		losses[ii] = -(y*math32.Log(p) + (1-y)*math32.Log(1-p))
		if float32(ai.Predicted(p)) == y {
			correct++
		}
	}
	n := float32(len(signals))
	loss = generics.Sum(losses)/n + c.l2RegularizationLoss()
	accuracy = float32(correct) / n
	return
}

// calculateGradient of the binary cross-entropy loss:
//
//	  x, x_i: input signal and sample i
//	  w, w_i: weights, and weight term i
//	  b: bias term of the model
//	  p: sigmoid(w*x+b)
//	Loss = -(y*log(p) + (1-y)*log(1-p))/N
//	  dLoss/dw_i = (p-y)*x_i/N
//	  dLoss/db = (p-y)/N
func (c *Classifier) calculateGradient(inputs [][]float32, labels []float32, gradient []float32) {
	for i := range gradient {
		gradient[i] = 0
	}
	if len(inputs) == 0 {
		return
	}
	n := float32(len(inputs))
	for exampleIdx, x := range inputs {
		diff := ai.Sigmoid(c.logit(x)) - labels[exampleIdx]
		for i, xi := range x {
			gradient[i] += diff * xi
		}
		// Gradient of the bias term (the last).
		gradient[len(gradient)-1] += diff
	}
	for ii := range gradient {
		gradient[ii] /= n
	}
	if c.L2Reg > 0 {
		for ii := range c.weights {
			gradient[ii] += 2 * c.weights[ii] * c.L2Reg
		}
	}
}

func l2Len(vec []float32) float32 {
	total := float32(0.0)
	for _, value := range vec {
		total += value * value
	}
	return math32.Sqrt(total)
}

// clipL2 clips the L2 length of the vector.
func clipL2(vec []float32, maxLen float32) {
	l2 := l2Len(vec)
	if l2 > maxLen {
		ratio := maxLen / l2
		klog.V(2).Infof("clip: l2=%g, maxLen=%g, ratio=%g", l2, maxLen, ratio)
		for ii := range vec {
			vec[ii] *= ratio
		}
	}
}

// Save implements ai.Learner: it writes the weights to c.FileName, one per line.
func (c *Classifier) Save() error {
	c.muSave.Lock()
	defer c.muSave.Unlock()

	if c.FileName == "" {
		klog.Errorf("Linear model not saved, because no file name was specified")
		return nil
	}

	// Rename existing file, if it exists.
	file := c.FileName
	if _, err := os.Stat(file); err == nil {
		err = os.Rename(file, file+"~")
		if err != nil {
			return errors.Wrapf(err, "failed to rename %s to %s", c.FileName, c.FileName+"~")
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to stat %s", c.FileName)
	}

	weights := c.Weights()
	valuesStr := make([]string, len(weights))
	for ii, value := range weights {
		valuesStr[ii] = strconv.FormatFloat(float64(value), 'g', -1, 32)
	}
	allValues := strings.Join(valuesStr, "\n")
	err := os.WriteFile(c.FileName, []byte(allValues), 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to save %s", c.FileName)
	}
	return nil
}

// LoadOrCreate model from fileName, or create a new zero initialized one if the file doesn't exist.
// The returned model saves to fileName.
func LoadOrCreate(fileName string, signalLength int) (*Classifier, error) {
	_, err := os.Stat(fileName)
	if os.IsNotExist(err) {
		c := New(signalLength)
		c.FileName = fileName
		klog.V(1).Infof("New linear model created for %s with %d weights", fileName, signalLength)
		return c, nil
	}

	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "LoadOrCreate failed to read file %s", fileName)
	}
	valuesStr := strings.Split(string(data), "\n")
	weights := make([]float32, 0, len(valuesStr))
	for lineNum, valueStr := range valuesStr {
		valueStr = strings.TrimSpace(valueStr)
		if valueStr == "" || strings.HasPrefix(valueStr, "#") || strings.HasPrefix(valueStr, "//") {
			// Skip empty lines and comments.
			continue
		}
		f64, err := strconv.ParseFloat(valueStr, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "LoadOrCreate failed to parse value in file %s, at line number #%d",
				fileName, lineNum+1)
		}
		weights = append(weights, float32(f64))
	}
	if len(weights) != signalLength+1 {
		return nil, errors.Errorf("linear model in %s has %d weights, expected %d (signal length) + 1 (bias)",
			fileName, len(weights), signalLength)
	}
	c := NewWithWeights(weights...)
	c.FileName = fileName
	return c, nil
}
