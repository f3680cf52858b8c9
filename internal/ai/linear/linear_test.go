package linear

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"
)

func TestPredictAndGradient(t *testing.T) {
	model := NewWithWeights(
		// Weights:
		2, -1, 4,
		// Bias:
		3)
	model.L2Reg = 0
	model.GradientL2Clip = 0

	grad := make([]float32, len(model.weights))
	for _, test := range []struct {
		inputs []float32
		label  float32
	}{
		{inputs: []float32{0, 0, 0}, label: 1},
		{inputs: []float32{0.1, 0.1, 0.1}, label: 0},
		{inputs: []float32{-0.9, -0.9, -0.9}, label: 1},
		{inputs: []float32{0.2, -0.1, -0.5}, label: 0},
	} {
		logit := 3.0
		for ii, w := range []float64{2, -1, 4} {
			logit += w * float64(test.inputs[ii])
		}
		p := 1 / (1 + math.Exp(-logit))
		y := float64(test.label)
		wantLoss := -(y*math.Log(p) + (1-y)*math.Log(1-p))

		got := model.Predict([][]float32{test.inputs})
		assert.InDelta(t, p, got[0], 1e-5)
		loss, _ := model.Evaluate([][]float32{test.inputs}, []float32{test.label})
		assert.InDelta(t, wantLoss, loss, 1e-4)

		model.calculateGradient([][]float32{test.inputs}, []float32{test.label}, grad)
		for ii, x := range test.inputs {
			assert.InDelta(t, (p-y)*float64(x), grad[ii], 1e-5)
		}
		assert.InDelta(t, p-y, grad[3], 1e-5)
	}
}

func TestClipL2(t *testing.T) {
	vec := []float32{3, 4}
	clipL2(vec, 1)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, vec, 1e-6)
	clipL2(vec, 10)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, vec, 1e-6)
}

// TestLearn checks that it separates beats whose mean amplitude depends on the label.
func TestLearn(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	const signalLength, numExamples = 8, 512
	signals := make([][]float32, numExamples)
	labels := make([]float32, numExamples)
	for ii := range signals {
		labels[ii] = float32(ii % 2)
		shift := 2*labels[ii] - 1
		signals[ii] = make([]float32, signalLength)
		for jj := range signals[ii] {
			signals[ii][jj] = shift + float32(rng.NormFloat64())
		}
	}

	model := New(signalLength)
	model.SetLearningRate(0.1)
	assert.InDelta(t, 0.1, model.LearningRate(), 1e-7)
	initialLoss, _ := model.Evaluate(signals, labels)
	var loss, accuracy float32
	for range 50 {
		for start := 0; start < numExamples; start += 64 {
			loss, accuracy = model.Learn(signals[start:start+64], labels[start:start+64])
		}
	}
	loss, accuracy = model.Evaluate(signals, labels)
	assert.Less(t, loss, initialLoss)
	assert.Greater(t, accuracy, float32(0.9))
}

func TestSaveAndLoad(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "linear.txt")
	model, err := LoadOrCreate(fileName, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, model.SignalLength())
	assert.Equal(t, "linear[3]", model.String())
	assert.Equal(t, []float32{0, 0, 0, 0}, model.Weights())

	model.weights = []float32{0.5, -1.25, 3, 0.125}
	require.NoError(t, model.Save())
	require.NoError(t, model.Save()) // Second save renames the previous file.
	assert.FileExists(t, fileName+"~")

	loaded, err := LoadOrCreate(fileName, 3)
	require.NoError(t, err)
	assert.Equal(t, model.Weights(), loaded.Weights())

	_, err = LoadOrCreate(fileName, 5)
	require.Error(t, err)
}
