package gomlx

import (
	"fmt"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/ecgGo/internal/generics"
	"github.com/janpfeifer/ecgGo/internal/parameters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math"
	"math/rand/v2"
	"testing"
)

func TestPaddedBatchSize(t *testing.T) {
	ctx := NewCNN().Context()
	for numExamples, want := range map[int]int{1: 1, 2: 8, 8: 8, 9: 12, 13: 18, 100: 140, 128: 128} {
		assert.Equal(t, want, paddedBatchSize(ctx, numExamples), "paddedBatchSize(%d)", numExamples)
	}
}

func softplus(x float64) float64 { return math.Log1p(math.Exp(x)) }

func TestFocalLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	logits := [][]float32{{0}, {2}, {-1}}
	labels := [][]float32{{1}, {0}, {1}}
	// Binary cross-entropy of each example.
	bce := []float64{softplus(0), softplus(2), softplus(1)}
	sigmoid := func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
	pT := []float64{sigmoid(0), 1 - sigmoid(2), sigmoid(-1)}

	for _, gamma := range []float64{0, 2} {
		lossT := graph.ExecOnce(backend, func(logits, labels *graph.Node) *graph.Node {
			return FocalLoss(logits, labels, 0.5, gamma)
		}, logits, labels)
		lossT.Shape().AssertDims(3, 1)
		got := tensors.CopyFlatData[float32](lossT)
		for ii := range bce {
			want := 0.5 * bce[ii] * math.Pow(1-pT[ii], gamma)
			assert.InDelta(t, want, got[ii], 1e-4, "gamma=%g, example #%d", gamma, ii)
		}
	}

	// Alpha weights the positive class.
	lossT := graph.ExecOnce(backend, func(logits, labels *graph.Node) *graph.Node {
		return FocalLoss(logits, labels, 0.25, 0)
	}, logits, labels)
	got := tensors.CopyFlatData[float32](lossT)
	assert.InDelta(t, 0.25*bce[0], got[0], 1e-4)
	assert.InDelta(t, 0.75*bce[1], got[1], 1e-4)

	// Large logits must not overflow.
	lossT = graph.ExecOnce(backend, func(logits, labels *graph.Node) *graph.Node {
		return FocalLoss(logits, labels, 0.5, 2)
	}, [][]float32{{100}, {-100}}, [][]float32{{0}, {1}})
	for _, v := range tensors.CopyFlatData[float32](lossT) {
		assert.False(t, math.IsInf(float64(v), 0) || math.IsNaN(float64(v)))
		assert.Greater(t, v, float32(10))
	}
}

// makeSignals creates separable signals: abnormal beats have a positive bump in the middle, normal beats
// a negative one.
func makeSignals(rng *rand.Rand, numExamples, signalLength int) (signals [][]float32, labels []float32) {
	for ii := range numExamples {
		label := float32(ii % 2)
		signal := make([]float32, signalLength)
		for jj := range signal {
			signal[jj] = float32(rng.NormFloat64()) * 0.1
			if jj >= signalLength/3 && jj < 2*signalLength/3 {
				signal[jj] += 2*label - 1
			}
		}
		signals = append(signals, signal)
		labels = append(labels, label)
	}
	return
}

const testModelConfig = "conv_blocks=2,conv_filters=4,conv_kernel_size=3,head_hidden=8,batch_size=16,seed=42"

func TestCNN_ForwardGraph(t *testing.T) {
	cnn := NewCNN()
	cnn.Context().SetParam(ParamConvFilters, 4)
	signals, _ := makeSignals(rand.New(rand.NewPCG(1, 2)), 3, 32)
	inputs := cnn.CreateInputs(signals)
	inputsAny := generics.SliceMap(inputs, func(t *tensors.Tensor) any { return t })
	backend := graphtest.BuildTestBackend()
	logitsT := context.ExecOnce(backend, cnn.Context(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		return cnn.ForwardGraph(ctx, inputs)
	}, inputsAny...)
	fmt.Printf("Logits: %s\n", logitsT)
	logitsT.Shape().AssertDims(8, 1) // 3 examples padded to 8.
}

func TestLearner(t *testing.T) {
	learner, err := New("", 32, parameters.NewFromConfigString(testModelConfig))
	require.NoError(t, err)
	fmt.Printf("Learner %s: %d parameters\n", learner, learner.NumParameters())
	assert.Equal(t, 16, learner.BatchSize())
	assert.Greater(t, learner.NumParameters(), 0)

	// Learning rate control.
	assert.InDelta(t, 0.001, learner.LearningRate(), 1e-7)
	learner.SetLearningRate(0.01)
	assert.InDelta(t, 0.01, learner.LearningRate(), 1e-7)

	rng := rand.New(rand.NewPCG(42, 0))
	valSignals, valLabels := makeSignals(rng, 20, 32)
	initialLoss, _ := learner.Evaluate(valSignals, valLabels)
	for range 60 {
		signals, labels := makeSignals(rng, 16, 32)
		loss, accuracy := learner.Learn(signals, labels)
		require.False(t, math.IsNaN(float64(loss)))
		require.GreaterOrEqual(t, accuracy, float32(0))
		require.LessOrEqual(t, accuracy, float32(1))
	}
	finalLoss, finalAccuracy := learner.Evaluate(valSignals, valLabels)
	fmt.Printf("Loss: %.4f -> %.4f, accuracy %.2f\n", initialLoss, finalLoss, finalAccuracy)
	assert.Less(t, finalLoss, initialLoss)
	assert.GreaterOrEqual(t, finalAccuracy, float32(0.8))

	probabilities := learner.Predict(valSignals)
	require.Len(t, probabilities, len(valSignals))
	for _, p := range probabilities {
		assert.True(t, p >= 0 && p <= 1)
	}
	assert.Empty(t, learner.Predict(nil))

	// Not associated to a checkpoint: Save is a no-op.
	require.NoError(t, learner.Save())
	assert.Equal(t, "", learner.Dir())
}

func TestLearnerCheckpoint(t *testing.T) {
	dir := t.TempDir()
	learner, err := New(dir, 32, parameters.NewFromConfigString(testModelConfig))
	require.NoError(t, err)
	assert.Contains(t, learner.String(), dir)
	rng := rand.New(rand.NewPCG(42, 0))
	for range 5 {
		signals, labels := makeSignals(rng, 16, 32)
		learner.Learn(signals, labels)
	}
	require.NoError(t, learner.Save())
	signals, _ := makeSignals(rng, 5, 32)
	want := learner.Predict(signals)

	// Reload: hyperparameters and weights come from the checkpoint.
	reloaded, err := New(dir, 32, parameters.Params{})
	require.NoError(t, err)
	assert.Equal(t, 16, reloaded.BatchSize())
	got := reloaded.Predict(signals)
	require.Len(t, got, len(want))
	for ii := range want {
		assert.InDelta(t, want[ii], got[ii], 1e-5)
	}
}

func TestScaleGradient(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := graph.NewExec(backend, func(x *graph.Node) []*graph.Node {
		y := scaleGradient(x, 8)
		loss := graph.ReduceAllSum(graph.Mul(y, y))
		return []*graph.Node{y, graph.Gradient(loss, x)[0]}
	})
	outputs := exec.Call([]float32{1, -2, 0.5})
	// Forward is the identity, and the gradient (2x) is multiplied by 8.
	assert.Equal(t, []float32{1, -2, 0.5}, tensors.CopyFlatData[float32](outputs[0]))
	assert.InDeltaSlice(t, []float32{16, -32, 8}, tensors.CopyFlatData[float32](outputs[1]), 1e-5)
}

func TestPrecisionFromContext(t *testing.T) {
	ctx := NewCNN().Context()
	p, err := precisionFromContext(ctx)
	require.NoError(t, err)
	assert.False(t, p.enabled)

	ctx.SetParam(ParamMixedPrecision, true)
	p, err = precisionFromContext(ctx)
	require.NoError(t, err)
	assert.True(t, p.enabled)
	assert.Equal(t, dtypes.Float16, p.dtype)
	assert.Equal(t, 1024.0, p.lossScale)

	ctx.SetParam(ParamLossScale, 0.0)
	_, err = precisionFromContext(ctx)
	require.Error(t, err)
}

// TestLearnerMixedPrecision trains with the convolutions in float16: the L2 regularization of every layer
// and the float32 head must combine, and the weights must stay in float32.
func TestLearnerMixedPrecision(t *testing.T) {
	learner, err := New("", 32, parameters.NewFromConfigString(testModelConfig+",mixed_precision=true"))
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(42, 0))
	valSignals, valLabels := makeSignals(rng, 20, 32)
	initialLoss, _ := learner.Evaluate(valSignals, valLabels)
	learner.SetLearningRate(0.01)
	for range 60 {
		signals, labels := makeSignals(rng, 16, 32)
		loss, _ := learner.Learn(signals, labels)
		require.False(t, math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0))
	}
	finalLoss, finalAccuracy := learner.Evaluate(valSignals, valLabels)
	fmt.Printf("Mixed precision loss: %.4f -> %.4f, accuracy %.2f\n", initialLoss, finalLoss, finalAccuracy)
	assert.Less(t, finalLoss, initialLoss)
	assert.GreaterOrEqual(t, finalAccuracy, float32(0.7))

	learner.model.Context().EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			assert.Equal(t, dtypes.Float32, v.Shape().DType, "variable %s", v.ScopeAndName())
		}
	})
}

func TestNewErrors(t *testing.T) {
	_, err := New("", 0, parameters.NewFromConfigString("model=transformer"))
	require.Error(t, err)
	_, err = New("", 0, parameters.NewFromConfigString("model=help"))
	require.Error(t, err)
	_, err = New("", 0, parameters.NewFromConfigString("conv_blcks=3"))
	require.ErrorContains(t, err, "conv_blcks")
	_, err = New("", 0, parameters.NewFromConfigString("conv_blocks=three"))
	require.Error(t, err)
	_, err = New("", 0, parameters.NewFromConfigString("mixed_precision,mixed_precision_dtype=float8"))
	require.Error(t, err)

	modelType, err := ParseModelType(" CNN ")
	require.NoError(t, err)
	assert.Equal(t, ModelCNN, modelType)
}
