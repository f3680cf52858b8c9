package gomlx

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Model is a GoMLX supported model, the backend of the gomlx.Learner.
//
// Inputs follow a fixed convention: inputs[0] is the batch of signals shaped [batch_size, signal_length],
// padded with zeros, and inputs[1] is an Int32 scalar with the number of examples actually used.
type Model interface {
	// Context used by the model: with both it weights and hyperparameters.
	Context() *context.Context

	// CreateInputs for a batch of signals as tensors.
	// It should also do the padding.
	CreateInputs(signals [][]float32) []*tensors.Tensor

	// CreateLabels tensor for the signals.
	// It should also do the padding to match the inputs.
	CreateLabels(labels []float32) *tensors.Tensor

	// ForwardGraph is the GoMLX model graph function with the forward path.
	// It must return the logits of the abnormal class for each signal, shaped [batch_size, 1].
	ForwardGraph(ctx *context.Context, inputs []*Node) *Node

	// LossGraph should calculate the loss given the inputs, the logits returned by ForwardGraph and the
	// labels (shaped [batch_size, 1]).
	// It must return a scalar with the loss value, and it must ignore the padding.
	LossGraph(ctx *context.Context, inputs []*Node, logits, labels *Node) *Node
}

// getBatchMask based on padding on the inputs: shaped [batch_size, 1], true for the used examples.
func getBatchMask(inputs []*Node) *Node {
	signals := inputs[0]
	usedBatchSize := inputs[1]
	g := signals.Graph()
	batchSize := signals.Shape().Dim(0)
	return LessThan(Iota(g, shapes.Make(dtypes.Int32, batchSize, 1), 0), usedBatchSize)
}

// maskedMean returns the mean of values (shaped [batch_size, 1]) over the used examples only.
func maskedMean(inputs []*Node, values *Node) *Node {
	g := values.Graph()
	mask := ConvertDType(getBatchMask(inputs), values.DType())
	count := Max(ReduceAllSum(mask), Scalar(g, values.DType(), 1))
	return Div(ReduceAllSum(Mul(values, mask)), count)
}

// AccuracyGraph returns the fraction of the used examples whose logits are on the same side of
// the decision boundary as the labels.
func AccuracyGraph(inputs []*Node, logits, labels *Node) *Node {
	predictions := ConvertDType(GreaterOrEqual(logits, ZerosLike(logits)), logits.DType())
	correct := AddScalar(Neg(Abs(Sub(predictions, labels))), 1)
	return maskedMean(inputs, correct)
}

// paddedBatchSize returns a padded batchSize for the given numExamples.
// This is important so we don't have too many different versions of the program for every different batch size.
func paddedBatchSize(ctx *context.Context, numExamples int) int {
	// Make sure the default batchSize is supported without padding.
	defaultBatchSize := context.GetParamOr(ctx, ParamBatchSize, 128)
	if numExamples == defaultBatchSize || numExamples == 1 {
		return numExamples
	}

	// Starts with 8, anything smaller than that, the cost in space is too small, not worth having multiple programs
	// for different padding sizes.
	paddedSize := 8
	for paddedSize < numExamples {
		// Increase 1.5x at a time.
		paddedSize = paddedSize + (paddedSize+1)/2
	}
	return paddedSize
}

// createSignalsInputs creates the padded signals tensor and the number of used examples.
func createSignalsInputs(ctx *context.Context, signals [][]float32) []*tensors.Tensor {
	numExamples := len(signals)
	signalLength := len(signals[0])
	padded := paddedBatchSize(ctx, numExamples)
	signalsT := tensors.FromShape(shapes.Make(dtypes.Float32, padded, signalLength))
	tensors.MutableFlatData(signalsT, func(flat []float32) {
		for ii, signal := range signals {
			copy(flat[ii*signalLength:(ii+1)*signalLength], signal)
		}
	})
	return []*tensors.Tensor{signalsT, tensors.FromScalar(int32(numExamples))}
}

// createLabels creates the padded labels tensor shaped [padded_batch_size, 1].
func createLabels(ctx *context.Context, labels []float32) *tensors.Tensor {
	padded := paddedBatchSize(ctx, len(labels))
	labelsT := tensors.FromShape(shapes.Make(dtypes.Float32, padded, 1))
	tensors.MutableFlatData(labelsT, func(flat []float32) {
		copy(flat, labels)
	})
	return labelsT
}
