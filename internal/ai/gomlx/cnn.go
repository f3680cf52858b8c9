package gomlx

import (
	"fmt"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// ParamBatchSize is the number of signals per training step.
	ParamBatchSize = "batch_size"

	// ParamConvBlocks is the number of convolution blocks (conv, batch norm, activation, max pool, dropout).
	ParamConvBlocks = "conv_blocks"

	// ParamConvFilters is the number of filters of the first convolution block. It doubles at each block.
	ParamConvFilters = "conv_filters"

	// ParamConvKernelSize is the size of the convolution kernels.
	ParamConvKernelSize = "conv_kernel_size"

	// ParamAttentionReduction is the reduction ratio of the hidden layer of the channel attention gate.
	ParamAttentionReduction = "attention_reduction"

	// ParamHeadHidden is the number of hidden units of the classifier head. If 0 there is no hidden layer.
	ParamHeadHidden = "head_hidden"

	// ParamFocalAlpha is the weight of the abnormal class in the focal loss.
	ParamFocalAlpha = "focal_alpha"

	// ParamFocalGamma is the focusing exponent of the focal loss: 0 makes it a weighted cross-entropy.
	ParamFocalGamma = "focal_gamma"

	// ParamMixedPrecision runs the convolutions of the feature extractor in ParamMixedPrecisionDType.
	// Variables, batch normalization, attention, head and loss stay in float32.
	ParamMixedPrecision = "mixed_precision"

	// ParamMixedPrecisionDType is the reduced precision dtype: "float16" or "bfloat16".
	ParamMixedPrecisionDType = "mixed_precision_dtype"

	// ParamLossScale is the static loss scaling factor applied to the gradients inside the reduced
	// precision convolutions.
	ParamLossScale = "mixed_precision_loss_scale"
)

// CNN implements a 1D convolutional network with a channel attention gate over the ECG beat.
type CNN struct {
	ctx *context.Context
}

// Compile-time assert that CNN implements Model.
var _ Model = &CNN{}

// NewCNN creates a CNN model with a fresh context, initialized with hyperparameters set to their defaults.
func NewCNN() *CNN {
	cnn := &CNN{ctx: context.New()}
	cnn.ctx.RngStateReset()
	cnn.ctx.SetParams(map[string]any{
		ParamBatchSize: 128,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
		optimizers.ParamAdamEpsilon:  1e-7,
		optimizers.ParamAdamDType:    "",
		activations.ParamActivation:  "relu",
		layers.ParamDropoutRate:      0.2,
		regularizers.ParamL2:         1e-5,

		// Feature extractor:
		ParamConvBlocks:         3,
		ParamConvFilters:        32,
		ParamConvKernelSize:     5,
		ParamAttentionReduction: 8,

		// Classifier head and loss:
		ParamHeadHidden: 64,
		ParamFocalAlpha: 0.25,
		ParamFocalGamma: 2.0,

		ParamMixedPrecision:      false,
		ParamMixedPrecisionDType: "float16",
		ParamLossScale:           1024.0,
	})
	cnn.ctx = cnn.ctx.Checked(false)
	return cnn
}

// Context implements Model.
func (cnn *CNN) Context() *context.Context {
	return cnn.ctx
}

// CreateInputs implements Model.CreateInputs.
func (cnn *CNN) CreateInputs(signals [][]float32) []*tensors.Tensor {
	return createSignalsInputs(cnn.ctx, signals)
}

// CreateLabels implements Model.CreateLabels.
func (cnn *CNN) CreateLabels(labels []float32) *tensors.Tensor {
	return createLabels(cnn.ctx, labels)
}

// reducedPrecisionDType returns the dtype configured for mixed precision.
func reducedPrecisionDType(ctx *context.Context) (dtypes.DType, error) {
	name := context.GetParamOr(ctx, ParamMixedPrecisionDType, "float16")
	switch name {
	case "float16":
		return dtypes.Float16, nil
	case "bfloat16":
		return dtypes.BFloat16, nil
	}
	return dtypes.InvalidDType, errors.Errorf("invalid %s=%q, valid values are \"float16\" or \"bfloat16\"",
		ParamMixedPrecisionDType, name)
}

// ForwardGraph returns the logits of the abnormal class, shaped [batch_size, 1].
func (cnn *CNN) ForwardGraph(ctx *context.Context, inputs []*Node) *Node {
	x := inputs[0]
	batchSize := x.Shape().Dim(0)
	p, err := precisionFromContext(ctx)
	if err != nil {
		panic(err)
	}

	// Signals are a sequence of 1 channel: [batch_size, signal_length, 1]
	x = ExpandAxes(x, -1)
	numBlocks := context.GetParamOr(ctx, ParamConvBlocks, 3)
	filters := context.GetParamOr(ctx, ParamConvFilters, 32)
	kernelSize := context.GetParamOr(ctx, ParamConvKernelSize, 5)
	for blockIdx := range numBlocks {
		blockCtx := ctx.In(fmt.Sprintf("conv_block_%d", blockIdx))
		x = conv1D(blockCtx.In("conv"), x, filters, kernelSize, p)
		x = batchnorm.New(blockCtx, x, -1).Done()
		x = activations.ApplyFromContext(blockCtx, x)
		if x.Shape().Dim(1) >= 2 {
			x = MaxPool(x).Window(2).ChannelsAxis(images.ChannelsLast).Done()
		}
		x = layers.DropoutFromContext(blockCtx, x)
		filters *= 2
	}
	x = channelAttention(ctx.In("attention"), x)

	// Global average pooling over time.
	x = ReduceMean(x, 1)
	if hidden := context.GetParamOr(ctx, ParamHeadHidden, 64); hidden > 0 {
		x = layers.Dense(ctx.In("head"), x, true, hidden)
		x = activations.ApplyFromContext(ctx, x)
		x = layers.DropoutFromContext(ctx, x)
	}
	logits := layers.Dense(ctx.In("logits"), x, true, 1)
	logits.AssertDims(batchSize, 1) // 2-dim tensor, with batch size as the leading dimension.
	return logits
}

// channelAttention implements a squeeze-and-excitation gate: each channel of x (shaped
// [batch_size, length, channels]) is scaled by a learned function (in [0, 1]) of the time averaged
// channel values.
func channelAttention(ctx *context.Context, x *Node) *Node {
	channels := x.Shape().Dimensions[x.Rank()-1]
	reduction := context.GetParamOr(ctx, ParamAttentionReduction, 8)
	hidden := max(channels/max(reduction, 1), 1)

	squeezed := ReduceMean(x, 1) // [batch_size, channels]
	excited := layers.Dense(ctx.In("reduce"), squeezed, true, hidden)
	excited = activations.ApplyFromContext(ctx, excited)
	gate := Sigmoid(layers.Dense(ctx.In("expand"), excited, true, channels))
	gate = BroadcastToDims(ExpandAxes(gate, 1), x.Shape().Dimensions...)
	return Mul(x, gate)
}

// LossGraph implements Model.LossGraph with the focal loss, masked to ignore padding.
func (cnn *CNN) LossGraph(ctx *context.Context, inputs []*Node, logits, labels *Node) *Node {
	alpha := context.GetParamOr(ctx, ParamFocalAlpha, 0.25)
	gamma := context.GetParamOr(ctx, ParamFocalGamma, 2.0)
	return maskedMean(inputs, FocalLoss(logits, labels, alpha, gamma))
}
