package gomlx

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// precision configures where the computation runs in reduced precision.
//
// Variables are always stored in float32 (the master weights): they are converted to the reduced dtype
// when entering a reduced precision region, and results are converted back to float32 when leaving it.
// Gradients flowing through the region are multiplied by lossScale, so small values don't underflow in
// float16, and divided back when leaving it (towards the variables or earlier layers).
type precision struct {
	enabled   bool
	dtype     dtypes.DType
	lossScale float64
}

// precisionFromContext reads ParamMixedPrecision, ParamMixedPrecisionDType and ParamLossScale.
func precisionFromContext(ctx *context.Context) (precision, error) {
	if !context.GetParamOr(ctx, ParamMixedPrecision, false) {
		return precision{dtype: dtypes.Float32, lossScale: 1}, nil
	}
	dtype, err := reducedPrecisionDType(ctx)
	if err != nil {
		return precision{}, err
	}
	lossScale := context.GetParamOr(ctx, ParamLossScale, 1024.0)
	if lossScale <= 0 {
		return precision{}, errors.Errorf("invalid %s=%g, it must be > 0", ParamLossScale, lossScale)
	}
	return precision{enabled: true, dtype: dtype, lossScale: lossScale}, nil
}

// scaleGradient is the identity in the forward pass, and multiplies the gradient by factor
// in the backward pass.
func scaleGradient(x *Node, factor float64) *Node {
	if factor == 1 {
		return x
	}
	frozen := StopGradient(x)
	return Add(frozen, MulScalar(Sub(x, frozen), factor))
}

// enter converts a float32 value into the reduced precision region.
func (p precision) enter(x *Node) *Node {
	if !p.enabled {
		return x
	}
	return ConvertDType(scaleGradient(x, 1/p.lossScale), p.dtype)
}

// leave converts a value of the reduced precision region back to dtype.
func (p precision) leave(x *Node, dtype dtypes.DType) *Node {
	if !p.enabled {
		return x
	}
	return scaleGradient(ConvertDType(x, dtype), p.lossScale)
}

// conv1D is a "same" padded 1D convolution without bias (it is followed by batch normalization).
// x is shaped [batch_size, length, channels], and the result [batch_size, length, filters].
//
// The kernel is a float32 variable, regularized in float32, and the convolution itself runs in
// the reduced precision, if enabled.
func conv1D(ctx *context.Context, x *Node, filters, kernelSize int, p precision) *Node {
	g := x.Graph()
	inChannels := x.Shape().Dimensions[x.Rank()-1]
	kernelVar := ctx.VariableWithShape("weights", shapes.Make(x.DType(), kernelSize, inChannels, filters))
	kernel := kernelVar.ValueGraph(g)
	if l2 := context.GetParamOr(ctx, regularizers.ParamL2, 0.0); l2 > 0 && ctx.IsTraining(g) {
		train.AddLoss(ctx, MulScalar(ReduceAllSum(Square(kernel)), l2))
	}
	y := Convolve(p.enter(x), p.enter(kernel)).
		ChannelsAxis(images.ChannelsLast).
		PadSame().
		Done()
	return p.leave(y, x.DType())
}
