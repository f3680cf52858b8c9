package gomlx

import (
	"bytes"
	"fmt"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/ecgGo/internal/ai"
	"github.com/janpfeifer/ecgGo/internal/generics"
	"github.com/janpfeifer/ecgGo/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"slices"
	"sync"
)

// IsHelp returns whether value is a request for help, e.g. "model=help".
func IsHelp(value string) bool {
	return slices.Index([]string{"help", "--help", "-help", "-h"}, value) != -1
}

// newLearner returns a gomlx.Learner for the given Model.
func newLearner(modelType ModelType, dir string, model Model, signalLength int, params parameters.Params) (*Learner, error) {
	l := &Learner{
		Type:  modelType,
		model: model,
	}

	// Number of checkpoints to keep, and random seed.
	var err error
	l.checkpointsToKeep, err = parameters.PopParamOr(params, "keep", 2)
	if err != nil {
		return nil, err
	}
	seed, err := parameters.PopParamOr(params, "seed", 0)
	if err != nil {
		return nil, err
	}
	ctx := l.model.Context()
	if seed != 0 {
		ctx.RngStateFromSeed(int64(seed))
	}

	// Create checkpoint, and load it if it exists.
	if dir != "" {
		if err = l.createCheckpoint(dir); err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint for model %s in path %s",
				modelType, dir)
		}
	}

	// Create the backend.
	_ = backend()

	// Overwrite hyperparameters from given params.
	err = extractParams(l.Type.String(), params, ctx)
	if err != nil {
		return nil, err
	}
	if err = params.CheckAllUsed(); err != nil {
		return nil, errors.WithMessagef(err, "configuring model %s, see \"model=help\" for the list", modelType)
	}
	l.batchSize = context.GetParamOr(ctx, ParamBatchSize, 128)
	if _, err = precisionFromContext(ctx); err != nil {
		return nil, err
	}

	// Create optimizer to be used in training, and its learning rate variable, so it can be controlled
	// by a scheduler.
	l.optimizer = optimizers.FromContext(ctx)
	l.learningRateVar = optimizers.LearningRateVar(ctx, dtypes.Float32,
		context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.001))

	// Setup executors.
	muNewClient.Lock()
	defer muNewClient.Unlock()
	l.predictExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			// Remove last axis with dimension 1.
			logits := l.model.ForwardGraph(ctx, inputs)
			return graph.Squeeze(graph.Sigmoid(logits), -1)
		})
	l.evalExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) []*graph.Node {
			inputs := inputsAndLabels[:len(inputsAndLabels)-1]
			labels := inputsAndLabels[len(inputsAndLabels)-1]
			logits := l.model.ForwardGraph(ctx, inputs)
			loss := l.model.LossGraph(ctx, inputs, logits, labels)
			return []*graph.Node{loss, AccuracyGraph(inputs, logits, labels)}
		})
	l.trainStepExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) []*graph.Node {
			inputs := inputsAndLabels[:len(inputsAndLabels)-1]
			labels := inputsAndLabels[len(inputsAndLabels)-1]
			g := labels.Graph()
			ctx.SetTraining(g, true)
			logits := l.model.ForwardGraph(ctx, inputs)
			loss := l.model.LossGraph(ctx, inputs, logits, labels)

			// Regularization terms (e.g. L2) are added by the layers with train.AddLoss.
			train.AddLoss(ctx, loss)
			totalLoss := train.GetLosses(ctx, g)
			l.optimizer.UpdateGraph(ctx, g, totalLoss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return []*graph.Node{loss, AccuracyGraph(inputs, logits, labels)}
		})

	// Force creating/loading of variables without race conditions first.
	if signalLength > 0 {
		_ = l.Predict([][]float32{make([]float32, signalLength)})
		l.signalLength = signalLength
	}
	return l, nil
}

// Learner implements a generic GoMLX ECG beat classifier and learner.
//
// It implements ai.Classifier and ai.Learner.
//
// It is just a wrapper around one of the models implemented.
type Learner struct {
	Type ModelType

	model Model

	// Executors.
	predictExec, evalExec, trainStepExec *context.Exec

	// checkpoint handler, if model is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// checkpointsToKeep is the number of copies of older checkpoints to keep around.
	// Since checkpoints are saved on improvements, the last one is always the best.
	checkpointsToKeep int

	// Hyperparameters cached values: they should also be set in the model context.
	batchSize    int
	signalLength int

	// muLearning "write" for learning, and "read" for predicting.
	muLearning sync.RWMutex

	// optimizer used when training the model.
	optimizer       optimizers.Interface
	learningRateVar *context.Variable

	// muSave makes saving sequential.
	muSave sync.Mutex
}

var (
	// Assert Learner is an ai.Classifier and an ai.Learner.
	_ ai.Classifier = (*Learner)(nil)
	_ ai.Learner    = (*Learner)(nil)
)

// String implements fmt.Stringer and ai.Classifier.
func (l *Learner) String() string {
	if l == nil {
		return "<nil>[GoMLX]"
	}
	if l.checkpoint == nil {
		return fmt.Sprintf("%s[GoMLX]", l.Type)
	}
	return fmt.Sprintf("%s[GoMLX]@%s", l.Type, l.checkpoint.Dir())
}

// Predict implements ai.Classifier.
func (l *Learner) Predict(signals [][]float32) []float32 {
	if len(signals) == 0 {
		return nil
	}
	inputs := l.model.CreateInputs(signals)

	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	donatedInputs := generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend())
	})

	probabilitiesT := l.predictExec.Call(donatedInputs...)[0]
	probabilities := probabilitiesT.Value().([]float32)
	// Remove any padding:
	return probabilities[:len(signals)]
}

// Learn implements ai.Learner, and trains the model with one batch of signals and their labels.
// It returns the loss and accuracy measured during the training step.
func (l *Learner) Learn(signals [][]float32, labels []float32) (loss, accuracy float32) {
	l.muLearning.Lock()
	defer l.muLearning.Unlock()
	outputs := l.trainStepExec.Call(l.createInputsAndLabels(signals, labels)...)
	return tensors.ToScalar[float32](outputs[0]), tensors.ToScalar[float32](outputs[1])
}

// Evaluate implements ai.Learner.
func (l *Learner) Evaluate(signals [][]float32, labels []float32) (loss, accuracy float32) {
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	outputs := l.evalExec.Call(l.createInputsAndLabels(signals, labels)...)
	return tensors.ToScalar[float32](outputs[0]), tensors.ToScalar[float32](outputs[1])
}

func (l *Learner) createInputsAndLabels(signals [][]float32, labels []float32) []any {
	inputs := l.model.CreateInputs(signals)
	inputs = append(inputs, l.model.CreateLabels(labels))
	donatedInputs := generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend())
	})
	return donatedInputs
}

// LearningRate implements ai.Learner.
func (l *Learner) LearningRate() float64 {
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	return float64(tensors.ToScalar[float32](l.learningRateVar.Value()))
}

// SetLearningRate implements ai.Learner.
func (l *Learner) SetLearningRate(learningRate float64) {
	l.muLearning.Lock()
	defer l.muLearning.Unlock()
	l.learningRateVar.SetValue(tensors.FromScalar(float32(learningRate)))
}

// Save implements ai.Learner: it writes a new checkpoint.
func (l *Learner) Save() error {
	if l.checkpoint == nil {
		klog.Warningf("This %s model is not associated to a checkpoint directory, not saving", l.Type)
		return nil
	}
	l.muSave.Lock()
	defer l.muSave.Unlock()
	l.muLearning.RLock()
	defer l.muLearning.RUnlock()
	return l.checkpoint.Save()
}

// Dir returns the checkpoint directory, or "" if the model is not associated with one.
func (l *Learner) Dir() string {
	if l.checkpoint == nil {
		return ""
	}
	return l.checkpoint.Dir()
}

// BatchSize returns the recommended batch size and implements ai.Learner.
func (l *Learner) BatchSize() int {
	return l.batchSize
}

// NumParameters returns the number of trainable scalars in the model.
// It is only known after the variables are created (first call to Predict or Learn).
func (l *Learner) NumParameters() int {
	var total int
	l.model.Context().EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			total += v.Shape().Size()
		}
	})
	return total
}

// writeHyperparametersHelp enumerates all the hyperparameters set in the context.
func (l *Learner) writeHyperparametersHelp() {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "Model %s parameters:\n", l.Type)
	_, _ = fmt.Fprintf(buf, "\tmodel=%s to select the model type, or\n", l.Type)
	_, _ = fmt.Fprintf(buf, "\tmodel=help to show this help message\n")
	_, _ = fmt.Fprintf(buf, "\t\"keep\": number of checkpoints to keep, default value is 2\n")
	_, _ = fmt.Fprintf(buf, "\t\"seed\": random seed for the initialization and dropout, default is 0 (random)\n")
	l.model.Context().EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		_, _ = fmt.Fprintf(buf, "\t%q: default value is %v\n", key, value)
	})
	klog.Info(buf)
}

func (l *Learner) createCheckpoint(dir string) error {
	checkpoint, err := checkpoints.
		Build(l.model.Context()).
		Dir(dir).
		Keep(l.checkpointsToKeep).
		Immediate().
		Done()
	if err != nil {
		return err
	}
	l.checkpoint = checkpoint
	return nil
}
