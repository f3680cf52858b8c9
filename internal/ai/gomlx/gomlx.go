// Package gomlx implements the ai.Learner (and ai.Classifier) for ECG beats using GoMLX models.
//
// It separates the Learner (executors, checkpoints, learning rate control) from the GoMLX models that
// support it -- for now only the CNN (1D convolutions with channel attention) model is implemented.
package gomlx

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/ecgGo/internal/ai"
	"github.com/janpfeifer/ecgGo/internal/parameters"
	"github.com/pkg/errors"
	"os"
	"strings"
	"sync"
)

// ModelType enumerates the supported GoMLX models.
type ModelType int

const (
	ModelNone ModelType = iota
	ModelCNN
)

var modelTypeNames = map[ModelType]string{
	ModelNone: "none",
	ModelCNN:  "cnn",
}

// String implements fmt.Stringer.
func (t ModelType) String() string {
	if name, found := modelTypeNames[t]; found {
		return name
	}
	return "unknown"
}

// ModelTypeValues returns all the model types.
func ModelTypeValues() []ModelType {
	return []ModelType{ModelNone, ModelCNN}
}

// ParseModelType converts a model name (case-insensitive) to a ModelType.
func ParseModelType(name string) (ModelType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, t := range ModelTypeValues() {
		if t.String() == name {
			return t, nil
		}
	}
	return ModelNone, errors.Errorf("unknown model type %q, valid values are %q", name, ModelCNN.String())
}

// NewModel creates a fresh (untrained) model of the given type.
func NewModel(modelType ModelType) (Model, error) {
	switch modelType {
	case ModelCNN:
		return NewCNN(), nil
	default:
		return nil, errors.Errorf("model type %s defined but not implemented", modelType)
	}
}

var (
	// Backend is a singleton, the same for all learners.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewClient is a Mutex used to synchronize access to GoMLX client initialization
	// or related critical sections.
	muNewClient sync.Mutex
)

// New creates a new GoMLX based learner for the model selected in params (key "model", default "cnn").
//
// If dir is not empty, the model is saved to/loaded from a checkpoint there.
// If signalLength > 0, the model variables are created (or loaded) right away.
//
// The remaining params are hyperparameters of the model, see "model=help".
func New(dir string, signalLength int, params parameters.Params) (*Learner, error) {
	modelName, err := parameters.PopParamOr(params, "model", ModelCNN.String())
	if err != nil {
		return nil, err
	}
	if IsHelp(modelName) {
		learner := &Learner{Type: ModelCNN, model: NewCNN()}
		learner.writeHyperparametersHelp()
		return nil, errors.Errorf("model type %s help requested", ModelCNN)
	}
	modelType, err := ParseModelType(modelName)
	if err != nil {
		return nil, err
	}
	model, err := NewModel(modelType)
	if err != nil {
		return nil, err
	}
	return newLearner(modelType, dir, model, signalLength, params)
}

// extractParams and write them as context hyperparameters
func extractParams(modelName string, params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float32:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float32) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("model %s parameter %q is of unknown type %T", modelName, key, defaultValue)
		}
	})
	return err
}

// LoadClassifier loads a trained model from the checkpoint in dir, with the hyperparameters it was
// saved with. The returned classifier splits large calls to Predict into batches.
//
// It can be used as an ensemble.Loader.
func LoadClassifier(dir string, signalLength int) (ai.Classifier, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrapf(err, "checkpoint directory not found")
	}
	learner, err := New(dir, signalLength, parameters.Params{})
	if err != nil {
		return nil, err
	}
	return ai.BatchedClassifier{Classifier: learner, BatchSize: learner.BatchSize()}, nil
}
