package trainer

// ReduceOnPlateau reduces the learning rate by Factor when the monitored metric has not improved
// for Patience epochs. The learning rate never goes below MinLearningRate.
type ReduceOnPlateau struct {
	Factor          float64 // Factor by which the learning rate is multiplied.
	Patience        int     // Number of epochs with no improvement after which the learning rate is reduced.
	Threshold       float64 // Minimum change to count as an improvement.
	MinLearningRate float64
	Maximize        bool // If true, higher values of the metric are better (e.g. accuracy).

	best        float64
	badEpochs   int
	initialized bool
}

// NewReduceOnPlateau creates a plateau scheduler that monitors a metric to be maximized.
// Invalid values are replaced by defaults: factor 0.5, patience 5, threshold 1e-4.
func NewReduceOnPlateau(factor float64, patience int, threshold, minLearningRate float64) *ReduceOnPlateau {
	if factor <= 0 || factor >= 1 {
		factor = 0.5
	}
	if patience <= 0 {
		patience = 5
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	return &ReduceOnPlateau{
		Factor:          factor,
		Patience:        patience,
		Threshold:       threshold,
		MinLearningRate: max(minLearningRate, 0),
		Maximize:        true,
	}
}

func (s *ReduceOnPlateau) improved(metric float64) bool {
	if s.Maximize {
		return metric > s.best+s.Threshold
	}
	return metric < s.best-s.Threshold
}

// Step is called once per epoch with the validation metric and the current learning rate.
// It returns the learning rate to use for the next epoch.
func (s *ReduceOnPlateau) Step(metric, learningRate float64) float64 {
	if !s.initialized {
		s.best = metric
		s.initialized = true
		return learningRate
	}
	if s.improved(metric) {
		s.best = metric
		s.badEpochs = 0
		return learningRate
	}
	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.badEpochs = 0
		learningRate = max(learningRate*s.Factor, s.MinLearningRate)
	}
	return learningRate
}
