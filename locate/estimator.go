package locate

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// OptimizerConfig selects and bounds the reference point search.
type OptimizerConfig struct {
	Method         string  `yaml:"method" json:"method"`
	Tolerance      float64 `yaml:"tolerance" json:"tolerance"`
	ConvergeWindow int     `yaml:"convergeWindow" json:"convergeWindow"`
	MaxIterations  int     `yaml:"maxIterations" json:"maxIterations"`
	MaxEvaluations int     `yaml:"maxEvaluations,omitempty" json:"maxEvaluations,omitempty"`
	InitialStep    float64 `yaml:"initialStep" json:"initialStep"`
	Restarts       int     `yaml:"restarts,omitempty" json:"restarts,omitempty"`
	RestartRadius  float64 `yaml:"restartRadius,omitempty" json:"restartRadius,omitempty"`
}

// DefaultOptimizerConfig returns a simplex search with a 10 m initial simplex.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		Method:         MethodNelderMead,
		Tolerance:      1e-8,
		ConvergeWindow: 20,
		MaxIterations:  400,
		InitialStep:    10.0,
		RestartRadius:  20.0,
	}
}

// Validate checks ranges. The method name is checked by NewMinimizer.
func (c OptimizerConfig) Validate() error {
	if c.Tolerance < 0 || math.IsNaN(c.Tolerance) {
		return fmt.Errorf("%w: optimizer tolerance must be >= 0, got %v", ErrInvalidConfig, c.Tolerance)
	}
	if c.ConvergeWindow <= 0 {
		return fmt.Errorf("%w: optimizer convergeWindow must be > 0, got %d", ErrInvalidConfig, c.ConvergeWindow)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("%w: optimizer maxIterations must be > 0, got %d", ErrInvalidConfig, c.MaxIterations)
	}
	if c.MaxEvaluations < 0 {
		return fmt.Errorf("%w: optimizer maxEvaluations must be >= 0, got %d", ErrInvalidConfig, c.MaxEvaluations)
	}
	if !(c.InitialStep > 0) || math.IsInf(c.InitialStep, 0) {
		return fmt.Errorf("%w: optimizer initialStep must be > 0, got %v", ErrInvalidConfig, c.InitialStep)
	}
	if c.Restarts < 0 {
		return fmt.Errorf("%w: optimizer restarts must be >= 0, got %d", ErrInvalidConfig, c.Restarts)
	}
	if c.Restarts > 0 && !(c.RestartRadius > 0) {
		return fmt.Errorf("%w: optimizer restartRadius must be > 0 when restarts are enabled", ErrInvalidConfig)
	}
	return nil
}

func (c OptimizerConfig) settings() OptimizerSettings {
	return OptimizerSettings{
		Tolerance:      c.Tolerance,
		ConvergeWindow: c.ConvergeWindow,
		MaxIterations:  c.MaxIterations,
		MaxEvaluations: c.MaxEvaluations,
		InitialStep:    c.InitialStep,
	}
}

// Options configures one estimation run.
type Options struct {
	Noise        NoiseModel
	Optimizer    OptimizerConfig
	InitialGuess InitialGuess

	// Minimizer overrides Optimizer.Method when set.
	Minimizer Minimizer
}

// DefaultOptions returns default noise, a simplex search and a centroid start.
func DefaultOptions() Options {
	return Options{
		Noise:     DefaultNoiseModel(),
		Optimizer: DefaultOptimizerConfig(),
	}
}

// Estimate is the optimized observer location.
type Estimate struct {
	Reference        orb.Point
	NegLogLikelihood float64
	Converged        bool
	Status           string
	Iterations       int
	Evaluations      int
	Starts           int
}

// Warning returns an error wrapping ErrNotConverged when the search stopped on
// its budget, nil otherwise. The estimate itself is still usable.
func (e *Estimate) Warning() error {
	if e.Converged {
		return nil
	}
	return fmt.Errorf("%w: status %s after %d iterations", ErrNotConverged, e.Status, e.Iterations)
}

// Objective returns the negative total best-match log-likelihood of the
// observations as a function of the reference point. The index must be non-empty.
func Objective(observations []Observation, ix *Index, model NoiseModel) ObjectiveFunc {
	return func(reference orb.Point) float64 {
		total := 0.0
		for _, o := range observations {
			total -= bestMatch(o.Predict(reference), ix, model).LogLikelihood
		}
		return total
	}
}

// ValidateObservations rejects an empty batch or malformed observations.
func ValidateObservations(observations []Observation) error {
	if len(observations) == 0 {
		return &ObservationError{Index: -1, Reason: "batch is empty"}
	}
	for i, o := range observations {
		if !isFinite(o.Offset[0]) || !isFinite(o.Offset[1]) {
			return &ObservationError{Index: i, Reason: "offset is not finite"}
		}
		if !isFinite(o.Offset[0]*o.Offset[0] + o.Offset[1]*o.Offset[1]) {
			return &ObservationError{Index: i, Reason: "offset is too large"}
		}
		if o.Category == "" {
			return &ObservationError{Index: i, Reason: "category is empty"}
		}
		if !isFinite(o.Size) || o.Size < 0 {
			return &ObservationError{Index: i, Reason: "size must be a finite non-negative number"}
		}
	}
	return nil
}

// EstimateReference searches for the reference point that maximizes the total
// likelihood of the observations' best matches. All inputs are validated
// before the optimizer runs. Failing to converge is not an error; inspect
// Estimate.Converged or Estimate.Warning.
func EstimateReference(observations []Observation, ix *Index, opts Options) (*Estimate, error) {
	if ix.Len() == 0 {
		return nil, ErrEmptyDatabase
	}
	if err := ValidateObservations(observations); err != nil {
		return nil, err
	}
	if err := opts.Noise.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Optimizer.Validate(); err != nil {
		return nil, err
	}

	minimizer := opts.Minimizer
	if minimizer == nil {
		m, err := NewMinimizer(opts.Optimizer.Method)
		if err != nil {
			return nil, err
		}
		minimizer = m
	}

	initial, err := opts.InitialGuess.Resolve(ix)
	if err != nil {
		return nil, err
	}

	objective := Objective(observations, ix, opts.Noise)
	settings := opts.Optimizer.settings()
	starts := startingPoints(initial, opts.Optimizer.Restarts, opts.Optimizer.RestartRadius)

	var best *Estimate
	for _, start := range starts {
		res, err := minimizer.Minimize(objective, start, settings)
		if err != nil {
			return nil, err
		}
		if best == nil {
			best = &Estimate{}
		}
		best.Iterations += res.Iterations
		best.Evaluations += res.Evaluations
		best.Starts++
		if best.Starts == 1 || res.Value < best.NegLogLikelihood {
			best.Reference = res.Location
			best.NegLogLikelihood = res.Value
			best.Converged = res.Converged
			best.Status = res.Status
		}
	}

	// Offsets far beyond every tree relative to the noise overflow the score.
	if !isFinite(best.NegLogLikelihood) {
		return nil, &ObservationError{Index: -1, Reason: "likelihood is not finite; offsets are out of range for the noise model"}
	}

	return best, nil
}

// startingPoints returns initial followed by restarts points evenly spaced on
// a circle of the given radius.
func startingPoints(initial orb.Point, restarts int, radius float64) []orb.Point {
	points := []orb.Point{initial}
	for k := 0; k < restarts; k++ {
		angle := 2 * math.Pi * float64(k) / float64(restarts)
		points = append(points, orb.Point{
			initial[0] + radius*math.Cos(angle),
			initial[1] + radius*math.Sin(angle),
		})
	}
	return points
}
