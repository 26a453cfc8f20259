package locate

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/optimize"
)

// Optimizer method names accepted in configuration.
const (
	MethodNelderMead = "nelder-mead"
	MethodCMAES      = "cmaes"
)

// ObjectiveFunc maps a candidate reference point to the value being minimized.
type ObjectiveFunc func(reference orb.Point) float64

// Minimizer is a derivative-free search over the 2D reference plane.
type Minimizer interface {
	Minimize(f ObjectiveFunc, initial orb.Point, settings OptimizerSettings) (OptimizeResult, error)
}

// OptimizerSettings bounds a single minimization run.
type OptimizerSettings struct {
	Tolerance      float64 // absolute function-value improvement that still counts
	ConvergeWindow int     // major iterations without such improvement before stopping
	MaxIterations  int
	MaxEvaluations int     // 0 disables the evaluation cap
	InitialStep    float64 // initial simplex edge / CMA-ES step, meters
}

// OptimizeResult is the lowest objective value seen during a run.
type OptimizeResult struct {
	Location    orb.Point
	Value       float64
	Converged   bool
	Status      string
	Iterations  int
	Evaluations int
}

// NewMinimizer returns the Minimizer registered under method.
func NewMinimizer(method string) (Minimizer, error) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "", MethodNelderMead, "neldermead", "simplex":
		return NelderMead{}, nil
	case MethodCMAES, "cma-es":
		return CMAES{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown optimizer method %q", ErrInvalidConfig, method)
	}
}

// NelderMead is the downhill simplex method. The objective is piecewise
// smooth with jumps wherever a best match switches trees, so no gradients are used.
type NelderMead struct{}

// Minimize runs the simplex search from initial.
func (NelderMead) Minimize(f ObjectiveFunc, initial orb.Point, settings OptimizerSettings) (OptimizeResult, error) {
	return runGonum(f, initial, settings, &optimize.NelderMead{SimplexSize: settings.InitialStep})
}

// CMAES is covariance matrix adaptation evolution strategy. It copes better
// than the simplex with wide flat regions between clusters of trees.
type CMAES struct{}

// Minimize runs CMA-ES from initial.
func (CMAES) Minimize(f ObjectiveFunc, initial orb.Point, settings OptimizerSettings) (OptimizeResult, error) {
	return runGonum(f, initial, settings, &optimize.CmaEsChol{InitStepSize: settings.InitialStep})
}

func runGonum(f ObjectiveFunc, initial orb.Point, settings OptimizerSettings, method optimize.Method) (OptimizeResult, error) {
	tracker := &bestSeen{f: f, value: math.Inf(1)}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return tracker.eval(orb.Point{x[0], x[1]})
		},
	}

	gs := &optimize.Settings{
		MajorIterations: settings.MaxIterations,
		FuncEvaluations: settings.MaxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   settings.Tolerance,
			Iterations: settings.ConvergeWindow,
		},
	}

	res, err := optimize.Minimize(problem, []float64{initial[0], initial[1]}, gs, method)
	if res == nil {
		if err == nil {
			err = fmt.Errorf("optimizer returned no result")
		}
		return OptimizeResult{}, fmt.Errorf("minimize: %w", err)
	}

	loc, value := tracker.best()
	if math.IsInf(value, 1) || res.F < value {
		loc, value = orb.Point{res.X[0], res.X[1]}, res.F
	}

	return OptimizeResult{
		Location:    loc,
		Value:       value,
		Converged:   err == nil && convergedStatus(res.Status),
		Status:      res.Status.String(),
		Iterations:  res.Stats.MajorIterations,
		Evaluations: res.Stats.FuncEvaluations,
	}, nil
}

func convergedStatus(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.FunctionConvergence, optimize.FunctionThreshold,
		optimize.StepConvergence, optimize.MethodConverge:
		return true
	}
	return false
}

// bestSeen records the lowest objective value over every evaluation, including
// trial points the method itself discards.
type bestSeen struct {
	f ObjectiveFunc

	mu    sync.Mutex
	loc   orb.Point
	value float64
}

func (b *bestSeen) eval(p orb.Point) float64 {
	v := b.f(p)
	b.mu.Lock()
	if v < b.value {
		b.loc, b.value = p, v
	}
	b.mu.Unlock()
	return v
}

func (b *bestSeen) best() (orb.Point, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loc, b.value
}
