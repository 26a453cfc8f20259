package locate

import (
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// nearbySigmas is the radius, in position sigmas, used to count competing trees.
const nearbySigmas = 2.0

// Assemble scores every observation once at reference and returns the pairs
// in observation order. It has no side effects, so repeated calls with the
// same inputs return identical results.
func Assemble(observations []Observation, reference orb.Point, ix *Index, model NoiseModel) ([]Pairing, error) {
	if ix.Len() == 0 {
		return nil, ErrEmptyDatabase
	}
	if err := ValidateObservations(observations); err != nil {
		return nil, err
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}

	radius := nearbySigmas * model.SigmaPosition
	pairings := make([]Pairing, len(observations))
	for i, o := range observations {
		pred := o.Predict(reference)
		pairings[i] = Pairing{
			Observation: i,
			Predicted:   pred,
			Match:       bestMatch(pred, ix, model),
			Nearby:      len(ix.Within(pred.Position, radius)),
		}
	}
	return pairings, nil
}

// Locate runs the estimator and the assembler and packages the result.
func Locate(survey string, observations []Observation, ix *Index, opts Options) (*Report, error) {
	est, err := EstimateReference(observations, ix, opts)
	if err != nil {
		return nil, err
	}
	pairings, err := Assemble(observations, est.Reference, ix, opts.Noise)
	if err != nil {
		return nil, err
	}

	return &Report{
		RunID:            uuid.NewString(),
		Survey:           survey,
		Reference:        est.Reference,
		NegLogLikelihood: est.NegLogLikelihood,
		Converged:        est.Converged,
		Status:           est.Status,
		Iterations:       est.Iterations,
		Evaluations:      est.Evaluations,
		Starts:           est.Starts,
		Noise:            opts.Noise,
		Pairings:         pairings,
		CreatedAt:        time.Now().Unix(),
	}, nil
}
