package locate

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Default noise parameters.
const (
	DefaultSigmaPosition       = 2.0  // meters
	DefaultSigmaSize           = 0.01 // meters
	DefaultMislabelProbability = 0.05
)

// NoiseModel holds the measurement noise assumed when pairing a predicted tree
// with a database tree. The three evidence channels are independent given the
// true identity, so their log-likelihoods add.
type NoiseModel struct {
	SigmaPosition       float64 `yaml:"sigmaPosition" json:"sigmaPosition"`
	SigmaSize           float64 `yaml:"sigmaSize" json:"sigmaSize"`
	MislabelProbability float64 `yaml:"mislabelProbability" json:"mislabelProbability"`
}

// DefaultNoiseModel returns the field defaults: 2 m position, 1 cm DBH, 5% mislabels.
func DefaultNoiseModel() NoiseModel {
	return NoiseModel{
		SigmaPosition:       DefaultSigmaPosition,
		SigmaSize:           DefaultSigmaSize,
		MislabelProbability: DefaultMislabelProbability,
	}
}

// Validate rejects parameters that would produce meaningless log-likelihoods.
func (m NoiseModel) Validate() error {
	if !(m.SigmaPosition > 0) || math.IsInf(m.SigmaPosition, 0) {
		return fmt.Errorf("%w: sigmaPosition must be > 0, got %v", ErrInvalidConfig, m.SigmaPosition)
	}
	if !(m.SigmaSize > 0) || math.IsInf(m.SigmaSize, 0) {
		return fmt.Errorf("%w: sigmaSize must be > 0, got %v", ErrInvalidConfig, m.SigmaSize)
	}
	if !(m.MislabelProbability > 0 && m.MislabelProbability < 1) {
		return fmt.Errorf("%w: mislabelProbability must be in (0,1), got %v", ErrInvalidConfig, m.MislabelProbability)
	}
	return nil
}

// Score is the combined log-likelihood of pairing pred with ref.
func (m NoiseModel) Score(pred PredictedPoint, ref ReferencePoint) float64 {
	return LogPositionLikelihood(pred.Position, ref.Position, m.SigmaPosition) +
		LogSizeLikelihood(pred.Size, ref.Size, m.SigmaSize) +
		LogCategoryLikelihood(pred.Category, ref.Category, m.MislabelProbability)
}

// LogPositionLikelihood is the log-density of an isotropic 2D Gaussian centered
// at reference with standard deviation sigma, evaluated at predicted.
func LogPositionLikelihood(predicted, reference orb.Point, sigma float64) float64 {
	dx := predicted[0] - reference[0]
	dy := predicted[1] - reference[1]
	variance := sigma * sigma
	return -math.Log(2*math.Pi*variance) - (dx*dx+dy*dy)/(2*variance)
}

// LogSizeLikelihood is the log-density of a 1D Gaussian on the DBH difference.
func LogSizeLikelihood(predicted, reference, sigma float64) float64 {
	d := predicted - reference
	return -math.Log(math.Sqrt(2*math.Pi)*sigma) - (d*d)/(2*sigma*sigma)
}

// LogCategoryLikelihood models a fixed symmetric mislabel rate p: ln(1-p) when
// the labels are identical, ln(p) otherwise. Comparison is exact.
func LogCategoryLikelihood(predicted, reference string, p float64) float64 {
	if predicted == reference {
		return math.Log(1 - p)
	}
	return math.Log(p)
}
