package locate

import (
	"github.com/paulmach/orb"
)

// ReferencePoint is a known tree from the reference database.
type ReferencePoint struct {
	Position orb.Point `json:"position"` // Easting, Northing
	Category string    `json:"category"` // species label
	Size     float64   `json:"size"`     // trunk diameter (DBH) in meters
}

// Easting returns the X coordinate of the tree.
func (rp ReferencePoint) Easting() float64 { return rp.Position[0] }

// Northing returns the Y coordinate of the tree.
func (rp ReferencePoint) Northing() float64 { return rp.Position[1] }

// Observation is a field measurement relative to an unknown observer location.
type Observation struct {
	Offset   orb.Point `json:"offset"`
	Category string    `json:"category"`
	Size     float64   `json:"size"`
}

// Predict places the observation in absolute coordinates for a candidate reference.
func (o Observation) Predict(reference orb.Point) PredictedPoint {
	return PredictedPoint{
		Position: orb.Point{reference[0] + o.Offset[0], reference[1] + o.Offset[1]},
		Category: o.Category,
		Size:     o.Size,
	}
}

// PredictedPoint is an observation translated by a candidate reference point.
type PredictedPoint struct {
	Position orb.Point `json:"position"`
	Category string    `json:"category"`
	Size     float64   `json:"size"`
}

// Match is the best database tree for one predicted point.
type Match struct {
	Index         int            `json:"index"` // load order in the Index
	Reference     ReferencePoint `json:"reference"`
	LogLikelihood float64        `json:"logLikelihood"`
}

// Pairing is one reportable prediction with its matched database tree.
type Pairing struct {
	Observation int            `json:"observation"`
	Predicted   PredictedPoint `json:"predicted"`
	Match       Match          `json:"match"`

	// Nearby counts database trees within two position sigmas of the
	// predicted point. Values above one flag an ambiguous assignment.
	Nearby int `json:"nearby"`
}

// Batch is a set of observations submitted for one estimation run.
type Batch struct {
	ID           string        `json:"id"`
	Observations []Observation `json:"observations"`
	InitialGuess *InitialGuess `json:"initialGuess,omitempty"`
}

// Report is the full output of one estimation run.
type Report struct {
	RunID            string     `json:"runId"`
	Survey           string     `json:"survey"`
	Reference        orb.Point  `json:"reference"`
	NegLogLikelihood float64    `json:"negLogLikelihood"`
	Converged        bool       `json:"converged"`
	Status           string     `json:"status"`
	Iterations       int        `json:"iterations"`
	Evaluations      int        `json:"evaluations"`
	Starts           int        `json:"starts"`
	Noise            NoiseModel `json:"noise"`
	Pairings         []Pairing  `json:"pairings"`
	CreatedAt        int64      `json:"createdAt"`
}

// Predictions returns the predicted points of the report in observation order.
func (r *Report) Predictions() []PredictedPoint {
	out := make([]PredictedPoint, len(r.Pairings))
	for i, p := range r.Pairings {
		out[i] = p.Predicted
	}
	return out
}
