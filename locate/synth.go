package locate

import (
	"fmt"
	"math/rand"

	"github.com/paulmach/orb"
)

// OffsetSource supplies the randomness for synthetic observations.
// *rand.Rand satisfies it.
type OffsetSource interface {
	Float64() float64
	NormFloat64() float64
	Intn(n int) int
}

// NewSeededSource returns a deterministic source for seed.
func NewSeededSource(seed int64) OffsetSource {
	return rand.New(rand.NewSource(seed))
}

// DemoCategories and DemoSizes describe the five-tree demonstration batch.
var (
	DemoCategories = []string{"Fagus", "Pinus", "Quercus", "Picea", "Populus"}
	DemoSizes      = []float64{0.15, 0.5, 0.3, 0.1, 0.05}
)

// GenerateObservations draws one observation per category with offsets
// uniform in [-spread, spread] on both axes. categories and sizes must have
// equal length.
func GenerateObservations(src OffsetSource, spread float64, categories []string, sizes []float64) ([]Observation, error) {
	if len(categories) != len(sizes) {
		return nil, fmt.Errorf("%w: %d categories but %d sizes", ErrInvalidConfig, len(categories), len(sizes))
	}
	if spread < 0 || !isFinite(spread) {
		return nil, fmt.Errorf("%w: spread must be finite and >= 0, got %v", ErrInvalidConfig, spread)
	}

	observations := make([]Observation, len(categories))
	for i := range categories {
		observations[i] = Observation{
			Offset:   orb.Point{uniform(src, spread), uniform(src, spread)},
			Category: categories[i],
			Size:     sizes[i],
		}
	}
	return observations, nil
}

// SampleObservations picks n distinct trees within radius of reference and
// returns them as observations from reference, with Gaussian jitter of the
// given standard deviation on each offset component. It returns fewer than n
// observations when fewer trees are in range.
func SampleObservations(src OffsetSource, ix *Index, reference orb.Point, n int, radius, jitter float64) ([]Observation, error) {
	if ix.Len() == 0 {
		return nil, ErrEmptyDatabase
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: sample count must be > 0, got %d", ErrInvalidConfig, n)
	}
	if jitter < 0 || !isFinite(jitter) {
		return nil, fmt.Errorf("%w: jitter must be finite and >= 0, got %v", ErrInvalidConfig, jitter)
	}

	candidates := ix.Within(reference, radius)
	// partial Fisher-Yates so the draw depends only on the source
	for i := 0; i < len(candidates) && i < n; i++ {
		j := i + src.Intn(len(candidates)-i)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	observations := make([]Observation, len(candidates))
	for i, idx := range candidates {
		tree := ix.At(idx)
		observations[i] = Observation{
			Offset: orb.Point{
				tree.Position[0] - reference[0] + jitter*src.NormFloat64(),
				tree.Position[1] - reference[1] + jitter*src.NormFloat64(),
			},
			Category: tree.Category,
			Size:     tree.Size,
		}
	}
	return observations, nil
}

func uniform(src OffsetSource, spread float64) float64 {
	return (2*src.Float64() - 1) * spread
}
