package locate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"
)

const centroidKeyword = "centroid"

// InitialGuess is where the optimizer starts: either a fixed coordinate or the
// centroid of the database. The zero value means centroid.
//
// In YAML and JSON it is written as the string "centroid" or as [east, north].
type InitialGuess struct {
	point *orb.Point
}

// CentroidGuess starts the search at the database centroid.
func CentroidGuess() InitialGuess { return InitialGuess{} }

// FixedGuess starts the search at p.
func FixedGuess(p orb.Point) InitialGuess { return InitialGuess{point: &p} }

// IsCentroid reports whether the guess defers to the database centroid.
func (g InitialGuess) IsCentroid() bool { return g.point == nil }

// Point returns the fixed coordinate, if any.
func (g InitialGuess) Point() (orb.Point, bool) {
	if g.point == nil {
		return orb.Point{}, false
	}
	return *g.point, true
}

// Resolve returns the concrete starting coordinate for ix.
func (g InitialGuess) Resolve(ix *Index) (orb.Point, error) {
	if g.point == nil {
		if ix.Len() == 0 {
			return orb.Point{}, ErrEmptyDatabase
		}
		return ix.Centroid(), nil
	}
	p := *g.point
	if !isFinite(p[0]) || !isFinite(p[1]) {
		return orb.Point{}, fmt.Errorf("%w: initial guess is not finite", ErrInvalidConfig)
	}
	return p, nil
}

func (g InitialGuess) String() string {
	if g.point == nil {
		return centroidKeyword
	}
	return fmt.Sprintf("%g,%g", g.point[0], g.point[1])
}

// ParseInitialGuess accepts "centroid" (or "") and "east,north".
func ParseInitialGuess(s string) (InitialGuess, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, centroidKeyword) {
		return CentroidGuess(), nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return InitialGuess{}, fmt.Errorf("%w: initial guess %q: want \"centroid\" or \"east,north\"", ErrInvalidConfig, s)
	}
	e, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return InitialGuess{}, fmt.Errorf("%w: initial guess east: %v", ErrInvalidConfig, err)
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return InitialGuess{}, fmt.Errorf("%w: initial guess north: %v", ErrInvalidConfig, err)
	}
	return FixedGuess(orb.Point{e, n}), nil
}

func fromCoords(coords []float64) (InitialGuess, error) {
	if len(coords) != 2 {
		return InitialGuess{}, fmt.Errorf("%w: initial guess needs 2 coordinates, got %d", ErrInvalidConfig, len(coords))
	}
	return FixedGuess(orb.Point{coords[0], coords[1]}), nil
}

// MarshalYAML implements yaml.Marshaler.
func (g InitialGuess) MarshalYAML() (interface{}, error) {
	if g.point == nil {
		return centroidKeyword, nil
	}
	return []float64{g.point[0], g.point[1]}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (g *InitialGuess) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		parsed, err := ParseInitialGuess(node.Value)
		if err != nil {
			return err
		}
		*g = parsed
		return nil
	case yaml.SequenceNode:
		var coords []float64
		if err := node.Decode(&coords); err != nil {
			return fmt.Errorf("%w: initial guess: %v", ErrInvalidConfig, err)
		}
		parsed, err := fromCoords(coords)
		if err != nil {
			return err
		}
		*g = parsed
		return nil
	default:
		return fmt.Errorf("%w: initial guess must be \"centroid\" or [east, north]", ErrInvalidConfig)
	}
}

// MarshalJSON implements json.Marshaler.
func (g InitialGuess) MarshalJSON() ([]byte, error) {
	if g.point == nil {
		return json.Marshal(centroidKeyword)
	}
	return json.Marshal([]float64{g.point[0], g.point[1]})
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *InitialGuess) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseInitialGuess(s)
		if err != nil {
			return err
		}
		*g = parsed
		return nil
	}
	var coords []float64
	if err := json.Unmarshal(data, &coords); err != nil {
		return fmt.Errorf("%w: initial guess must be \"centroid\" or [east, north]", ErrInvalidConfig)
	}
	parsed, err := fromCoords(coords)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}
