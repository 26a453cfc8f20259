package locate

import (
	"iter"
	"math"
	"sort"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/stat"
)

const (
	rtreeDimensions  = 2
	rtreeMinChildren = 25
	rtreeMaxChildren = 50
	rtreeTolerance   = 0.001 // meters; point rectangles need a non-zero extent
)

// spatialTree wraps a tree index for rtreego.
type spatialTree struct {
	index int
	rect  *rtreego.Rect
}

func (s *spatialTree) Bounds() *rtreego.Rect {
	return s.rect
}

// Index is the read-only reference database. Load order is preserved and is
// the tie-break authority for matching. An Index may be shared across
// goroutines without locking once built.
type Index struct {
	points []ReferencePoint
	tree   *rtreego.Rtree
	bound  orb.Bound
}

// BuildIndex validates records and builds the index in the given order.
func BuildIndex(records []ReferencePoint) (*Index, error) {
	if len(records) == 0 {
		return nil, ErrEmptyDatabase
	}

	points := make([]ReferencePoint, len(records))
	tree := rtreego.NewTree(rtreeDimensions, rtreeMinChildren, rtreeMaxChildren)
	bound := orb.Bound{Min: records[0].Position, Max: records[0].Position}

	for i, rec := range records {
		if err := validateRecord(i, rec); err != nil {
			return nil, err
		}
		points[i] = rec
		tree.Insert(&spatialTree{
			index: i,
			rect:  rtreego.Point{rec.Position[0], rec.Position[1]}.ToRect(rtreeTolerance),
		})
		bound = bound.Extend(rec.Position)
	}

	return &Index{points: points, tree: tree, bound: bound}, nil
}

func validateRecord(row int, rec ReferencePoint) error {
	if !isFinite(rec.Position[0]) || !isFinite(rec.Position[1]) {
		return &RecordError{Row: row, Reason: "position is not finite"}
	}
	if rec.Category == "" {
		return &RecordError{Row: row, Reason: "category is empty"}
	}
	if !isFinite(rec.Size) || rec.Size < 0 {
		return &RecordError{Row: row, Reason: "size must be a finite non-negative number"}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Len returns the number of reference trees.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.points)
}

// At returns the tree at load position i.
func (ix *Index) At(i int) ReferencePoint {
	return ix.points[i]
}

// All iterates (index, tree) pairs in load order.
func (ix *Index) All() iter.Seq2[int, ReferencePoint] {
	return func(yield func(int, ReferencePoint) bool) {
		if ix == nil {
			return
		}
		for i, p := range ix.points {
			if !yield(i, p) {
				return
			}
		}
	}
}

// Bound returns the bounding box of all tree positions.
func (ix *Index) Bound() orb.Bound {
	if ix == nil {
		return orb.Bound{}
	}
	return ix.bound
}

// Centroid returns the mean tree position, the neutral starting guess when
// nothing is known about where the observer stood.
func (ix *Index) Centroid() orb.Point {
	if ix.Len() == 0 {
		return orb.Point{}
	}
	xs := make([]float64, len(ix.points))
	ys := make([]float64, len(ix.points))
	for i, p := range ix.points {
		xs[i] = p.Position[0]
		ys[i] = p.Position[1]
	}
	return orb.Point{stat.Mean(xs, nil), stat.Mean(ys, nil)}
}

// Within returns the load-order indices of trees within radius of center,
// sorted ascending.
func (ix *Index) Within(center orb.Point, radius float64) []int {
	if ix.Len() == 0 || !(radius > 0) {
		return nil
	}

	bounds, err := rtreego.NewRect(
		rtreego.Point{center[0] - radius, center[1] - radius},
		[]float64{2 * radius, 2 * radius},
	)
	if err != nil {
		return nil
	}

	var out []int
	for _, item := range ix.tree.SearchIntersect(bounds) {
		st, ok := item.(*spatialTree)
		if !ok {
			continue
		}
		if planar.Distance(center, ix.points[st.index].Position) <= radius {
			out = append(out, st.index)
		}
	}
	sort.Ints(out)
	return out
}
