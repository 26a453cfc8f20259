package locate

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature roles written to the "role" property.
const (
	RoleReference = "reference"
	RolePredicted = "predicted"
	RoleMatched   = "matched"
	RoleMatchLink = "match"
	RoleTree      = "tree"
)

// ReportToFeatureCollection converts a report to GeoJSON in the dataset's
// projected coordinates: the estimated reference, each prediction, its
// matched tree and a line joining the two.
func ReportToFeatureCollection(r *Report) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	ref := geojson.NewFeature(r.Reference)
	ref.ID = r.RunID
	ref.Properties["role"] = RoleReference
	ref.Properties["survey"] = r.Survey
	ref.Properties["negLogLikelihood"] = r.NegLogLikelihood
	ref.Properties["converged"] = r.Converged
	ref.Properties["status"] = r.Status
	fc.Append(ref)

	for _, p := range r.Pairings {
		pred := geojson.NewFeature(p.Predicted.Position)
		pred.Properties["role"] = RolePredicted
		pred.Properties["observation"] = p.Observation
		pred.Properties["category"] = p.Predicted.Category
		pred.Properties["size"] = p.Predicted.Size
		pred.Properties["logLikelihood"] = p.Match.LogLikelihood
		pred.Properties["nearby"] = p.Nearby
		fc.Append(pred)

		fc.Append(treeFeature(p.Match.Index, p.Match.Reference, RoleMatched))

		link := geojson.NewFeature(orb.LineString{p.Predicted.Position, p.Match.Reference.Position})
		link.Properties["role"] = RoleMatchLink
		link.Properties["observation"] = p.Observation
		link.Properties["index"] = p.Match.Index
		link.Properties["categoryMatch"] = p.Predicted.Category == p.Match.Reference.Category
		fc.Append(link)
	}

	return fc
}

// TreesToFeatureCollection converts the given load-order indices of ix to
// point features.
func TreesToFeatureCollection(ix *Index, indices []int) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, i := range indices {
		fc.Append(treeFeature(i, ix.At(i), RoleTree))
	}
	return fc
}

func treeFeature(index int, tree ReferencePoint, role string) *geojson.Feature {
	f := geojson.NewFeature(tree.Position)
	f.Properties["role"] = role
	f.Properties["index"] = index
	f.Properties["species"] = tree.Category
	f.Properties["dbh"] = tree.Size
	return f
}
