package locate

// BestMatch scans the whole index and returns the tree with the highest
// combined log-likelihood for pred. Ties keep the earliest tree in load order.
func BestMatch(pred PredictedPoint, ix *Index, model NoiseModel) (Match, error) {
	if ix.Len() == 0 {
		return Match{}, ErrEmptyDatabase
	}
	if err := model.Validate(); err != nil {
		return Match{}, err
	}
	return bestMatch(pred, ix, model), nil
}

// bestMatch assumes a non-empty index.
func bestMatch(pred PredictedPoint, ix *Index, model NoiseModel) Match {
	best := Match{
		Index:         0,
		Reference:     ix.points[0],
		LogLikelihood: model.Score(pred, ix.points[0]),
	}
	for i := 1; i < len(ix.points); i++ {
		ll := model.Score(pred, ix.points[i])
		if ll > best.LogLikelihood {
			best = Match{Index: i, Reference: ix.points[i], LogLikelihood: ll}
		}
	}
	return best
}
