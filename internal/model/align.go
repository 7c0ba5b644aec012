package model

import (
	"fmt"
	"sort"
)

// AlignResult is the outcome of reducing a named feature map to the
// trained column order.
type AlignResult struct {
	// Vector is the ordered numeric array in raw (unscaled) units.
	// Present input values are carried through unchanged; apply the
	// bundle's scaler before inference.
	Vector []float64

	// Missing lists trained columns absent from the input, zero-filled.
	Missing []string

	// Unknown lists input keys the model was not trained with, ignored.
	Unknown []string
}

// Align reduces a feature map to the trained column order. In strict
// mode any missing or unknown key is an error; in tolerant mode missing
// columns are zero-filled and unknown keys ignored. Zero-filling is a policy choice inherited from the
// training-time deployment: it keeps inference available for partial
// flows, at the cost of potentially biasing predictions for flows
// missing security-relevant counters. Callers surface Missing so the
// fill is never silent.
func (b *Bundle) Align(features map[string]float64, strict bool) (*AlignResult, error) {
	cols := b.Preprocessor.FeatureColumns
	res := &AlignResult{Vector: make([]float64, len(cols))}

	seen := make(map[string]bool, len(features))
	for i, name := range cols {
		v, ok := features[name]
		if !ok {
			res.Missing = append(res.Missing, name)
			continue
		}
		seen[name] = true
		res.Vector[i] = v
	}

	for name := range features {
		if !seen[name] {
			res.Unknown = append(res.Unknown, name)
		}
	}
	sort.Strings(res.Unknown)

	if strict {
		if len(res.Missing) > 0 {
			return nil, fmt.Errorf("missing required features: %v", res.Missing)
		}
		if len(res.Unknown) > 0 {
			return nil, fmt.Errorf("unknown features: %v", res.Unknown)
		}
	}

	return res, nil
}
