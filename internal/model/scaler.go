package model

// Scaler is a fitted standard scaler: z = (x - mean) / scale per column.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Transform scales an aligned feature vector in place and returns it.
// Columns with zero scale (constant during training) pass through
// centered only, matching the fitted scaler's behavior of storing
// scale=1 for constant columns.
func (s *Scaler) Transform(x []float64) []float64 {
	for i := range x {
		sc := s.Scale[i]
		if sc == 0 {
			sc = 1
		}
		x[i] = (x[i] - s.Mean[i]) / sc
	}
	return x
}
