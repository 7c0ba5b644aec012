// Package domain defines the core interfaces and types for Kestrel.
package domain

// FeatureVector maps named network-flow attributes to numeric values,
// e.g. "Flow Duration" or "Total Fwd Packets". The set of meaningful
// names is fixed at training time by the model artifact.
type FeatureVector map[string]float64

// FlowRequest is the API request payload for prediction and explanation.
type FlowRequest struct {
	Features FeatureVector `json:"features"`

	// SourceIP optionally identifies the flow origin for detection
	// records and alerting. Not a model input.
	SourceIP string `json:"sourceIp,omitempty"`
}

// BatchFlowRequest is the API request payload for batch prediction.
type BatchFlowRequest struct {
	Flows []FlowRequest `json:"flows"`
}

// Validate checks that the request carries at least one feature.
func (r *FlowRequest) Validate() error {
	if len(r.Features) == 0 {
		return ErrEmptyFeatures
	}
	return nil
}
