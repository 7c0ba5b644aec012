package domain

import (
	"errors"
	"time"
)

// Sentinel errors shared across the serving layer.
var (
	// ErrEmptyFeatures rejects requests with no features at all.
	ErrEmptyFeatures = errors.New("features map cannot be empty")

	// ErrModelNotLoaded indicates the model artifact is unavailable.
	ErrModelNotLoaded = errors.New("model not loaded")

	// ErrFeatureMismatch rejects inputs whose keys do not line up with
	// the trained columns under strict alignment.
	ErrFeatureMismatch = errors.New("features do not match trained columns")
)

// PredictionResult is the outcome of scoring one feature vector.
type PredictionResult struct {
	// Prediction is the decoded class label, e.g. "BENIGN" or "DoS Hulk".
	Prediction string `json:"prediction"`

	// Confidence is the probability of the predicted class.
	Confidence float64 `json:"confidence"`

	// Probabilities is the full per-class distribution. Sums to 1
	// within floating-point tolerance.
	Probabilities map[string]float64 `json:"probabilities"`

	// MissingFeatures lists trained columns absent from the input and
	// zero-filled during alignment (tolerant mode only).
	MissingFeatures []string `json:"missingFeatures,omitempty"`

	// Cached reports whether this result was served from the
	// prediction cache. Not part of the wire format.
	Cached bool `json:"-"`
}

// IsAttack reports whether the predicted class is anything but benign.
func (p *PredictionResult) IsAttack() bool {
	return p.Prediction != LabelBenign
}

// LabelBenign is the non-attack class label the classifier was trained with.
const LabelBenign = "BENIGN"

// ThreatLevel grades an attack prediction by confidence.
type ThreatLevel string

const (
	ThreatNone     ThreatLevel = "NONE"
	ThreatLow      ThreatLevel = "LOW"
	ThreatMedium   ThreatLevel = "MEDIUM"
	ThreatHigh     ThreatLevel = "HIGH"
	ThreatCritical ThreatLevel = "CRITICAL"
)

// FeatureImpact is one feature's signed attribution to a prediction.
type FeatureImpact struct {
	Feature string  `json:"feature"`
	Impact  float64 `json:"impact"`
}

// Explanation is an additive attribution of a prediction: BaseValue plus
// the sum of all impacts reconstructs the model's output for the
// explained class.
type Explanation struct {
	Prediction  string          `json:"prediction"`
	Confidence  float64         `json:"confidence"`
	BaseValue   float64         `json:"base_value"`
	TopFeatures []FeatureImpact `json:"top_features"`

	// AllFeatures carries the complete attribution when requested.
	AllFeatures []FeatureImpact `json:"all_features,omitempty"`
}

// Detection is the persisted record of one scored flow.
type Detection struct {
	ID       string `json:"id"`
	SourceIP string `json:"sourceIp,omitempty"`

	// Input as received, before alignment.
	Features FeatureVector `json:"features"`

	// Outcome
	Prediction    string             `json:"prediction"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
	ThreatLevel   ThreatLevel        `json:"threatLevel"`
	Alerted       bool               `json:"alerted"`

	// AlertReasons carries triggered alert-rule names, when any.
	AlertReasons []string `json:"alertReasons,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Processing metadata
	Metadata DetectionMetadata `json:"metadata"`
}

// DetectionMetadata contains processing information.
type DetectionMetadata struct {
	TraceID       string `json:"traceId"`
	PredictMs     int64  `json:"predictMs"`
	RulesMs       int64  `json:"rulesMs"`
	TotalMs       int64  `json:"totalMs"`
	ModelType     string `json:"modelType"`
	EngineVersion string `json:"engineVersion"`
	CacheHit      bool   `json:"cacheHit,omitempty"`
}

// ClassStat is one entry of the windowed per-class detection counters.
type ClassStat struct {
	Class string `json:"class"`
	Count int64  `json:"count"`
}
