// Package model loads Kestrel model artifacts and runs tree-ensemble
// inference natively. An artifact is produced at training time by
// exporting the fitted classifier and preprocessing objects to two JSON
// documents: model.json (the ensemble) and preprocessor.json (scaler,
// label classes, feature column order).
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrArtifactNotFound indicates a missing artifact file. Fatal at
	// startup; the serving layer must not start without a model.
	ErrArtifactNotFound = errors.New("model artifact not found")

	// ErrArtifactCorrupt indicates an artifact that exists but cannot
	// be decoded or fails structural validation.
	ErrArtifactCorrupt = errors.New("model artifact corrupt")
)

// Ensemble types supported by the inference engine.
const (
	TypeRandomForest     = "random_forest"
	TypeGradientBoosting = "gradient_boosting"
)

// Ensemble is the serialized classifier.
type Ensemble struct {
	// ModelType is "random_forest" or "gradient_boosting".
	ModelType string `json:"model_type"`

	// NumClasses is the size of the label set.
	NumClasses int `json:"n_classes"`

	// Trees holds every tree in the ensemble. For gradient boosting
	// each tree contributes to a single class margin (ClassIndex);
	// for random forests every tree votes a full distribution.
	Trees []Tree `json:"trees"`

	// LearningRate scales gradient-boosting leaf values.
	LearningRate float64 `json:"learning_rate,omitempty"`

	// InitMargin is the gradient-boosting prior margin per class
	// (log-odds of class frequency). Empty for random forests.
	InitMargin []float64 `json:"init_margin,omitempty"`
}

// Tree is one decision tree in flattened-array form, the layout tree
// ensembles are exported in: node i's children are ChildrenLeft[i] and
// ChildrenRight[i], both -1 at a leaf.
type Tree struct {
	ChildrenLeft  []int     `json:"children_left"`
	ChildrenRight []int     `json:"children_right"`
	Feature       []int     `json:"feature"`
	Threshold     []float64 `json:"threshold"`

	// Values holds one row per node. Random forest rows are per-class
	// sample counts (normalized to a distribution at read time);
	// gradient-boosting rows are single-element margins.
	Values [][]float64 `json:"values"`

	// SampleWeight is the weighted training-sample count per node,
	// required for expected values and attribution covers.
	SampleWeight []float64 `json:"sample_weight"`

	// ClassIndex is the margin this tree contributes to (gradient
	// boosting only, -1 for random forests).
	ClassIndex int `json:"class_index"`
}

// Preprocessor holds the fitted preprocessing objects.
type Preprocessor struct {
	// FeatureColumns fixes the input column order the model was
	// trained with.
	FeatureColumns []string `json:"feature_columns"`

	// Classes maps encoded label indices back to class names.
	Classes []string `json:"classes"`

	// Scaler is the fitted standard scaler.
	Scaler Scaler `json:"scaler"`
}

// Bundle is a fully loaded, validated artifact. Immutable after Load;
// safe for concurrent readers without locking.
type Bundle struct {
	Ensemble     *Ensemble
	Preprocessor *Preprocessor
}

// Load reads and validates the model and preprocessor artifacts.
// Loading happens once at startup; a missing file is a configuration
// error, not a retryable condition.
func Load(modelPath, preprocessorPath string) (*Bundle, error) {
	var ens Ensemble
	if err := readJSON(modelPath, &ens); err != nil {
		return nil, err
	}

	var pre Preprocessor
	if err := readJSON(preprocessorPath, &pre); err != nil {
		return nil, err
	}

	b := &Bundle{Ensemble: &ens, Preprocessor: &pre}
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}
	return b, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
		}
		return fmt.Errorf("failed to read artifact %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrArtifactCorrupt, path, err)
	}
	return nil
}

// validate checks structural consistency between ensemble and
// preprocessor so inference can index arrays without bounds checks
// failing at request time.
func (b *Bundle) validate() error {
	ens, pre := b.Ensemble, b.Preprocessor

	switch ens.ModelType {
	case TypeRandomForest, TypeGradientBoosting:
	default:
		return fmt.Errorf("unsupported model type %q", ens.ModelType)
	}

	if ens.NumClasses < 2 {
		return fmt.Errorf("n_classes must be >= 2, got %d", ens.NumClasses)
	}
	if len(pre.Classes) != ens.NumClasses {
		return fmt.Errorf("class count mismatch: ensemble %d, preprocessor %d",
			ens.NumClasses, len(pre.Classes))
	}
	if len(pre.FeatureColumns) == 0 {
		return fmt.Errorf("feature_columns is empty")
	}
	if len(pre.Scaler.Mean) != len(pre.FeatureColumns) || len(pre.Scaler.Scale) != len(pre.FeatureColumns) {
		return fmt.Errorf("scaler dimensions do not match feature_columns")
	}
	if len(ens.Trees) == 0 {
		return fmt.Errorf("ensemble has no trees")
	}
	if ens.ModelType == TypeGradientBoosting && len(ens.InitMargin) != ens.NumClasses {
		return fmt.Errorf("init_margin length %d does not match n_classes %d",
			len(ens.InitMargin), ens.NumClasses)
	}

	numFeatures := len(pre.FeatureColumns)
	for ti := range ens.Trees {
		if err := ens.Trees[ti].validate(ens, numFeatures); err != nil {
			return fmt.Errorf("tree %d: %v", ti, err)
		}
	}
	return nil
}

func (t *Tree) validate(ens *Ensemble, numFeatures int) error {
	n := len(t.ChildrenLeft)
	if n == 0 {
		return fmt.Errorf("empty tree")
	}
	if len(t.ChildrenRight) != n || len(t.Feature) != n ||
		len(t.Threshold) != n || len(t.Values) != n || len(t.SampleWeight) != n {
		return fmt.Errorf("node array lengths disagree")
	}

	wantWidth := 1
	if ens.ModelType == TypeRandomForest {
		wantWidth = ens.NumClasses
	}

	for i := 0; i < n; i++ {
		l, r := t.ChildrenLeft[i], t.ChildrenRight[i]
		if (l == -1) != (r == -1) {
			return fmt.Errorf("node %d: half-leaf", i)
		}
		if l != -1 {
			if l <= i || l >= n || r <= i || r >= n {
				return fmt.Errorf("node %d: child indices out of range", i)
			}
			if t.Feature[i] < 0 || t.Feature[i] >= numFeatures {
				return fmt.Errorf("node %d: split feature %d out of range", i, t.Feature[i])
			}
		}
		if len(t.Values[i]) != wantWidth {
			return fmt.Errorf("node %d: value width %d, want %d", i, len(t.Values[i]), wantWidth)
		}
		if t.SampleWeight[i] <= 0 {
			return fmt.Errorf("node %d: non-positive sample weight", i)
		}
	}

	if ens.ModelType == TypeGradientBoosting {
		if t.ClassIndex < 0 || t.ClassIndex >= ens.NumClasses {
			return fmt.Errorf("class_index %d out of range", t.ClassIndex)
		}
	}
	return nil
}

// Info summarizes a loaded bundle for the health endpoint.
type Info struct {
	Loaded       bool     `json:"loaded"`
	ModelType    string   `json:"model_type,omitempty"`
	FeatureCount int      `json:"feature_count"`
	TreeCount    int      `json:"tree_count,omitempty"`
	Classes      []string `json:"classes,omitempty"`
}

// Info returns metadata about the bundle.
func (b *Bundle) Info() Info {
	return Info{
		Loaded:       true,
		ModelType:    b.Ensemble.ModelType,
		FeatureCount: len(b.Preprocessor.FeatureColumns),
		TreeCount:    len(b.Ensemble.Trees),
		Classes:      b.Preprocessor.Classes,
	}
}
