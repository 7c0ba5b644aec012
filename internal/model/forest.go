package model

import "math"

// Inference over the loaded ensemble. All methods are read-only and safe
// for concurrent callers.

// Leaf walks the tree for an aligned, scaled feature vector and returns
// the leaf node index. Split convention: left when x[feature] <= threshold.
func (t *Tree) Leaf(x []float64) int {
	node := 0
	for t.ChildrenLeft[node] != -1 {
		if x[t.Feature[node]] <= t.Threshold[node] {
			node = t.ChildrenLeft[node]
		} else {
			node = t.ChildrenRight[node]
		}
	}
	return node
}

// LeafValue returns a node's scalar output for one class: the normalized
// class share for random forests, the scaled margin for gradient
// boosting. This is the value space attributions are computed in.
func (e *Ensemble) LeafValue(t *Tree, node, class int) float64 {
	if e.ModelType == TypeRandomForest {
		row := t.Values[node]
		var total float64
		for _, v := range row {
			total += v
		}
		if total == 0 {
			return 0
		}
		return row[class] / total
	}

	lr := e.LearningRate
	if lr == 0 {
		lr = 1
	}
	return t.Values[node][0] * lr
}

// PredictProba returns the per-class probability distribution for an
// aligned, scaled feature vector.
func (e *Ensemble) PredictProba(x []float64) []float64 {
	if e.ModelType == TypeRandomForest {
		return e.forestProba(x)
	}
	return softmax(e.Margins(x))
}

// forestProba averages normalized leaf distributions across all trees.
func (e *Ensemble) forestProba(x []float64) []float64 {
	probs := make([]float64, e.NumClasses)
	for ti := range e.Trees {
		t := &e.Trees[ti]
		leaf := t.Leaf(x)
		for c := 0; c < e.NumClasses; c++ {
			probs[c] += e.LeafValue(t, leaf, c)
		}
	}
	n := float64(len(e.Trees))
	for c := range probs {
		probs[c] /= n
	}
	return probs
}

// Margins returns the raw per-class gradient-boosting margins:
// init_margin[c] + learning_rate * sum of class-c leaf values.
// For random forests it returns the probability vector, which is the
// output space their attributions reconstruct.
func (e *Ensemble) Margins(x []float64) []float64 {
	if e.ModelType == TypeRandomForest {
		return e.forestProba(x)
	}

	margins := make([]float64, e.NumClasses)
	copy(margins, e.InitMargin)
	for ti := range e.Trees {
		t := &e.Trees[ti]
		margins[t.ClassIndex] += e.LeafValue(t, t.Leaf(x), 0)
	}
	return margins
}

// ClassOutput returns the model's raw output for one class: probability
// for random forests, margin for gradient boosting. Attribution base
// value plus contributions reconstructs exactly this quantity.
func (e *Ensemble) ClassOutput(x []float64, class int) float64 {
	return e.Margins(x)[class]
}

// ExpectedValue is the model's expected output for a class over the
// training distribution, computed from per-node sample weights. This is
// the attribution base value.
func (e *Ensemble) ExpectedValue(class int) float64 {
	if e.ModelType == TypeRandomForest {
		var total float64
		for ti := range e.Trees {
			total += e.treeExpected(&e.Trees[ti], class)
		}
		return total / float64(len(e.Trees))
	}

	total := e.InitMargin[class]
	for ti := range e.Trees {
		t := &e.Trees[ti]
		if t.ClassIndex == class {
			total += e.treeExpected(t, 0)
		}
	}
	return total
}

// treeExpected computes the cover-weighted average leaf value.
func (e *Ensemble) treeExpected(t *Tree, class int) float64 {
	rootCover := t.SampleWeight[0]
	var total float64
	for node := range t.ChildrenLeft {
		if t.ChildrenLeft[node] == -1 {
			total += t.SampleWeight[node] / rootCover * e.LeafValue(t, node, class)
		}
	}
	return total
}

// softmax converts margins to probabilities, shifted for stability.
func softmax(margins []float64) []float64 {
	maxM := math.Inf(-1)
	for _, m := range margins {
		if m > maxM {
			maxM = m
		}
	}

	out := make([]float64, len(margins))
	var sum float64
	for i, m := range margins {
		out[i] = math.Exp(m - maxM)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
