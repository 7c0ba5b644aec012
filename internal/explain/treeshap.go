// Package explain computes per-feature attributions for tree-ensemble
// predictions using the exact TreeSHAP algorithm. Attributions are
// additive: base value plus the sum of all contributions reconstructs
// the model's raw output for the explained class.
package explain

import (
	"github.com/opensource-security/kestrel/internal/model"
)

// pathElement is one entry of the unique feature path maintained during
// the tree walk: the fractions of subsets that flow down ("one") or are
// blocked ("zero") at this feature, and the permutation weight.
type pathElement struct {
	featureIndex int
	zeroFraction float64
	oneFraction  float64
	pathWeight   float64
}

// treeShap accumulates one tree's contributions for the given class
// into phi. x must be aligned and scaled.
func treeShap(e *model.Ensemble, t *model.Tree, x []float64, class int, phi []float64) {
	w := &shapWalker{e: e, t: t, x: x, class: class, phi: phi}
	w.recurse(0, nil, 1, 1, -1)
}

type shapWalker struct {
	e     *model.Ensemble
	t     *model.Tree
	x     []float64
	class int
	phi   []float64
}

func (w *shapWalker) recurse(node int, parentPath []pathElement, parentZero, parentOne float64, parentFeature int) {
	path := extend(parentPath, parentZero, parentOne, parentFeature)
	depth := len(path) - 1

	if w.t.ChildrenLeft[node] == -1 {
		leafValue := w.e.LeafValue(w.t, node, w.class)
		for i := 1; i <= depth; i++ {
			weight := unwoundPathSum(path, i)
			el := path[i]
			w.phi[el.featureIndex] += weight * (el.oneFraction - el.zeroFraction) * leafValue
		}
		return
	}

	feature := w.t.Feature[node]
	var hot, cold int
	if w.x[feature] <= w.t.Threshold[node] {
		hot, cold = w.t.ChildrenLeft[node], w.t.ChildrenRight[node]
	} else {
		hot, cold = w.t.ChildrenRight[node], w.t.ChildrenLeft[node]
	}

	// A feature revisited along the path is unwound so its previous
	// fractions compose with the new split instead of double counting.
	incomingZero, incomingOne := 1.0, 1.0
	if k := findFeature(path, feature); k >= 0 {
		incomingZero = path[k].zeroFraction
		incomingOne = path[k].oneFraction
		path = unwind(path, k)
	}

	cover := w.t.SampleWeight[node]
	hotZero := w.t.SampleWeight[hot] / cover * incomingZero
	coldZero := w.t.SampleWeight[cold] / cover * incomingZero

	w.recurse(hot, path, hotZero, incomingOne, feature)
	w.recurse(cold, path, coldZero, 0, feature)
}

// extend grows the path by one feature, updating the permutation
// weights of every prefix length.
func extend(path []pathElement, zeroFraction, oneFraction float64, featureIndex int) []pathElement {
	l := len(path)
	out := make([]pathElement, l+1)
	copy(out, path)

	initWeight := 0.0
	if l == 0 {
		initWeight = 1.0
	}
	out[l] = pathElement{
		featureIndex: featureIndex,
		zeroFraction: zeroFraction,
		oneFraction:  oneFraction,
		pathWeight:   initWeight,
	}

	for i := l - 1; i >= 0; i-- {
		out[i+1].pathWeight += oneFraction * out[i].pathWeight * float64(i+1) / float64(l+1)
		out[i].pathWeight = zeroFraction * out[i].pathWeight * float64(l-i) / float64(l+1)
	}
	return out
}

// unwind removes the path element at index i, reversing extend.
func unwind(path []pathElement, i int) []pathElement {
	depth := len(path) - 1
	el := path[i]

	out := make([]pathElement, len(path))
	copy(out, path)

	nextOnePortion := out[depth].pathWeight
	for j := depth - 1; j >= 0; j-- {
		if el.oneFraction != 0 {
			tmp := out[j].pathWeight
			out[j].pathWeight = nextOnePortion * float64(depth+1) /
				(float64(j+1) * el.oneFraction)
			nextOnePortion = tmp - out[j].pathWeight*el.zeroFraction*
				float64(depth-j)/float64(depth+1)
		} else {
			out[j].pathWeight = out[j].pathWeight * float64(depth+1) /
				(el.zeroFraction * float64(depth-j))
		}
	}
	for j := i; j < depth; j++ {
		out[j].featureIndex = out[j+1].featureIndex
		out[j].zeroFraction = out[j+1].zeroFraction
		out[j].oneFraction = out[j+1].oneFraction
	}
	return out[:depth]
}

// unwoundPathSum computes the total permutation weight the path would
// have with element i removed, without materializing the removal.
func unwoundPathSum(path []pathElement, i int) float64 {
	depth := len(path) - 1
	el := path[i]

	var total float64
	nextOnePortion := path[depth].pathWeight
	for j := depth - 1; j >= 0; j-- {
		if el.oneFraction != 0 {
			tmp := nextOnePortion * float64(depth+1) / (float64(j+1) * el.oneFraction)
			total += tmp
			nextOnePortion = path[j].pathWeight - tmp*el.zeroFraction*
				float64(depth-j)/float64(depth+1)
		} else {
			total += path[j].pathWeight / (el.zeroFraction * float64(depth-j) / float64(depth+1))
		}
	}
	return total
}

func findFeature(path []pathElement, feature int) int {
	// Index 0 is the sentinel root element (featureIndex -1).
	for i := 1; i < len(path); i++ {
		if path[i].featureIndex == feature {
			return i
		}
	}
	return -1
}

// ShapValues returns one contribution per feature for the given class,
// summed over every tree that affects that class's output, plus the
// base value (the class's expected output over the training
// distribution).
func ShapValues(e *model.Ensemble, x []float64, class int) (phi []float64, baseValue float64) {
	phi = make([]float64, len(x))
	for ti := range e.Trees {
		t := &e.Trees[ti]
		if e.ModelType == model.TypeGradientBoosting && t.ClassIndex != class {
			continue
		}
		treeShap(e, t, x, class, phi)
	}

	if e.ModelType == model.TypeRandomForest {
		// Forest probability is the average of per-tree outputs.
		n := float64(len(e.Trees))
		for i := range phi {
			phi[i] /= n
		}
	}

	return phi, e.ExpectedValue(class)
}
