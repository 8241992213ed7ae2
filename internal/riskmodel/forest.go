package riskmodel

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
)

const (
	minSplit = 2
	maxDepth = 16
)

// node is either a leaf carrying a label or a split on feature <= threshold.
type node struct {
	leaf      bool
	label     int
	feature   int
	threshold float64
	left      *node
	right     *node
}

func (n *node) predict(row []float64) int {
	for !n.leaf {
		if row[n.feature] <= n.threshold {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.label
}

// forest is a bagged ensemble of CART trees split on Gini impurity, each
// split drawn from sqrt(features) candidate columns.
type forest struct {
	classes []int
	trees   []*node
}

func fitForest(x [][]float64, y []int, trees int, rng *rand.Rand) (*forest, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, errors.New("feature rows and labels differ in length")
	}
	width := len(x[0])
	if width == 0 {
		return nil, errors.New("no feature columns")
	}
	for _, row := range x {
		if len(row) != width {
			return nil, errors.New("ragged feature table")
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.New("non-finite feature value")
			}
		}
	}
	if trees < 1 {
		trees = 1
	}

	classes := slices.Clone(y)
	slices.Sort(classes)
	classes = slices.Compact(classes)

	g := grower{
		x:       x,
		y:       make([]int, len(y)),
		classes: classes,
		rng:     rng,
		mtry:    max(1, int(math.Sqrt(float64(width)))),
	}
	for i, label := range y {
		g.y[i], _ = slices.BinarySearch(classes, label)
	}

	f := &forest{classes: classes, trees: make([]*node, trees)}
	for t := range f.trees {
		sample := make([]int, len(x))
		for i := range sample {
			sample[i] = rng.IntN(len(x))
		}
		f.trees[t] = g.grow(sample, 0)
	}
	return f, nil
}

// predict returns the majority vote; ties go to the lowest label.
func (f *forest) predict(row []float64) int {
	votes := make([]int, len(f.classes))
	for _, t := range f.trees {
		ci, _ := slices.BinarySearch(f.classes, t.predict(row))
		votes[ci]++
	}
	return f.classes[majority(votes)]
}

// grower works on class indices so impurity sums run in a fixed order.
type grower struct {
	x       [][]float64
	y       []int
	classes []int
	rng     *rand.Rand
	mtry    int
}

func (g *grower) grow(idx []int, depth int) *node {
	counts := g.counts(idx)
	leaf := &node{leaf: true, label: g.classes[majority(counts)]}
	if pure(counts) || len(idx) < minSplit || depth >= maxDepth {
		return leaf
	}

	feature, threshold, ok := g.bestSplit(idx, counts)
	if !ok {
		return leaf
	}

	var left, right []int
	for _, i := range idx {
		if g.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &node{
		feature:   feature,
		threshold: threshold,
		left:      g.grow(left, depth+1),
		right:     g.grow(right, depth+1),
	}
}

func (g *grower) bestSplit(idx []int, counts []int) (int, float64, bool) {
	width := len(g.x[0])
	candidates := g.rng.Perm(width)[:g.mtry]

	best := gini(counts, len(idx))
	bestFeature, bestThreshold, found := 0, 0.0, false

	sorted := slices.Clone(idx)
	left := make([]int, len(counts))
	right := make([]int, len(counts))
	for _, f := range candidates {
		sort.SliceStable(sorted, func(a, b int) bool { return g.x[sorted[a]][f] < g.x[sorted[b]][f] })
		clear(left)
		copy(right, counts)

		for pos := 0; pos < len(sorted)-1; pos++ {
			ci := g.y[sorted[pos]]
			left[ci]++
			right[ci]--

			cur, next := g.x[sorted[pos]][f], g.x[sorted[pos+1]][f]
			if cur == next {
				continue
			}
			nl, nr := pos+1, len(sorted)-pos-1
			impurity := (float64(nl)*gini(left, nl) + float64(nr)*gini(right, nr)) / float64(len(sorted))
			if impurity < best {
				best = impurity
				bestFeature, bestThreshold, found = f, (cur+next)/2, true
			}
		}
	}
	return bestFeature, bestThreshold, found
}

func (g *grower) counts(idx []int) []int {
	c := make([]int, len(g.classes))
	for _, i := range idx {
		c[g.y[i]]++
	}
	return c
}

func gini(counts []int, n int) float64 {
	if n == 0 {
		return 0
	}
	impurity := 1.0
	for _, c := range counts {
		p := float64(c) / float64(n)
		impurity -= p * p
	}
	return impurity
}

func pure(counts []int) bool {
	nonzero := 0
	for _, c := range counts {
		if c > 0 {
			nonzero++
		}
	}
	return nonzero <= 1
}

// majority returns the index of the largest count, preferring the lowest
// index on ties.
func majority(counts []int) int {
	best := 0
	for i, c := range counts {
		if c > counts[best] {
			best = i
		}
	}
	return best
}
