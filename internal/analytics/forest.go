package analytics

import (
	"math"
	"math/rand"
	"sort"
)

// isolationForest scores points by how quickly random axis-aligned splits
// isolate them. Scores are in (0, 1]; higher is more anomalous.
type isolationForest struct {
	trees      []*isolationNode
	sampleSize int
	maxDepth   int
	rng        *rand.Rand
}

type isolationNode struct {
	feature     int
	split       float64
	left, right *isolationNode
	size        int
}

func (n *isolationNode) leaf() bool { return n.left == nil }

func newIsolationForest(numTrees, sampleSize int, seed int64) *isolationForest {
	return &isolationForest{
		trees:      make([]*isolationNode, 0, numTrees),
		sampleSize: sampleSize,
		maxDepth:   int(math.Ceil(math.Log2(float64(max(sampleSize, 2))))),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

func (f *isolationForest) fit(data [][]float64, numTrees int) {
	if len(data) == 0 {
		return
	}
	if f.sampleSize > len(data) {
		f.sampleSize = len(data)
		f.maxDepth = int(math.Ceil(math.Log2(float64(max(f.sampleSize, 2)))))
	}
	for i := 0; i < numTrees; i++ {
		f.trees = append(f.trees, f.build(f.sample(data), 0))
	}
}

func (f *isolationForest) sample(data [][]float64) [][]float64 {
	idx := f.rng.Perm(len(data))[:f.sampleSize]
	out := make([][]float64, len(idx))
	for i, j := range idx {
		out[i] = data[j]
	}
	return out
}

func (f *isolationForest) build(data [][]float64, depth int) *isolationNode {
	if len(data) <= 1 || depth >= f.maxDepth {
		return &isolationNode{size: len(data)}
	}
	feature := f.rng.Intn(len(data[0]))
	lo, hi := data[0][feature], data[0][feature]
	for _, p := range data {
		lo = math.Min(lo, p[feature])
		hi = math.Max(hi, p[feature])
	}
	if hi-lo < 1e-12 {
		return &isolationNode{size: len(data)}
	}
	split := lo + f.rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, p := range data {
		if p[feature] < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isolationNode{size: len(data)}
	}
	return &isolationNode{
		feature: feature,
		split:   split,
		left:    f.build(left, depth+1),
		right:   f.build(right, depth+1),
		size:    len(data),
	}
}

// score returns 2^(-E[h(x)]/c(n)).
func (f *isolationForest) score(p []float64) float64 {
	if len(f.trees) == 0 {
		return 0.5
	}
	total := 0.0
	for _, t := range f.trees {
		total += pathLength(t, p, 0)
	}
	c := averagePathLength(f.sampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -(total/float64(len(f.trees)))/c)
}

func pathLength(n *isolationNode, p []float64, depth int) float64 {
	if n.leaf() {
		return float64(depth) + averagePathLength(n.size)
	}
	if p[n.feature] < n.split {
		return pathLength(n.left, p, depth+1)
	}
	return pathLength(n.right, p, depth+1)
}

// averagePathLength is c(n), the mean unsuccessful-search depth of a BST.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

// threshold returns the score above which the top contamination fraction
// of scores lies, never below floor.
func threshold(scores []float64, contamination, floor float64) float64 {
	if len(scores) == 0 {
		return floor
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	k := int(math.Floor(float64(len(sorted)) * (1 - contamination)))
	if k >= len(sorted) {
		k = len(sorted) - 1
	}
	return math.Max(sorted[k], floor)
}
