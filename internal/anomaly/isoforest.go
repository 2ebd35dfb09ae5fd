package anomaly

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/gridsense/gridsense/internal/timeseries"
)

const (
	forestTrees         = 100
	forestSampleSize    = 256
	forestContamination = 0.05
	forestSeed          = 42
)

// IsolationForestDetector trains a fresh isolation forest per run on the
// {power, voltage, current} feature space and flags the most isolated
// contamination fraction of points. The seed is fixed so repeated runs over
// the same window agree.
type IsolationForestDetector struct {
	Contamination float64
}

func NewIsolationForestDetector() *IsolationForestDetector {
	return &IsolationForestDetector{Contamination: forestContamination}
}

func (d *IsolationForestDetector) Name() string { return MethodIsolationForest }

func (d *IsolationForestDetector) Detect(ctx context.Context, w *timeseries.Window) (IndexSet, error) {
	out := make(IndexSet)
	n := w.Len()
	if n < 2 {
		return out, nil
	}

	features := make([][3]float64, n)
	for i, r := range w.Records {
		features[i] = [3]float64{r.ActivePower, r.Voltage, r.Current}
	}

	rng := rand.New(rand.NewSource(forestSeed))
	sample := forestSampleSize
	if sample > n {
		sample = n
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sample))))

	trees := make([]*isoNode, forestTrees)
	for t := range trees {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := rng.Perm(n)[:sample]
		sub := make([][3]float64, sample)
		for i, j := range idx {
			sub[i] = features[j]
		}
		trees[t] = buildIsoTree(sub, 0, maxDepth, rng)
	}

	c := avgPathLength(sample)
	scores := make([]float64, n)
	for i, f := range features {
		var pathSum float64
		for _, tree := range trees {
			pathSum += tree.pathLength(f, 0)
		}
		scores[i] = math.Pow(2, -(pathSum/forestTrees)/c)
	}

	// Highest scores are the most isolated; flag the top contamination
	// fraction.
	flagged := int(math.Round(d.Contamination * float64(n)))
	if flagged == 0 {
		return out, nil
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	for _, i := range order[:flagged] {
		out[i] = struct{}{}
	}
	return out, nil
}

type isoNode struct {
	feature     int
	split       float64
	left, right *isoNode
	size        int
}

func buildIsoTree(data [][3]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if len(data) <= 1 || depth >= maxDepth {
		return &isoNode{size: len(data)}
	}
	feature := rng.Intn(3)
	lo, hi := data[0][feature], data[0][feature]
	for _, f := range data[1:] {
		if f[feature] < lo {
			lo = f[feature]
		}
		if f[feature] > hi {
			hi = f[feature]
		}
	}
	if lo == hi {
		return &isoNode{size: len(data)}
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][3]float64
	for _, f := range data {
		if f[feature] < split {
			left = append(left, f)
		} else {
			right = append(right, f)
		}
	}
	return &isoNode{
		feature: feature,
		split:   split,
		left:    buildIsoTree(left, depth+1, maxDepth, rng),
		right:   buildIsoTree(right, depth+1, maxDepth, rng),
	}
}

func (n *isoNode) pathLength(f [3]float64, depth int) float64 {
	if n.left == nil {
		return float64(depth) + avgPathLength(n.size)
	}
	if f[n.feature] < n.split {
		return n.left.pathLength(f, depth+1)
	}
	return n.right.pathLength(f, depth+1)
}

// avgPathLength is the expected unsuccessful-search path length of a binary
// search tree over n points, the standard isolation forest normalizer.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}
