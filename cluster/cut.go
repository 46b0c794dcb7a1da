package cluster

import "math"

// CutParams controls where the dendrogram is cut.
type CutParams struct {
	// MaxDistance is the cut height for subtrees of average size.
	MaxDistance float64
	// MinDistance is the floor the cut height shrinks to for large subtrees.
	MinDistance float64
}

// Cut assigns clusters by walking the dendrogram top-down. A subtree becomes
// a cluster when its height is within a size-dependent criterion:
//
//	penalty  = clamp((|examples| - avg) / (2*avg), 0, 1)^2
//	criteria = max(max - penalty^2, min)
//
// where avg is the mean example count over items with more than one example
// and |examples| is the number of distinct examples in the subtree. Members of
// a cluster get probability max(1-height, 0); items outside every cluster go
// to cluster -1 with probability 1.
//
// examples may be nil, in which case no size penalty applies.
func Cut(root *Node, examples [][]string, p CutParams) Result {
	out := make(Result)
	if root == nil {
		return out
	}

	avg, coefficient := sizeStats(examples)

	var sizes map[int]int
	if coefficient > 0 {
		sizes = subtreeExampleCounts(root, examples)
	}

	next := 0
	var walk func(n *Node, cluster int, prob float64)
	walk = func(n *Node, cluster int, prob float64) {
		if n.IsLeaf() {
			out[cluster] = append(out[cluster], Member{ID: n.ID, Probability: prob})
			return
		}
		if cluster == Outlier {
			penalty := 0.0
			if coefficient > 0 {
				penalty = math.Min(1, math.Max(0, (float64(sizes[n.ID])-avg)/coefficient))
				penalty *= penalty
			}
			criteria := math.Max(p.MaxDistance-penalty*penalty, p.MinDistance)
			if n.Height <= criteria {
				cluster = next
				next++
				prob = math.Max(1-n.Height, 0)
			}
		}
		walk(n.Left, cluster, prob)
		walk(n.Right, cluster, prob)
	}
	walk(root, Outlier, 1)
	return out
}

func sizeStats(examples [][]string) (avg, coefficient float64) {
	var total, count int
	for _, ex := range examples {
		if n := len(distinct(ex)); n > 1 {
			total += n
			count++
		}
	}
	if count == 0 {
		return 0, 0
	}
	avg = float64(total) / float64(count)
	return avg, 2 * avg
}

// subtreeExampleCounts returns the number of distinct examples under every
// internal node. Child sets are merged small-into-large.
func subtreeExampleCounts(root *Node, examples [][]string) map[int]int {
	counts := make(map[int]int)
	var visit func(n *Node) map[string]struct{}
	visit = func(n *Node) map[string]struct{} {
		if n.IsLeaf() {
			if n.ID < len(examples) {
				return distinct(examples[n.ID])
			}
			return map[string]struct{}{}
		}
		left, right := visit(n.Left), visit(n.Right)
		if len(left) < len(right) {
			left, right = right, left
		}
		for k := range right {
			left[k] = struct{}{}
		}
		counts[n.ID] = len(left)
		return left
	}
	visit(root)
	return counts
}

func distinct(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		out[s] = struct{}{}
	}
	return out
}
