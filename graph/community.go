package graph

import (
	"math"
	"math/rand/v2"
	"sort"
)

// edge is a weighted edge in an adjacency list.
type edge struct {
	to     int
	weight float64
}

// maxLouvainPasses caps local moving passes per level.
const maxLouvainPasses = 50

// Louvain partitions an undirected weighted graph by greedy modularity
// optimisation with the given resolution. Nodes are visited in an order
// drawn from rng, so a seeded rng gives a deterministic partition. adj must
// be symmetric. The returned labels are numbered in order of first
// appearance.
func Louvain(adj [][]edge, resolution float64, rng *rand.Rand) []int {
	n := len(adj)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i
	}
	if n == 0 {
		return labels
	}

	level := adj
	for {
		community, moved := localMoving(level, resolution, rng)
		if !moved {
			break
		}
		community, count := renumber(community)
		for i := range labels {
			labels[i] = community[labels[i]]
		}
		if count == len(level) {
			break
		}
		level = aggregate(level, community, count)
	}

	out, _ := renumber(labels)
	return out
}

// localMoving moves single nodes to the neighbouring community with the
// best modularity gain until no move improves it.
func localMoving(adj [][]edge, resolution float64, rng *rand.Rand) ([]int, bool) {
	n := len(adj)
	community := make([]int, n)
	strength := make([]float64, n)
	total := make([]float64, n)
	m2 := 0.0
	for i, edges := range adj {
		community[i] = i
		for _, e := range edges {
			strength[i] += e.weight
		}
		total[i] = strength[i]
		m2 += strength[i]
	}
	if m2 == 0 {
		return community, false
	}

	improved := false
	weights := make(map[int]float64)
	var neighbours []int
	for pass := 0; pass < maxLouvainPasses; pass++ {
		moved := false
		for _, i := range rng.Perm(n) {
			clear(weights)
			neighbours = neighbours[:0]
			for _, e := range adj[i] {
				if e.to == i {
					continue
				}
				c := community[e.to]
				if _, ok := weights[c]; !ok {
					neighbours = append(neighbours, c)
				}
				weights[c] += e.weight
			}

			current := community[i]
			ki := strength[i]
			total[current] -= ki

			best := current
			bestGain := weights[current] - resolution*total[current]*ki/m2
			for _, c := range neighbours {
				gain := weights[c] - resolution*total[c]*ki/m2
				if gain > bestGain+1e-12 {
					best, bestGain = c, gain
				}
			}

			total[best] += ki
			if best != current {
				community[i] = best
				moved = true
				improved = true
			}
		}
		if !moved {
			break
		}
	}
	return community, improved
}

// renumber maps labels to 0..k-1 in order of first appearance.
func renumber(labels []int) ([]int, int) {
	ids := make(map[int]int)
	out := make([]int, len(labels))
	for i, l := range labels {
		id, ok := ids[l]
		if !ok {
			id = len(ids)
			ids[l] = id
		}
		out[i] = id
	}
	return out, len(ids)
}

// aggregate collapses every community into one node. Internal weight
// becomes a self-loop so node strengths are preserved.
func aggregate(adj [][]edge, community []int, count int) [][]edge {
	sums := make([]map[int]float64, count)
	for i := range sums {
		sums[i] = make(map[int]float64)
	}
	for i, edges := range adj {
		for _, e := range edges {
			sums[community[i]][community[e.to]] += e.weight
		}
	}

	out := make([][]edge, count)
	for c, targets := range sums {
		keys := make([]int, 0, len(targets))
		for k := range targets {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			out[c] = append(out[c], edge{to: k, weight: targets[k]})
		}
	}
	return out
}

// Modularity returns the weighted modularity of a partition at the given
// resolution.
func Modularity(adj [][]edge, labels []int, resolution float64) float64 {
	m2 := 0.0
	totals := make(map[int]float64)
	internal := make(map[int]float64)
	for i, edges := range adj {
		for _, e := range edges {
			m2 += e.weight
			totals[labels[i]] += e.weight
			if labels[i] == labels[e.to] {
				internal[labels[i]] += e.weight
			}
		}
	}
	if m2 == 0 {
		return 0
	}
	q := 0.0
	for c, tot := range totals {
		q += internal[c]/m2 - resolution*math.Pow(tot/m2, 2)
	}
	return q
}

// PageRank computes weighted PageRank over adj. Rank flows along edges in
// proportion to their weight; nodes without edges spread their rank
// evenly. Iteration stops after maxIter rounds or when the L1 change drops
// below tol.
func PageRank(adj [][]edge, damping float64, maxIter int, tol float64) []float64 {
	n := len(adj)
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	strength := make([]float64, n)
	for i, edges := range adj {
		for _, e := range edges {
			strength[i] += e.weight
		}
	}

	rank := make([]float64, n)
	for i := range rank {
		rank[i] = 1 / float64(n)
	}
	for iter := 0; iter < maxIter; iter++ {
		dangling := 0.0
		for i := range adj {
			if strength[i] == 0 {
				dangling += rank[i]
			}
		}
		base := (1-damping)/float64(n) + damping*dangling/float64(n)
		for i := range out {
			out[i] = base
		}
		for i, edges := range adj {
			if strength[i] == 0 {
				continue
			}
			share := damping * rank[i] / strength[i]
			for _, e := range edges {
				out[e.to] += share * e.weight
			}
		}

		delta := 0.0
		for i := range rank {
			delta += math.Abs(out[i] - rank[i])
		}
		rank, out = out, rank
		if delta < tol {
			break
		}
	}
	return rank
}
