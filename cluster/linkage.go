package cluster

import (
	"fmt"
	"math"
	"sort"
)

// Linkage methods.
const (
	Ward     = "ward"
	Average  = "average"
	Complete = "complete"
	Single   = "single"
)

// Node is a dendrogram node. Leaves have ID < number of items and no
// children; internal nodes are numbered in merge order after the leaves.
type Node struct {
	ID     int
	Left   *Node
	Right  *Node
	Height float64
	Size   int
}

// IsLeaf reports whether n is a leaf.
func (n *Node) IsLeaf() bool { return n.Left == nil && n.Right == nil }

// Leaves returns the item indices below n, left to right.
func (n *Node) Leaves() []int {
	var out []int
	stack := []*Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.IsLeaf() {
			out = append(out, cur.ID)
			continue
		}
		stack = append(stack, cur.Right, cur.Left)
	}
	return out
}

type step struct {
	a, b   int
	height float64
}

// Dendrogram runs agglomerative clustering over a symmetric distance matrix
// and returns the root. It uses the nearest-neighbour chain algorithm, which
// is exact for the supported (reducible) linkages.
func Dendrogram(dist [][]float64, method string) (*Node, error) {
	n := len(dist)
	if n == 0 {
		return nil, nil
	}
	for i, row := range dist {
		if len(row) != n {
			return nil, fmt.Errorf("distance row %d has %d columns, want %d", i, len(row), n)
		}
	}
	update, err := lanceWilliams(method)
	if err != nil {
		return nil, err
	}

	d := make([]float64, n*n)
	for i := range dist {
		copy(d[i*n:(i+1)*n], dist[i])
	}
	at := func(i, j int) float64 { return d[i*n+j] }
	set := func(i, j int, v float64) { d[i*n+j] = v; d[j*n+i] = v }

	size := make([]int, n)
	active := make([]bool, n)
	for i := range size {
		size[i] = 1
		active[i] = true
	}

	steps := make([]step, 0, n-1)
	chain := make([]int, 0, n)
	for remaining := n; remaining > 1; remaining-- {
		if len(chain) == 0 {
			for i := range active {
				if active[i] {
					chain = append(chain, i)
					break
				}
			}
		}
		var x, y int
		for {
			x = chain[len(chain)-1]
			prev := -1
			best := math.Inf(1)
			if len(chain) > 1 {
				prev = chain[len(chain)-2]
				best = at(x, prev)
			}
			nearest := prev
			for k := range active {
				if !active[k] || k == x {
					continue
				}
				if v := at(x, k); v < best {
					best = v
					nearest = k
				}
			}
			if nearest == prev && prev >= 0 {
				y = prev
				break
			}
			chain = append(chain, nearest)
		}
		chain = chain[:len(chain)-2]

		if x > y {
			x, y = y, x
		}
		dxy := at(x, y)
		steps = append(steps, step{a: x, b: y, height: dxy})

		// The merged cluster lives in slot y.
		for k := range active {
			if !active[k] || k == x || k == y {
				continue
			}
			set(y, k, update(at(x, k), at(y, k), dxy, size[x], size[y], size[k]))
		}
		active[x] = false
		size[y] += size[x]
	}

	return assemble(n, steps), nil
}

// assemble orders the merges by height and labels them the way a
// conventional linkage matrix does: the k-th merge gets ID n+k.
func assemble(n int, steps []step) *Node {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].height < steps[j].height })

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	nodes := make(map[int]*Node, n)
	for i := 0; i < n; i++ {
		nodes[i] = &Node{ID: i, Size: 1}
	}
	root := nodes[0]
	for k, s := range steps {
		ra, rb := find(s.a), find(s.b)
		left, right := nodes[ra], nodes[rb]
		if left.ID > right.ID {
			left, right = right, left
		}
		merged := &Node{
			ID:     n + k,
			Left:   left,
			Right:  right,
			Height: s.height,
			Size:   left.Size + right.Size,
		}
		parent[ra] = rb
		nodes[rb] = merged
		delete(nodes, ra)
		root = merged
	}
	return root
}

type lwFunc func(dxk, dyk, dxy float64, sx, sy, sk int) float64

func lanceWilliams(method string) (lwFunc, error) {
	switch method {
	case Ward, "":
		return func(dxk, dyk, dxy float64, sx, sy, sk int) float64 {
			fx, fy, fk := float64(sx), float64(sy), float64(sk)
			t := fx + fy + fk
			v := ((fx+fk)*dxk*dxk + (fy+fk)*dyk*dyk - fk*dxy*dxy) / t
			return math.Sqrt(math.Max(v, 0))
		}, nil
	case Average:
		return func(dxk, dyk, _ float64, sx, sy, _ int) float64 {
			return (float64(sx)*dxk + float64(sy)*dyk) / float64(sx+sy)
		}, nil
	case Complete:
		return func(dxk, dyk, _ float64, _, _, _ int) float64 { return math.Max(dxk, dyk) }, nil
	case Single:
		return func(dxk, dyk, _ float64, _, _, _ int) float64 { return math.Min(dxk, dyk) }, nil
	default:
		return nil, fmt.Errorf("unknown linkage method: %s", method)
	}
}
