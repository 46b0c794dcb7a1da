// Package graph builds the semantic proximity graph over the merged codes of
// several codebooks: links between close codes, per-codebook soft coverage,
// novelty, and communities ranked by centrality.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brunobiangulo/qualcode/codebook"
)

var tracer = otel.Tracer("qualcode.graph")

var (
	// ErrBadDistances is returned when the distance matrix does not match the
	// dataset's codes.
	ErrBadDistances = errors.New("graph: malformed distance matrix")

	// ErrInvalidParams is returned by Params.Validate.
	ErrInvalidParams = errors.New("graph: invalid parameters")
)

// NoComponent marks a node outside every component.
const NoComponent = -1

// Node is a code in the graph with its derived coverage fields.
type Node struct {
	ID   int            `json:"id"`
	Code *codebook.Code `json:"code"`
	// Owners are the codebooks containing this exact code.
	Owners []int `json:"owners"`
	// NearOwners are Owners plus codebooks owning a close neighbour.
	NearOwners []int `json:"nearOwners"`
	// Weights is the soft coverage of this node by each codebook.
	Weights     []float64 `json:"weights"`
	TotalWeight float64   `json:"totalWeight"`
	Novelty     float64   `json:"novelty"`
	// SoleOwner is the only real owner of the node, or -1.
	SoleOwner int `json:"soleOwner"`
	// Neighbors counts links within the hard link threshold.
	Neighbors int `json:"neighbors"`
	Component int `json:"component"`
}

// Link connects two nodes. Source is always the smaller id.
type Link struct {
	Source            int     `json:"source"`
	Target            int     `json:"target"`
	Distance          float64 `json:"distance"`
	Weight            float64 `json:"weight"`
	VisualizeWeight   float64 `json:"visualizeWeight"`
	VisualizeDistance float64 `json:"visualizeDistance"`
}

// Component is a detected community of nodes.
type Component struct {
	ID             int     `json:"id"`
	Nodes          []int   `json:"nodes"`
	Representative int     `json:"representative"`
	TotalWeight    float64 `json:"totalWeight"`
}

// Graph is the result of Build.
type Graph struct {
	Nodes      []*Node      `json:"nodes"`
	Links      []*Link      `json:"links"`
	Components []*Component `json:"components"`
}

// Params controls linking and community detection.
type Params struct {
	// ClosestNeighbors is how many nearest codes every code links to
	// regardless of distance.
	ClosestNeighbors int `json:"closestNeighbors" yaml:"closest_neighbors" validate:"gte=0"`
	// LinkMinDist links every pair at or below it and marks the link as a
	// proximity link for coverage.
	LinkMinDist float64 `json:"linkMinDist" yaml:"link_min_dist" validate:"gte=0"`
	// LinkMaxDist drops every candidate link above it.
	LinkMaxDist float64 `json:"linkMaxDist" yaml:"link_max_dist" validate:"gtfield=LinkMinDist"`
	// MinimumNodes is the smallest component kept.
	MinimumNodes int     `json:"minimumNodes" yaml:"minimum_nodes" validate:"gte=1"`
	Resolution   float64 `json:"resolution" yaml:"resolution" validate:"gt=0"`
	Seed         uint64  `json:"seed" yaml:"seed"`
}

// DefaultParams returns the parameters used by the evaluator.
func DefaultParams() Params {
	return Params{
		ClosestNeighbors: 3,
		LinkMinDist:      0.6,
		LinkMaxDist:      0.9,
		MinimumNodes:     3,
		Resolution:       1.5,
	}
}

// Validate reports parameters that cannot produce a graph.
func (p Params) Validate() error {
	switch {
	case p.ClosestNeighbors < 0:
		return fmt.Errorf("%w: closest neighbors %d", ErrInvalidParams, p.ClosestNeighbors)
	case p.LinkMinDist < 0 || p.LinkMaxDist <= p.LinkMinDist:
		return fmt.Errorf("%w: link distances %.3f-%.3f", ErrInvalidParams, p.LinkMinDist, p.LinkMaxDist)
	case p.MinimumNodes < 1:
		return fmt.Errorf("%w: minimum nodes %d", ErrInvalidParams, p.MinimumNodes)
	case p.Resolution <= 0:
		return fmt.Errorf("%w: resolution %.3f", ErrInvalidParams, p.Resolution)
	}
	return nil
}

// Build links the dataset's codes, computes coverage weights and novelty,
// then detects and ranks components.
func Build(ctx context.Context, ds Dataset, p Params) (*Graph, error) {
	ctx, span := tracer.Start(ctx, "graph.Build",
		trace.WithAttributes(
			attribute.Int("graph.codes", len(ds.Codes)),
			attribute.Int("graph.codebooks", len(ds.Codebooks)),
		),
	)
	defer span.End()

	if err := p.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := ds.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	g := &Graph{Nodes: make([]*Node, len(ds.Codes))}
	for i, c := range ds.Codes {
		owners := slices.Clone(c.Owners)
		slices.Sort(owners)
		g.Nodes[i] = &Node{
			ID:         i,
			Code:       c,
			Owners:     owners,
			NearOwners: slices.Clone(owners),
			SoleOwner:  -1,
			Component:  NoComponent,
		}
	}

	g.Links = linkNodes(ds.Distances, p)
	weighNodes(g, ds, p)

	if err := detectComponents(ctx, g, p); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	visualizeLinks(g)

	span.SetAttributes(
		attribute.Int("graph.links", len(g.Links)),
		attribute.Int("graph.components", len(g.Components)),
	)
	slog.Info("graph: built",
		"nodes", len(g.Nodes), "links", len(g.Links), "components", len(g.Components))
	return g, nil
}

// linkNodes links every code to its ClosestNeighbors nearest codes and to
// every code within LinkMinDist, dropping candidates above LinkMaxDist.
func linkNodes(dist [][]float64, p Params) []*Link {
	n := len(dist)
	type pair struct{ a, b int }
	seen := make(map[pair]struct{})
	var links []*Link

	order := make([]int, n)
	for i := 0; i < n; i++ {
		for j := range order {
			order[j] = j
		}
		row := dist[i]
		sort.SliceStable(order, func(a, b int) bool { return row[order[a]] < row[order[b]] })

		nearest := 0
		for _, j := range order {
			if j == i {
				continue
			}
			d := row[j]
			forced := nearest < p.ClosestNeighbors
			nearest++
			if !forced && d > p.LinkMinDist {
				break
			}
			if d > p.LinkMaxDist {
				continue
			}
			key := pair{min(i, j), max(i, j)}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			links = append(links, &Link{Source: key.a, Target: key.b, Distance: d})
		}
	}

	sort.Slice(links, func(a, b int) bool {
		if links[a].Source != links[b].Source {
			return links[a].Source < links[b].Source
		}
		return links[a].Target < links[b].Target
	})
	for _, l := range links {
		l.Weight = linkWeight(l.Distance, p)
	}
	return links
}

// linkWeight is (1 - nd)^2 where nd places d between LinkMinDist and
// LinkMaxDist, clamped to [0, 1].
func linkWeight(d float64, p Params) float64 {
	nd := (d - p.LinkMinDist) / (p.LinkMaxDist - p.LinkMinDist)
	nd = math.Min(math.Max(nd, 0), 1)
	return (1 - nd) * (1 - nd)
}

// weighNodes propagates ownership along proximity links and derives each
// node's per-codebook weights, total weight, sole owner and novelty. A node
// without neighbors weighs 0 for every codebook, its owners included.
func weighNodes(g *Graph, ds Dataset, p Params) {
	codebooks := len(ds.Codebooks)
	external := ds.ExternalWeights()
	counts := make([][]int, len(g.Nodes))
	for i := range counts {
		counts[i] = make([]int, codebooks)
	}

	for _, l := range g.Links {
		if l.Distance > p.LinkMinDist {
			continue
		}
		a, b := g.Nodes[l.Source], g.Nodes[l.Target]
		a.Neighbors++
		b.Neighbors++
		for _, o := range b.Owners {
			counts[a.ID][o]++
			a.NearOwners = addOwner(a.NearOwners, o)
		}
		for _, o := range a.Owners {
			counts[b.ID][o]++
			b.NearOwners = addOwner(b.NearOwners, o)
		}
	}

	for _, node := range g.Nodes {
		node.Weights = make([]float64, codebooks)
		for o := 0; node.Neighbors > 0 && o < codebooks; o++ {
			switch {
			case slices.Contains(node.Owners, o):
				node.Weights[o] = 1
			case counts[node.ID][o] > 0:
				ratio := math.Log(float64(counts[node.ID][o]+1)) / math.Log(float64(node.Neighbors+1))
				node.Weights[o] = math.Min(ratio, 1)
			}
			node.TotalWeight += node.Weights[o] * external[o]
		}

		owned := 0
		for _, o := range node.Owners {
			if external[o] > 0 {
				owned++
				node.SoleOwner = o
			}
		}
		if owned != 1 {
			node.SoleOwner = -1
			continue
		}
		node.Novelty = math.Pow(2, -float64(node.Neighbors))
	}
}

func addOwner(owners []int, o int) []int {
	i, found := slices.BinarySearch(owners, o)
	if found {
		return owners
	}
	return slices.Insert(owners, i, o)
}

// detectComponents partitions the graph with Louvain, drops small
// communities, ranks each survivor's nodes and sorts components by total
// weight.
func detectComponents(ctx context.Context, g *Graph, p Params) error {
	_, span := tracer.Start(ctx, "graph.DetectComponents")
	defer span.End()

	adj := make([][]edge, len(g.Nodes))
	for _, l := range g.Links {
		if l.Weight <= 0 {
			continue
		}
		adj[l.Source] = append(adj[l.Source], edge{to: l.Target, weight: l.Weight})
		adj[l.Target] = append(adj[l.Target], edge{to: l.Source, weight: l.Weight})
	}

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	labels := Louvain(adj, p.Resolution, rng)

	groups := make(map[int][]int)
	var order []int
	for node, label := range labels {
		if _, ok := groups[label]; !ok {
			order = append(order, label)
		}
		groups[label] = append(groups[label], node)
	}

	for _, label := range order {
		members := groups[label]
		if len(members) < p.MinimumNodes {
			continue
		}
		comp := &Component{Nodes: members}
		for _, id := range members {
			comp.TotalWeight += g.Nodes[id].TotalWeight
		}
		comp.Representative = rankComponent(g, adj, comp)
		g.Components = append(g.Components, comp)
	}

	sort.SliceStable(g.Components, func(a, b int) bool {
		return g.Components[a].TotalWeight > g.Components[b].TotalWeight
	})
	for i, comp := range g.Components {
		comp.ID = i
		for _, id := range comp.Nodes {
			g.Nodes[id].Component = i
		}
	}

	span.SetAttributes(
		attribute.Int("graph.communities", len(groups)),
		attribute.Int("graph.components", len(g.Components)),
	)
	return ctx.Err()
}

// rankComponent orders comp.Nodes by centrality and returns the top node.
// Centrality is PageRank over the component subgraph scaled by
// 1 + TotalWeight; ties prefer more examples, then the smaller label.
func rankComponent(g *Graph, adj [][]edge, comp *Component) int {
	local := make(map[int]int, len(comp.Nodes))
	for i, id := range comp.Nodes {
		local[id] = i
	}
	sub := make([][]edge, len(comp.Nodes))
	for i, id := range comp.Nodes {
		for _, e := range adj[id] {
			if j, ok := local[e.to]; ok {
				sub[i] = append(sub[i], edge{to: j, weight: e.weight})
			}
		}
	}
	pr := PageRank(sub, 0.85, 100, 1e-6)

	score := make(map[int]float64, len(comp.Nodes))
	for i, id := range comp.Nodes {
		score[id] = pr[i] * (1 + g.Nodes[id].TotalWeight)
	}
	sort.SliceStable(comp.Nodes, func(a, b int) bool {
		na, nb := g.Nodes[comp.Nodes[a]], g.Nodes[comp.Nodes[b]]
		if sa, sb := score[na.ID], score[nb.ID]; sa != sb {
			return sa > sb
		}
		if ea, eb := len(na.Code.Examples), len(nb.Code.Examples); ea != eb {
			return ea > eb
		}
		return na.Code.Label < nb.Code.Label
	})
	return comp.Nodes[0]
}

// visualizeLinks attenuates links between components so force layouts pull
// components apart.
func visualizeLinks(g *Graph) {
	sizes := make(map[int]int, len(g.Components))
	for _, c := range g.Components {
		sizes[c.ID] = len(c.Nodes)
	}
	size := func(component int) int {
		if component == NoComponent {
			return 1
		}
		return sizes[component]
	}

	for _, l := range g.Links {
		a, b := g.Nodes[l.Source].Component, g.Nodes[l.Target].Component
		l.VisualizeWeight = l.Weight
		l.VisualizeDistance = l.Distance
		if a == b {
			continue
		}
		n := float64(size(a) + size(b))
		l.VisualizeWeight = l.Weight * 0.15 * 0.15
		l.VisualizeDistance = l.Distance * math.Sqrt(n) * 0.5
	}
}
