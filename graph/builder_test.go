package graph

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/qualcode/codebook"
)

func newCodes(labels ...string) []*codebook.Code {
	out := make([]*codebook.Code, len(labels))
	for i, l := range labels {
		out[i] = &codebook.Code{Label: l, Examples: []string{l}}
	}
	return out
}

func linkBetween(g *Graph, a, b int) *Link {
	for _, l := range g.Links {
		if l.Source == min(a, b) && l.Target == max(a, b) {
			return l
		}
	}
	return nil
}

func degrees(g *Graph) []int {
	out := make([]int, len(g.Nodes))
	for _, l := range g.Links {
		out[l.Source]++
		out[l.Target]++
	}
	return out
}

func TestBuildDelayScenario(t *testing.T) {
	ds := Dataset{
		Codes: newCodes("delay", "postpone", "cancel"),
		Distances: [][]float64{
			{0, 0.1, 0.8},
			{0.1, 0, 0.75},
			{0.8, 0.75, 0},
		},
	}
	p := DefaultParams()
	p.ClosestNeighbors = 1
	p.LinkMinDist = 0.3
	p.LinkMaxDist = 0.9

	g, err := Build(context.Background(), ds, p)
	require.NoError(t, err)

	require.NotNil(t, linkBetween(g, 0, 1))
	assert.InDelta(t, 1.0, linkBetween(g, 0, 1).Weight, 1e-9)
	forced := linkBetween(g, 1, 2)
	require.NotNil(t, forced, "cancel keeps a link to its nearest code")
	assert.Nil(t, linkBetween(g, 0, 2))
	assert.Len(t, g.Links, 2)

	assert.Equal(t, 1, g.Nodes[0].Neighbors)
	assert.Equal(t, 1, g.Nodes[1].Neighbors)
	assert.Equal(t, 0, g.Nodes[2].Neighbors)
}

func TestBuildKeepsClosestNeighbors(t *testing.T) {
	n := 5
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		for j := range dist[i] {
			if i != j {
				dist[i][j] = 0.95
			}
		}
	}
	ds := Dataset{Codes: newCodes("a", "b", "c", "d", "e"), Distances: dist}

	p := DefaultParams()
	p.ClosestNeighbors = 3
	p.LinkMinDist = 0.3
	p.LinkMaxDist = 1.0
	g, err := Build(context.Background(), ds, p)
	require.NoError(t, err)
	for i, d := range degrees(g) {
		assert.GreaterOrEqual(t, d, 3, "node %d", i)
	}

	p.LinkMaxDist = 0.9
	g, err = Build(context.Background(), ds, p)
	require.NoError(t, err)
	assert.Empty(t, g.Links)
}

func TestBuildClosestNeighborsCappedByNodeCount(t *testing.T) {
	ds := Dataset{
		Codes:     newCodes("a", "b"),
		Distances: [][]float64{{0, 0.5}, {0.5, 0}},
	}
	p := DefaultParams()
	p.ClosestNeighbors = 3
	g, err := Build(context.Background(), ds, p)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, degrees(g))
}

func TestBuildOwnershipWeights(t *testing.T) {
	reference := codebook.New(&codebook.Code{Label: "delay", Examples: []string{"r"}})
	first := codebook.New(
		&codebook.Code{Label: "delay", Examples: []string{"a"}},
		&codebook.Code{Label: "cancel", Examples: []string{"b"}},
	)
	second := codebook.New(&codebook.Code{Label: "postpone", Examples: []string{"c"}})

	ds := NewDataset(reference, []codebook.Codebook{first, second}, []string{"ref", "first", "second"}, nil)
	require.Len(t, ds.Codes, 3)
	assert.Equal(t, []string{"cancel", "delay", "postpone"}, ds.Texts(false))
	// cancel, delay, postpone
	ds.Distances = [][]float64{
		{0, 0.8, 0.75},
		{0.8, 0, 0.1},
		{0.75, 0.1, 0},
	}
	p := DefaultParams()
	p.ClosestNeighbors = 1
	p.LinkMinDist = 0.3
	p.LinkMaxDist = 0.9

	g, err := Build(context.Background(), ds, p)
	require.NoError(t, err)
	cancel, delay, postpone := g.Nodes[0], g.Nodes[1], g.Nodes[2]

	assert.Equal(t, []int{0, 1}, delay.Owners)
	assert.Equal(t, []int{0, 1, 2}, delay.NearOwners)
	assert.Equal(t, []float64{1, 1, 1}, delay.Weights)
	assert.InDelta(t, 2, delay.TotalWeight, 1e-9)
	assert.Equal(t, 1, delay.SoleOwner)
	assert.InDelta(t, 0.5, delay.Novelty, 1e-9)

	assert.Equal(t, []int{0, 1, 2}, postpone.NearOwners)
	assert.Equal(t, 2, postpone.SoleOwner)
	assert.InDelta(t, 2, postpone.TotalWeight, 1e-9)

	assert.Equal(t, []int{1}, cancel.NearOwners)
	assert.Zero(t, cancel.Neighbors)
	assert.Equal(t, []float64{0, 0, 0}, cancel.Weights)
	assert.Zero(t, cancel.TotalWeight)
	assert.Equal(t, 1, cancel.SoleOwner)
	assert.InDelta(t, 1, cancel.Novelty, 1e-9)
}

func TestBuildIsolatedNodeHasNoWeight(t *testing.T) {
	// "lone" only has its forced nearest link, which is longer than
	// LinkMinDist, so it never counts a neighbour.
	ds := Dataset{
		Codes: []*codebook.Code{
			{Label: "a", Owners: []int{1}},
			{Label: "b", Owners: []int{1, 2}},
			{Label: "lone", Owners: []int{1, 2}},
		},
		Codebooks: make([]codebook.Codebook, 3),
		Distances: [][]float64{
			{0, 0.1, 0.7},
			{0.1, 0, 0.6},
			{0.7, 0.6, 0},
		},
	}
	p := DefaultParams()
	p.ClosestNeighbors = 1
	p.LinkMinDist = 0.3
	p.LinkMaxDist = 0.9

	g, err := Build(context.Background(), ds, p)
	require.NoError(t, err)
	require.NotNil(t, linkBetween(g, 1, 2))

	lone := g.Nodes[2]
	assert.Zero(t, lone.Neighbors)
	assert.Equal(t, []float64{0, 0, 0}, lone.Weights)
	assert.Zero(t, lone.TotalWeight)
	assert.Equal(t, -1, lone.SoleOwner)

	b := g.Nodes[1]
	assert.Equal(t, 1, b.Neighbors)
	assert.Equal(t, []float64{0, 1, 1}, b.Weights)
	assert.InDelta(t, 2, b.TotalWeight, 1e-9)
}

func TestBuildLogDampenedWeights(t *testing.T) {
	// Node 0 has three close neighbours, one owned by codebook 1 and two by
	// codebook 2.
	ds := Dataset{
		Codes: []*codebook.Code{
			{Label: "hub", Owners: []int{0}},
			{Label: "a", Owners: []int{1}},
			{Label: "b", Owners: []int{2}},
			{Label: "c", Owners: []int{2}},
		},
		Codebooks: make([]codebook.Codebook, 3),
		Distances: [][]float64{
			{0, 0.1, 0.1, 0.1},
			{0.1, 0, 2, 2},
			{0.1, 2, 0, 2},
			{0.1, 2, 2, 0},
		},
	}
	p := DefaultParams()
	p.ClosestNeighbors = 0
	p.LinkMinDist = 0.3
	p.LinkMaxDist = 0.9

	g, err := Build(context.Background(), ds, p)
	require.NoError(t, err)
	hub := g.Nodes[0]
	assert.Equal(t, 3, hub.Neighbors)
	assert.InDelta(t, math.Log(2)/math.Log(4), hub.Weights[1], 1e-9)
	assert.InDelta(t, math.Log(3)/math.Log(4), hub.Weights[2], 1e-9)
	assert.Equal(t, -1, hub.SoleOwner)
	assert.Zero(t, hub.Novelty)
}

// twoGroups returns six codes in two tight groups, with a2 and b0 close
// enough for one cross link.
func twoGroups() Dataset {
	labels := []string{"a0", "a1", "a2", "b0", "b1", "b2"}
	cs := newCodes(labels...)
	cs[1].Examples = append(cs[1].Examples, "extra")
	for i, c := range cs {
		if i < 3 {
			c.Owners = []int{0}
		} else {
			c.Owners = []int{1}
		}
	}
	dist := make([][]float64, 6)
	for i := range dist {
		dist[i] = make([]float64, 6)
		for j := range dist[i] {
			switch {
			case i == j:
			case (i < 3) == (j < 3):
				dist[i][j] = 0.1
			default:
				dist[i][j] = 1.5
			}
		}
	}
	dist[2][3], dist[3][2] = 0.8, 0.8
	return Dataset{Codes: cs, Distances: dist, Codebooks: make([]codebook.Codebook, 2)}
}

func TestBuildComponents(t *testing.T) {
	p := DefaultParams()
	p.ClosestNeighbors = 3
	p.LinkMinDist = 0.3
	p.LinkMaxDist = 0.9

	g, err := Build(context.Background(), twoGroups(), p)
	require.NoError(t, err)

	require.Len(t, g.Components, 2)
	b, a := g.Components[0], g.Components[1]
	assert.ElementsMatch(t, []int{3, 4, 5}, b.Nodes)
	assert.ElementsMatch(t, []int{0, 1, 2}, a.Nodes)
	assert.Greater(t, b.TotalWeight, a.TotalWeight)
	assert.Equal(t, 0, b.ID)
	assert.Equal(t, 1, g.Nodes[0].Component)
	assert.Equal(t, 0, g.Nodes[5].Component)

	cross := linkBetween(g, 2, 3)
	require.NotNil(t, cross)
	assert.InDelta(t, cross.Weight*0.15*0.15, cross.VisualizeWeight, 1e-12)
	assert.InDelta(t, 0.8*math.Sqrt(6)*0.5, cross.VisualizeDistance, 1e-12)

	inner := linkBetween(g, 0, 1)
	require.NotNil(t, inner)
	assert.Equal(t, inner.Weight, inner.VisualizeWeight)
	assert.Equal(t, inner.Distance, inner.VisualizeDistance)
}

func TestBuildDropsSmallComponents(t *testing.T) {
	p := DefaultParams()
	p.ClosestNeighbors = 3
	p.LinkMinDist = 0.3
	p.LinkMaxDist = 0.9
	p.MinimumNodes = 4

	g, err := Build(context.Background(), twoGroups(), p)
	require.NoError(t, err)
	assert.Empty(t, g.Components)
	for _, n := range g.Nodes {
		assert.Equal(t, NoComponent, n.Component)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	p := DefaultParams()
	p.ClosestNeighbors = 3
	p.LinkMinDist = 0.3
	p.LinkMaxDist = 0.9
	p.Seed = 42

	first, err := Build(context.Background(), twoGroups(), p)
	require.NoError(t, err)
	second, err := Build(context.Background(), twoGroups(), p)
	require.NoError(t, err)

	require.Len(t, second.Components, len(first.Components))
	for i := range first.Components {
		assert.Equal(t, first.Components[i].Nodes, second.Components[i].Nodes)
		assert.Equal(t, first.Components[i].Representative, second.Components[i].Representative)
	}
}

func TestRankComponentTieBreak(t *testing.T) {
	p := DefaultParams()
	p.ClosestNeighbors = 3
	p.LinkMinDist = 0.3
	p.LinkMaxDist = 0.9

	g, err := Build(context.Background(), twoGroups(), p)
	require.NoError(t, err)

	// The cross link is outside the component subgraph, so a0, a1 and a2
	// rank equally; a1 has the most examples and a0 < a2 by label.
	a := g.Components[1]
	assert.Equal(t, 1, a.Representative)
	assert.Equal(t, []int{1, 0, 2}, a.Nodes)
}

func TestBuildRejectsBadInput(t *testing.T) {
	ds := Dataset{Codes: newCodes("a", "b"), Distances: [][]float64{{0, 1}}}
	_, err := Build(context.Background(), ds, DefaultParams())
	assert.ErrorIs(t, err, ErrBadDistances)

	ds.Distances = [][]float64{{0, 1}, {1}}
	_, err = Build(context.Background(), ds, DefaultParams())
	assert.ErrorIs(t, err, ErrBadDistances)

	ds.Distances = [][]float64{{0, math.NaN()}, {1, 0}}
	_, err = Build(context.Background(), ds, DefaultParams())
	assert.ErrorIs(t, err, ErrBadDistances)

	ds.Distances = [][]float64{{0, 1}, {1, 0}}
	ds.Codes[0].Owners = []int{3}
	_, err = Build(context.Background(), ds, DefaultParams())
	assert.ErrorIs(t, err, ErrBadDistances)

	p := DefaultParams()
	p.LinkMaxDist = p.LinkMinDist
	_, err = Build(context.Background(), Dataset{}, p)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
		ok     bool
	}{
		{"defaults", func(*Params) {}, true},
		{"negative neighbors", func(p *Params) { p.ClosestNeighbors = -1 }, false},
		{"inverted distances", func(p *Params) { p.LinkMinDist, p.LinkMaxDist = 0.9, 0.3 }, false},
		{"zero minimum nodes", func(p *Params) { p.MinimumNodes = 0 }, false},
		{"zero resolution", func(p *Params) { p.Resolution = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			err := p.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidParams)
			}
		})
	}
}

func undirected(n int, edges [][3]float64) [][]edge {
	adj := make([][]edge, n)
	for _, e := range edges {
		a, b := int(e[0]), int(e[1])
		adj[a] = append(adj[a], edge{to: b, weight: e[2]})
		adj[b] = append(adj[b], edge{to: a, weight: e[2]})
	}
	return adj
}

func twoTriangles() [][]edge {
	return undirected(6, [][3]float64{
		{0, 1, 1}, {1, 2, 1}, {0, 2, 1},
		{3, 4, 1}, {4, 5, 1}, {3, 5, 1},
		{2, 3, 0.1},
	})
}

func TestLouvainSplitsTriangles(t *testing.T) {
	for _, resolution := range []float64{1, 1.5} {
		labels := Louvain(twoTriangles(), resolution, rand.New(rand.NewPCG(1, 2)))
		assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, labels, "resolution %v", resolution)
	}
}

func TestLouvainSeedDeterminism(t *testing.T) {
	adj := undirected(8, [][3]float64{
		{0, 1, 1}, {1, 2, 1}, {2, 3, 1}, {3, 4, 1},
		{4, 5, 1}, {5, 6, 1}, {6, 7, 1}, {7, 0, 1},
	})
	a := Louvain(adj, 1.5, rand.New(rand.NewPCG(7, 7)))
	b := Louvain(adj, 1.5, rand.New(rand.NewPCG(7, 7)))
	assert.Equal(t, a, b)
}

func TestLouvainIsolatedNodes(t *testing.T) {
	labels := Louvain(make([][]edge, 3), 1.5, rand.New(rand.NewPCG(0, 0)))
	assert.Equal(t, []int{0, 1, 2}, labels)
	assert.Empty(t, Louvain(nil, 1.5, rand.New(rand.NewPCG(0, 0))))
}

func TestModularity(t *testing.T) {
	adj := twoTriangles()
	split := Modularity(adj, []int{0, 0, 0, 1, 1, 1}, 1)
	whole := Modularity(adj, []int{0, 0, 0, 0, 0, 0}, 1)
	assert.Greater(t, split, whole)
	assert.InDelta(t, 0, whole, 1e-9)
}

func TestPageRank(t *testing.T) {
	star := undirected(4, [][3]float64{{0, 1, 1}, {0, 2, 1}, {0, 3, 1}})
	pr := PageRank(star, 0.85, 100, 1e-9)

	sum := 0.0
	for _, v := range pr {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-6)
	assert.Greater(t, pr[0], pr[1])
	assert.InDelta(t, pr[1], pr[2], 1e-9)
	assert.Nil(t, PageRank(nil, 0.85, 100, 1e-6))
}
