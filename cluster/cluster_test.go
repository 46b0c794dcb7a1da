package cluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineDistances places items on a line at the given positions.
func lineDistances(pos ...float64) [][]float64 {
	out := make([][]float64, len(pos))
	for i := range pos {
		out[i] = make([]float64, len(pos))
		for j := range pos {
			out[i][j] = math.Abs(pos[i] - pos[j])
		}
	}
	return out
}

func TestDendrogramWardHeights(t *testing.T) {
	root, err := Dendrogram(lineDistances(0, 1, 5, 6), Ward)
	require.NoError(t, err)

	assert.Equal(t, 4, root.Size)
	assert.Equal(t, 6, root.ID)
	// Ward height between two pairs is sqrt(2|A||B|/(|A|+|B|)) times the
	// centroid distance.
	assert.InDelta(t, math.Sqrt2*5, root.Height, 1e-9)
	assert.InDelta(t, 1, root.Left.Height, 1e-9)
	assert.InDelta(t, 1, root.Right.Height, 1e-9)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, root.Leaves())
}

func TestDendrogramMethods(t *testing.T) {
	tests := []struct {
		method string
		height float64
	}{
		{Single, 4},
		{Complete, 6},
		{Average, 5},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			root, err := Dendrogram(lineDistances(0, 1, 5, 6), tt.method)
			require.NoError(t, err)
			assert.InDelta(t, tt.height, root.Height, 1e-9)
		})
	}
}

func TestDendrogramRejectsBadInput(t *testing.T) {
	_, err := Dendrogram([][]float64{{0, 1}, {1}}, Ward)
	assert.Error(t, err)
	_, err = Dendrogram(lineDistances(0, 1), "centroid")
	assert.Error(t, err)

	root, err := Dendrogram(nil, Ward)
	require.NoError(t, err)
	assert.Nil(t, root)
}

func TestCutWithoutExamples(t *testing.T) {
	root, err := Dendrogram(lineDistances(0, 1, 5, 6), Ward)
	require.NoError(t, err)

	got := Cut(root, nil, CutParams{MaxDistance: 2, MinDistance: 2})
	assert.Equal(t, Result{
		0: {{ID: 0, Probability: 0}, {ID: 1, Probability: 0}},
		1: {{ID: 2, Probability: 0}, {ID: 3, Probability: 0}},
	}, got)

	got = Cut(root, nil, CutParams{MaxDistance: 0.5, MinDistance: 0.5})
	assert.Len(t, got[Outlier], 4)
	assert.Len(t, got, 1)
}

func TestCutSizePenalty(t *testing.T) {
	root, err := Dendrogram(lineDistances(0, 1, 5, 6), Ward)
	require.NoError(t, err)
	examples := [][]string{{"a", "b"}, {"c", "d"}, {"e", "f"}, {"g", "h"}}

	// Pairs hold 4 examples against an average of 2: clamp 0.5, the cut
	// height drops by 0.5^4.
	loose := Cut(root, examples, CutParams{MaxDistance: 1.2, MinDistance: 0.8})
	assert.Len(t, loose[0], 2)
	assert.Len(t, loose[1], 2)

	tight := Cut(root, examples, CutParams{MaxDistance: 1.05, MinDistance: 0.5})
	assert.Len(t, tight[Outlier], 4)
}

func examplesOf(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

func TestCutPenaltyIsFourthPower(t *testing.T) {
	root := &Node{ID: 2, Height: 0.72, Size: 2, Left: &Node{ID: 0, Size: 1}, Right: &Node{ID: 1, Size: 1}}
	// avg 12, coefficient 24, merged size 24: clamp 0.5 and criteria
	// 0.8 - 0.0625 = 0.7375.
	examples := [][]string{examplesOf("a", 10), examplesOf("b", 14)}

	res := Cut(root, examples, CutParams{MaxDistance: 0.8, MinDistance: 0.4})
	require.Len(t, res[0], 2)
	assert.Empty(t, res[Outlier])
	assert.InDelta(t, 0.28, res[0][0].Probability, 1e-9)

	res = Cut(root, examples, CutParams{MaxDistance: 0.78, MinDistance: 0.4})
	assert.Len(t, res[Outlier], 2)
}

func TestParseThresholds(t *testing.T) {
	p, err := ParseThresholds("0.6", "0.4")
	require.NoError(t, err)
	assert.Equal(t, CutParams{MaxDistance: 0.6, MinDistance: 0.4}, p)

	_, err = ParseThresholds("x", "0.4")
	assert.ErrorIs(t, err, ErrBadThreshold)
	_, err = ParseThresholds("0.3", "0.4")
	assert.ErrorIs(t, err, ErrBadThreshold)

	assert.Equal(t, "0.35", FormatThreshold(0.35))
}

type staticEmbedder map[string][]float32

func (e staticEmbedder) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := e[t]
		if !ok {
			return nil, errors.New("unknown text " + t)
		}
		out[i] = v
	}
	return out, nil
}

func TestHierarchicalCluster(t *testing.T) {
	// delay and postpone are 0.1 apart on the unit sphere, cancel is orthogonal.
	embedder := staticEmbedder{
		"delay":    {1, 0, 0},
		"postpone": {0.995, 0.0998749, 0},
		"cancel":   {0, 0, 1},
	}
	c := NewHierarchical(embedder)

	got, err := c.Cluster(context.Background(), Request{
		Texts:        []string{"delay", "postpone", "cancel"},
		Purpose:      "labels",
		Metric:       "euclidean",
		Linkage:      Ward,
		MaxThreshold: "0.35",
		MinThreshold: "0.35",
	})
	require.NoError(t, err)

	require.Len(t, got[0], 2)
	assert.ElementsMatch(t, []int{0, 1}, []int{got[0][0].ID, got[0][1].ID})
	assert.InDelta(t, 0.9, got[0][0].Probability, 1e-4)
	assert.Equal(t, []Member{{ID: 2, Probability: 1}}, got[Outlier])
	assert.Equal(t, []int{Outlier, 0}, got.IDs())
}

func TestHierarchicalClusterSmallInputs(t *testing.T) {
	c := NewHierarchical(staticEmbedder{})

	got, err := c.Cluster(context.Background(), Request{MaxThreshold: "1", MinThreshold: "0"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.Cluster(context.Background(), Request{Texts: []string{"x"}, MaxThreshold: "1", MinThreshold: "0"})
	require.NoError(t, err)
	assert.Equal(t, Result{Outlier: {{ID: 0, Probability: 1}}}, got)
}
