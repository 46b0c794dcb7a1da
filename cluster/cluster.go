// Package cluster groups code texts by embedding similarity using
// hierarchical clustering with a size-aware dendrogram cut.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/brunobiangulo/qualcode/embedding"
)

// Outlier is the cluster id of items that must not be merged.
const Outlier = -1

var (
	// ErrBadThreshold is returned when a threshold is not a number or the
	// minimum exceeds the maximum.
	ErrBadThreshold = errors.New("cluster: invalid threshold")

	// ErrEmbeddingMismatch is returned when the embedder returns a different
	// number of vectors than texts.
	ErrEmbeddingMismatch = errors.New("cluster: embedding count mismatch")
)

// Member is one item of a cluster: its index in the request and how strongly
// it belongs.
type Member struct {
	ID          int     `json:"id"`
	Probability float64 `json:"probability"`
}

// Result maps a cluster id to its members. Outlier holds unclustered items.
type Result map[int][]Member

// IDs returns the cluster ids in ascending order, Outlier first if present.
func (r Result) IDs() []int {
	ids := make([]int, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Request describes one clustering call. Thresholds are kept as strings and
// parsed by the clusterer.
type Request struct {
	Texts []string
	// Examples holds the example quotes per text for the size penalty. Optional.
	Examples     [][]string
	Purpose      string
	Metric       string
	Linkage      string
	MaxThreshold string
	MinThreshold string
}

// Clusterer partitions texts into clusters.
type Clusterer interface {
	Cluster(ctx context.Context, req Request) (Result, error)
}

// Hierarchical embeds texts and clusters them with agglomerative linkage.
type Hierarchical struct {
	embedder embedding.Embedder
}

// NewHierarchical returns a Clusterer that embeds through e.
func NewHierarchical(e embedding.Embedder) *Hierarchical {
	return &Hierarchical{embedder: e}
}

// Cluster implements Clusterer.
func (h *Hierarchical) Cluster(ctx context.Context, req Request) (Result, error) {
	params, err := ParseThresholds(req.MaxThreshold, req.MinThreshold)
	if err != nil {
		return nil, err
	}
	switch len(req.Texts) {
	case 0:
		return Result{}, nil
	case 1:
		return Result{Outlier: {{ID: 0, Probability: 1}}}, nil
	}

	vectors, err := h.embedder.Embed(ctx, req.Purpose, req.Texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(req.Texts), err)
	}
	if len(vectors) != len(req.Texts) {
		return nil, fmt.Errorf("%w: %d vectors for %d texts", ErrEmbeddingMismatch, len(vectors), len(req.Texts))
	}

	dist, err := embedding.DistanceMatrix(vectors, req.Metric)
	if err != nil {
		return nil, err
	}
	root, err := Dendrogram(dist, req.Linkage)
	if err != nil {
		return nil, err
	}
	result := Cut(root, req.Examples, params)

	slog.Debug("cluster: partitioned",
		"purpose", req.Purpose,
		"items", len(req.Texts),
		"clusters", len(result)-boolToInt(result[Outlier] != nil),
		"outliers", len(result[Outlier]),
		"max", params.MaxDistance,
		"min", params.MinDistance,
	)
	return result, nil
}

// ParseThresholds converts the string thresholds of a Request.
func ParseThresholds(maxThreshold, minThreshold string) (CutParams, error) {
	maxDist, err := strconv.ParseFloat(maxThreshold, 64)
	if err != nil {
		return CutParams{}, fmt.Errorf("%w: maximum %q", ErrBadThreshold, maxThreshold)
	}
	minDist, err := strconv.ParseFloat(minThreshold, 64)
	if err != nil {
		return CutParams{}, fmt.Errorf("%w: minimum %q", ErrBadThreshold, minThreshold)
	}
	if minDist > maxDist {
		return CutParams{}, fmt.Errorf("%w: minimum %v above maximum %v", ErrBadThreshold, minDist, maxDist)
	}
	return CutParams{MaxDistance: maxDist, MinDistance: minDist}, nil
}

// FormatThreshold renders a threshold for a Request.
func FormatThreshold(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
