package consolidate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brunobiangulo/qualcode/cluster"
	"github.com/brunobiangulo/qualcode/codebook"
	"github.com/brunobiangulo/qualcode/embedding"
)

// SimpleMerger merges codes whose labels (optionally with definitions) fall
// into the same embedding cluster. It never calls the LLM. When looping it
// repeats until a pass leaves the codebook size unchanged.
type SimpleMerger struct {
	Base
	Clusterer     cluster.Clusterer
	Maximum       float64
	Minimum       float64
	UseDefinition bool
}

// NewSimpleMerger returns a merger cutting the dendrogram between maximum
// and minimum.
func NewSimpleMerger(c cluster.Clusterer, maximum, minimum float64, looping bool) *SimpleMerger {
	return &SimpleMerger{
		Base:      Base{Loop: looping},
		Clusterer: c,
		Maximum:   maximum,
		Minimum:   minimum,
	}
}

func (s *SimpleMerger) Name() string { return "simple-merger" }

func (s *SimpleMerger) Preprocess(ctx context.Context, cb codebook.Codebook, codes []*codebook.Code) ([]*codebook.Code, codebook.Codebook, error) {
	before := cb.Len()
	if len(codes) < 2 {
		s.SetStopping(true)
		return nil, nil, nil
	}

	res, err := s.Clusterer.Cluster(ctx, clusterRequest(codes, s.UseDefinition, s.Maximum, s.Minimum))
	if err != nil {
		return nil, nil, fmt.Errorf("clustering codes: %w", err)
	}
	MergeCodesByCluster(res, codes)

	updated := cb.Rebuild()
	s.SetStopping(updated.Len() == before)
	slog.Info("consolidate: simple merge pass",
		"before", before, "after", updated.Len(), "max", s.Maximum, "min", s.Minimum)
	return nil, updated, nil
}

func clusterRequest(codes []*codebook.Code, withDefinition bool, maximum, minimum float64) cluster.Request {
	req := cluster.Request{
		Texts:        make([]string, len(codes)),
		Examples:     make([][]string, len(codes)),
		Purpose:      "consolidate-labels",
		Metric:       embedding.Euclidean,
		Linkage:      cluster.Ward,
		MaxThreshold: cluster.FormatThreshold(maximum),
		MinThreshold: cluster.FormatThreshold(minimum),
	}
	if withDefinition {
		req.Purpose = "consolidate-definitions"
	}
	for i, c := range codes {
		req.Texts[i] = c.Text(withDefinition)
		req.Examples[i] = c.Examples
	}
	return req
}
