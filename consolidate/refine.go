package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/brunobiangulo/qualcode/cluster"
	"github.com/brunobiangulo/qualcode/codebook"
)

// RefineMerger lets the LLM judge merges among codes that cluster together
// by label and definition. Each cluster is sent as one chunk; codes the model
// gives the same label are merged.
type RefineMerger struct {
	Base
	Clusterer     cluster.Clusterer
	Maximum       float64
	Minimum       float64
	UseDefinition bool
	Examples      int
	Question      string

	// bounds holds the end offset of every cluster in the preprocessed list.
	bounds []int
	total  int
}

// NewRefineMerger returns a refine stage cutting between maximum and minimum.
func NewRefineMerger(c cluster.Clusterer, maximum, minimum float64) *RefineMerger {
	return &RefineMerger{
		Base:          Base{Chunked: true, Temp: 0.5},
		Clusterer:     c,
		Maximum:       maximum,
		Minimum:       minimum,
		UseDefinition: true,
		Examples:      2,
	}
}

func (r *RefineMerger) Name() string { return "refine-merger" }

// Preprocess clusters the codes and returns the members of every cluster
// with at least two codes, cluster by cluster.
func (r *RefineMerger) Preprocess(ctx context.Context, _ codebook.Codebook, codes []*codebook.Code) ([]*codebook.Code, codebook.Codebook, error) {
	r.bounds, r.total = nil, 0
	if len(codes) < 2 {
		r.SetStopping(true)
		return nil, nil, nil
	}

	res, err := r.Clusterer.Cluster(ctx, clusterRequest(codes, r.UseDefinition, r.Maximum, r.Minimum))
	if err != nil {
		return nil, nil, fmt.Errorf("clustering codes: %w", err)
	}

	var out []*codebook.Code
	for _, id := range res.IDs() {
		if id == cluster.Outlier {
			continue
		}
		members := make([]*codebook.Code, 0, len(res[id]))
		for _, m := range res[id] {
			if m.ID >= 0 && m.ID < len(codes) && !codes[m.ID].IsMerged() {
				members = append(members, codes[m.ID])
			}
		}
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].Label < members[j].Label })
		out = append(out, members...)
		r.bounds = append(r.bounds, len(out))
	}
	r.total = len(out)
	r.SetStopping(len(r.bounds) == 0)

	slog.Info("consolidate: refine candidates",
		"clusters", len(r.bounds), "codes", r.total, "max", r.Maximum, "min", r.Minimum)
	return out, nil, nil
}

// ChunkSize returns the rest of the cluster the cursor is in.
func (r *RefineMerger) ChunkSize(_, remaining, _ int) int {
	offset := r.total - remaining
	for _, end := range r.bounds {
		if offset < end {
			return end - offset
		}
	}
	return remaining
}

func (r *RefineMerger) BuildPrompts(_ context.Context, _ codebook.Codebook, codes []*codebook.Code) (Prompt, codebook.Codebook, error) {
	if len(codes) < 2 {
		return Prompt{}, nil, nil
	}
	return Prompt{
		System: fmt.Sprintf(refineSystemPrompt, researchContext(r.Question)),
		User:   formatCodes(codes, true, r.Examples),
	}, nil, nil
}

func (r *RefineMerger) ParseResponse(_ context.Context, cb codebook.Codebook, codes []*codebook.Code, lines []string) (int, codebook.Codebook, error) {
	if len(lines) == 0 {
		// Skipped chunk: a lone survivor of a cluster.
		return len(codes), nil, nil
	}
	newCodes, err := alignAnswers(ParseAnswers(lines), len(codes))
	if err != nil {
		return 0, nil, err
	}
	return len(newCodes), UpdateCodes(cb, newCodes, codes), nil
}
