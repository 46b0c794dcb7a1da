// Package eval scores codebooks against the semantic graph built over them
// and a reference codebook.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brunobiangulo/qualcode/graph"
)

var tracer = otel.Tracer("qualcode.eval")

// Result holds the metrics of one codebook.
type Result struct {
	// Coverage is the share of the graph's total weight the codebook covers.
	Coverage float64 `json:"coverage"`
	// Density is consolidated codes per unit of soft coverage.
	Density float64 `json:"density"`
	// Overlap is how much of the codebook's coverage other codebooks share.
	Overlap float64 `json:"overlap"`
	// Novelty is the codebook's share of the graph's novelty.
	Novelty float64 `json:"novelty"`
	// Divergence is KL(observed || node weights).
	Divergence float64 `json:"divergence"`
	// Count is the number of live codes in the codebook.
	Count int `json:"count"`
	// Consolidated is the number of graph nodes the codebook owns exactly.
	Consolidated int `json:"consolidated"`
}

// ClusterResult is a codebook's coverage within one component.
type ClusterResult struct {
	Component      int     `json:"component"`
	Representative string  `json:"representative"`
	Coverage       float64 `json:"coverage"`
	// Deviation is (Coverage - overall) / overall.
	Deviation float64 `json:"deviation"`
}

// Evaluate scores every non-reference codebook of ds against g, which must
// have been built from ds. Results are keyed by codebook name.
func Evaluate(ctx context.Context, g *graph.Graph, ds graph.Dataset) (map[string]Result, error) {
	_, span := tracer.Start(ctx, "eval.Evaluate",
		trace.WithAttributes(
			attribute.Int("eval.nodes", len(g.Nodes)),
			attribute.Int("eval.codebooks", len(ds.Codebooks)),
		),
	)
	defer span.End()

	if len(g.Nodes) != len(ds.Codes) {
		err := fmt.Errorf("eval: graph has %d nodes for %d codes", len(g.Nodes), len(ds.Codes))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	external := ds.ExternalWeights()
	baseline := make([]float64, len(g.Nodes))
	totalWeight, totalNovelty := 0.0, 0.0
	for j, node := range g.Nodes {
		baseline[j] = node.TotalWeight
		totalWeight += node.TotalWeight
		totalNovelty += node.TotalWeight * node.Novelty
	}

	results := make(map[string]Result, len(ds.Codebooks))
	for i := 1; i < len(ds.Codebooks); i++ {
		var coverage, density, overlap, novelty, contributions float64
		observed := make([]float64, len(g.Nodes))
		consolidated := 0

		for j, node := range g.Nodes {
			obs := 0.0
			if i < len(node.Weights) {
				obs = node.Weights[i]
			}
			observed[j] = obs
			nodeWeight := node.TotalWeight

			density += obs
			coverage += nodeWeight * obs
			novelty += nodeWeight * obs * node.Novelty

			contribution := obs * external[i]
			contributions += contribution
			overlap += (nodeWeight - contribution) * obs

			if slices.Contains(node.Owners, i) {
				consolidated++
			}
		}

		divergence, err := KLDivergence(observed, baseline)
		if err != nil {
			err = fmt.Errorf("codebook %s: %w", ds.Name(i), err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		r := Result{
			Coverage:     clamp(ratio(coverage, totalWeight)),
			Density:      ratio(float64(consolidated), density),
			Overlap:      ratio(overlap, totalWeight-contributions),
			Novelty:      ratio(novelty, totalNovelty),
			Divergence:   divergence,
			Count:        ds.Codebooks[i].Len(),
			Consolidated: consolidated,
		}
		results[ds.Name(i)] = r
		slog.Info("eval: codebook scored",
			"codebook", ds.Name(i), "coverage", r.Coverage, "overlap", r.Overlap,
			"density", r.Density, "novelty", r.Novelty, "divergence", r.Divergence)
	}
	return results, nil
}

// EvaluateClusters computes each codebook's coverage inside every component
// and its relative deviation from the codebook's overall coverage.
func EvaluateClusters(g *graph.Graph, ds graph.Dataset, overall map[string]Result) map[string][]ClusterResult {
	out := make(map[string][]ClusterResult, len(ds.Codebooks))
	for i := 1; i < len(ds.Codebooks); i++ {
		name := ds.Name(i)
		base := overall[name].Coverage
		rows := make([]ClusterResult, 0, len(g.Components))
		for _, comp := range g.Components {
			covered, total := 0.0, 0.0
			for _, id := range comp.Nodes {
				node := g.Nodes[id]
				total += node.TotalWeight
				if i < len(node.Weights) {
					covered += node.TotalWeight * node.Weights[i]
				}
			}
			coverage := ratio(covered, total)
			rows = append(rows, ClusterResult{
				Component:      comp.ID,
				Representative: g.Nodes[comp.Representative].Code.Label,
				Coverage:       coverage,
				Deviation:      ratio(coverage-base, base),
			})
		}
		out[name] = rows
	}
	return out
}

// FormatReport renders results, and optionally per-cluster results, as a
// text table sorted by codebook name.
func FormatReport(results map[string]Result, clusters map[string][]ClusterResult) string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	width := len("Codebook")
	for _, name := range names {
		width = max(width, len(name))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== Codebook Evaluation: %d codebooks ===\n", len(names))
	fmt.Fprintf(&b, "%-*s  %8s  %8s  %8s  %8s  %10s  %6s  %12s\n",
		width, "Codebook", "Coverage", "Overlap", "Density", "Novelty", "Divergence", "Count", "Consolidated")
	for _, name := range names {
		r := results[name]
		fmt.Fprintf(&b, "%-*s  %8.3f  %8.3f  %8.3f  %8.3f  %10.3f  %6d  %12d\n",
			width, name, r.Coverage, r.Overlap, r.Density, r.Novelty, r.Divergence, r.Count, r.Consolidated)
	}

	if len(clusters) > 0 {
		fmt.Fprintf(&b, "\nPer-Cluster Coverage:\n")
		for _, name := range names {
			rows := clusters[name]
			if len(rows) == 0 {
				continue
			}
			fmt.Fprintf(&b, "  [%s]\n", name)
			for _, row := range rows {
				fmt.Fprintf(&b, "    #%-3d %-30s coverage=%.3f deviation=%+.1f%%\n",
					row.Component, truncate(row.Representative, 30), row.Coverage, row.Deviation*100)
			}
		}
	}
	return b.String()
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
