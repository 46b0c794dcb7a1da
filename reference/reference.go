// Package reference builds a consolidated reference codebook out of several
// codebooks coded over the same (or comparable) data.
package reference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/brunobiangulo/qualcode/cluster"
	"github.com/brunobiangulo/qualcode/codebook"
	"github.com/brunobiangulo/qualcode/consolidate"
)

// ErrCodesLost is returned in strict mode when a label known before the run
// no longer appears anywhere in the codebook.
var ErrCodesLost = errors.New("reference: codes lost during consolidation")

// Options configures a reference build.
type Options struct {
	Clusterer cluster.Clusterer
	Requester consolidate.Requester

	// Refining adds two LLM-judged merge passes after the simple merge.
	Refining bool
	// SameData reports whether all codebooks were coded over the same data.
	// When false the refine thresholds are tightened so larger datasets do
	// not dominate the reference.
	SameData bool
	// Strict turns sanity-check losses into ErrCodesLost.
	Strict bool

	// SimpleMaximum and SimpleMinimum are the simple merger's cut heights.
	SimpleMaximum float64
	SimpleMinimum float64

	Question string
	Seed     uint64
	Driver   []consolidate.Option
}

func (o Options) withDefaults() Options {
	if o.SimpleMaximum == 0 {
		o.SimpleMaximum = 0.35
	}
	if o.SimpleMinimum == 0 {
		o.SimpleMinimum = o.SimpleMaximum
	}
	return o
}

// refineBand is one RefineMerger pass.
type refineBand struct {
	maximum, minimum float64
}

func refineBands(sameData bool) []refineBand {
	bands := []refineBand{{0.5, 0.4}, {0.6, 0.4}}
	if !sameData {
		for i := range bands {
			bands[i].maximum -= 0.05
		}
	}
	return bands
}

// BuildReference merges codebooks into one reference codebook. A single
// codebook is returned unchanged.
func BuildReference(ctx context.Context, codebooks []codebook.Codebook, opts Options) (codebook.Codebook, error) {
	switch len(codebooks) {
	case 0:
		return nil, errors.New("reference: no codebooks")
	case 1:
		return codebooks[0], nil
	}
	merged := codebook.MergeCodebooks(codebooks, false)
	slog.Info("reference: codebooks merged", "codebooks", len(codebooks), "codes", merged.Len())
	return RefineCodebook(ctx, merged, opts)
}

// RefineCodebook consolidates cb with SimpleMerger then DefinitionGenerator,
// plus two RefineMerger passes when opts.Refining is set. cb is updated in
// place and the consolidated codebook returned.
func RefineCodebook(ctx context.Context, cb codebook.Codebook, opts Options) (codebook.Codebook, error) {
	if opts.Clusterer == nil {
		return nil, errors.New("reference: clusterer is required")
	}
	if opts.Requester == nil {
		return nil, errors.New("reference: requester is required")
	}
	opts = opts.withDefaults()

	definitions := consolidate.NewDefinitionGenerator()
	definitions.Question = opts.Question
	stages := []consolidate.Consolidator{
		consolidate.NewSimpleMerger(opts.Clusterer, opts.SimpleMaximum, opts.SimpleMinimum, true),
		definitions,
	}
	if opts.Refining {
		for _, band := range refineBands(opts.SameData) {
			refine := consolidate.NewRefineMerger(opts.Clusterer, band.maximum, band.minimum)
			refine.Question = opts.Question
			stages = append(stages, refine)
		}
	}

	known := cb.Labels()
	analysis := &codebook.CodedThreads{Codebook: cb}
	hook := func(iteration int, current codebook.Codebook) error {
		lost := SanityCheck(known, current)
		if len(lost) == 0 {
			return nil
		}
		for _, label := range lost {
			slog.Error("reference: code lost", "label", label, "iteration", iteration)
		}
		if opts.Strict {
			return fmt.Errorf("%w: %s", ErrCodesLost, strings.Join(lost, ", "))
		}
		return nil
	}

	driverOpts := append([]consolidate.Option{consolidate.WithIterationHook(hook)}, opts.Driver...)
	driver := consolidate.NewDriver(opts.Requester, driverOpts...)
	pipeline := consolidate.NewPipeline(rand.New(rand.NewPCG(opts.Seed, opts.Seed)), stages...)
	if err := driver.Run(ctx, analysis, pipeline); err != nil {
		return nil, fmt.Errorf("refining codebook: %w", err)
	}

	slog.Info("reference: built", "codes", analysis.Codebook.Len(), "refining", opts.Refining)
	return analysis.Codebook, nil
}

// SanityCheck returns, sorted, every label in known that is neither a live
// label nor an alternative in cb.
func SanityCheck(known map[string]struct{}, cb codebook.Codebook) []string {
	present := cb.Labels()
	var lost []string
	for label := range known {
		if _, ok := present[label]; !ok {
			lost = append(lost, label)
		}
	}
	sort.Strings(lost)
	return lost
}
