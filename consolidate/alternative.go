package consolidate

import (
	"context"
	"log/slog"
	"sort"

	"github.com/brunobiangulo/qualcode/codebook"
)

// AlternativeMerger merges codes that claim the same name, either as a label
// or through their alternatives. The code with more examples survives. No
// LLM is involved.
type AlternativeMerger struct {
	Base
}

// NewAlternativeMerger returns an alternative merger.
func NewAlternativeMerger(looping bool) *AlternativeMerger {
	return &AlternativeMerger{Base: Base{Loop: looping}}
}

func (a *AlternativeMerger) Name() string { return "alternative-merger" }

func (a *AlternativeMerger) Preprocess(_ context.Context, cb codebook.Codebook, codes []*codebook.Code) ([]*codebook.Code, codebook.Codebook, error) {
	before := cb.Len()
	ordered := append([]*codebook.Code(nil), codes...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Label < ordered[j].Label })

	claims := make(map[string]*codebook.Code)
	for _, code := range ordered {
		if code.IsMerged() {
			continue
		}
		current := code
		for _, name := range names(code) {
			other, ok := claims[name]
			if !ok || other == current || other.IsMerged() {
				continue
			}
			parent, child := survivor(other, current)
			codebook.MergeCodes(parent, child)
			current = parent
		}
		for _, name := range names(current) {
			claims[name] = current
		}
	}

	updated := cb.Rebuild()
	a.SetStopping(updated.Len() == before)
	slog.Info("consolidate: alternative merge pass", "before", before, "after", updated.Len())
	return nil, updated, nil
}

func names(c *codebook.Code) []string {
	return append([]string{c.Label}, c.Alternatives...)
}

// survivor orders two codes into (parent, child): more examples first, then
// the shorter label, then the alphabetically smaller one.
func survivor(a, b *codebook.Code) (*codebook.Code, *codebook.Code) {
	switch {
	case len(a.Examples) != len(b.Examples):
		if len(a.Examples) > len(b.Examples) {
			return a, b
		}
		return b, a
	case len(a.Label) != len(b.Label):
		if len(a.Label) < len(b.Label) {
			return a, b
		}
		return b, a
	case a.Label <= b.Label:
		return a, b
	default:
		return b, a
	}
}
