package codebook

import (
	"log/slog"
	"slices"
)

// MergeCodes folds child into parent. Parent gains child's label as an
// alternative plus the union of both codes' alternatives, definitions,
// categories, examples and owners; child becomes a tombstone.
//
// Merging a tombstone, merging into a tombstone and merging a code into
// itself are no-ops.
func MergeCodes(parent, child *Code) *Code {
	if parent == nil || child == nil || parent == child {
		return parent
	}
	if parent.IsMerged() || child.IsMerged() {
		slog.Debug("codebook: skipping merge of tombstone",
			"parent", parent.Label, "child", child.Label)
		return parent
	}

	alternatives := union(parent.Alternatives, child.Alternatives)
	alternatives = union(alternatives, []string{child.Label})
	parent.Alternatives = slices.DeleteFunc(alternatives, func(a string) bool { return a == parent.Label })

	parent.Definitions = union(parent.Definitions, child.Definitions)
	parent.Categories = union(parent.Categories, child.Categories)
	parent.Examples = union(parent.Examples, child.Examples)
	if parent.Owners != nil || child.Owners != nil {
		parent.Owners = unionOwners(parent.Owners, child.Owners)
	}

	child.mergedInto = parent.Label
	child.Alternatives = nil
	return parent
}

// MergeCodebooks merges codebooks by label. Without a reference, codes with
// the same label are merged into the first one seen and codes without
// examples are dropped. With a reference, codebooks[0] is canonical: labels in
// the other codebooks that match one of the reference's alternatives are
// rewritten to the canonical label, their own alternatives are discarded, and
// every result code lists the indices of the codebooks that contributed to it.
//
// The input codebooks are not modified.
func MergeCodebooks(codebooks []Codebook, withReference bool) Codebook {
	out := make(Codebook)
	if withReference {
		return mergeWithReference(codebooks, out)
	}
	for _, cb := range codebooks {
		for _, code := range cb.Live() {
			if len(code.Examples) == 0 {
				continue
			}
			if existing, ok := out[code.Label]; ok {
				MergeCodes(existing, code.Clone())
				continue
			}
			out[code.Label] = code.Clone()
		}
	}
	return out
}

func mergeWithReference(codebooks []Codebook, out Codebook) Codebook {
	if len(codebooks) == 0 {
		return out
	}
	aliases := make(map[string]string)
	for _, code := range codebooks[0].Live() {
		for _, alt := range code.Alternatives {
			aliases[alt] = code.Label
		}
	}

	for i, cb := range codebooks {
		for _, code := range cb.Live() {
			clone := code.Clone()
			clone.Owners = []int{i}
			if i > 0 {
				clone.Alternatives = nil
				if canonical, ok := aliases[clone.Label]; ok {
					clone.Label = canonical
				}
			}
			if existing, ok := out[clone.Label]; ok {
				MergeCodes(existing, clone)
				continue
			}
			out[clone.Label] = clone
		}
	}
	for _, code := range out {
		slices.Sort(code.Owners)
	}
	return out
}

// MergeThreads rolls per-thread codebooks into one. The first label text seen
// is canonical and array fields are merged as set unions.
func MergeThreads(analyses []Codebook) Codebook {
	out := make(Codebook)
	for _, analysis := range analyses {
		for _, code := range analysis.Live() {
			existing, ok := out[code.Label]
			if !ok {
				out[code.Label] = code.Clone()
				continue
			}
			existing.Examples = union(existing.Examples, code.Examples)
			existing.Definitions = union(existing.Definitions, code.Definitions)
			existing.Categories = union(existing.Categories, code.Categories)
			existing.Alternatives = slices.DeleteFunc(union(existing.Alternatives, code.Alternatives),
				func(a string) bool { return a == existing.Label })
		}
	}
	return out
}

// union appends the items of b missing from a, preserving first-seen order
// and dropping duplicates and empty strings.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func unionOwners(a, b []int) []int {
	out := slices.Clone(a)
	for _, o := range b {
		if !slices.Contains(out, o) {
			out = append(out, o)
		}
	}
	slices.Sort(out)
	return out
}
