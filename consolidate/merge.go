package consolidate

import (
	"sort"
	"unicode/utf8"

	"github.com/brunobiangulo/qualcode/cluster"
	"github.com/brunobiangulo/qualcode/codebook"
)

// MergeCodesByCluster merges every cluster of codes into one representative
// and returns the surviving codes. The representative has the highest
// membership probability; ties go to the shortest name, weighing label
// length five times more than definition length. Outliers are left alone.
//
// OldLabels of the given codes are reset, then filled with the labels each
// representative absorbed in this pass.
func MergeCodesByCluster(clusters cluster.Result, codes []*codebook.Code) codebook.Codebook {
	for _, c := range codes {
		c.OldLabels = nil
	}

	for _, id := range clusters.IDs() {
		if id == cluster.Outlier {
			continue
		}
		type candidate struct {
			code  *codebook.Code
			prob  float64
			score int
		}
		var candidates []candidate
		for _, m := range clusters[id] {
			if m.ID < 0 || m.ID >= len(codes) || codes[m.ID].IsMerged() {
				continue
			}
			code := codes[m.ID]
			candidates = append(candidates, candidate{
				code:  code,
				prob:  m.Probability,
				score: utf8.RuneCountInString(code.Label)*5 + utf8.RuneCountInString(code.Definition()),
			})
		}
		if len(candidates) < 2 {
			continue
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.prob != b.prob {
				return a.prob > b.prob
			}
			if a.score != b.score {
				return a.score < b.score
			}
			return a.code.Label < b.code.Label
		})

		rep := candidates[0].code
		for _, c := range candidates[1:] {
			rep.OldLabels = append(rep.OldLabels, c.code.Label)
			codebook.MergeCodes(rep, c.code)
		}
	}
	return codebook.New(live(codes)...)
}

// UpdateCodes applies LLM answers to codes: newCodes[i] answers codes[i].
// Definitions and categories are always replaced by the answer's, even when
// the answer leaves them empty. A new label that already belongs to another code merges the current code
// into that code; otherwise the code is renamed and keeps its old label as
// an alternative. Processing stops at the first missing answer.
func UpdateCodes(cb codebook.Codebook, newCodes, codes []*codebook.Code) codebook.Codebook {
	for i, code := range codes {
		if i >= len(newCodes) || newCodes[i] == nil {
			break
		}
		if code.IsMerged() {
			continue
		}
		answer := newCodes[i]
		code.Definitions = answer.Definitions
		code.Categories = answer.Categories

		label := answer.Label
		if label == "" || label == code.Label {
			continue
		}
		if existing, ok := cb.Find(label); ok && existing != code {
			codebook.MergeCodes(existing, code)
			continue
		}
		code.Rename(label)
	}
	return cb.Rebuild()
}
