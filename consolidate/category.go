package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"unicode/utf8"

	"github.com/brunobiangulo/qualcode/cluster"
	"github.com/brunobiangulo/qualcode/codebook"
	"github.com/brunobiangulo/qualcode/embedding"
)

// CategoryMerger clusters the distinct category names of the codes and
// rewrites each cluster to its shortest name. Codes are not merged.
type CategoryMerger struct {
	Base
	Clusterer cluster.Clusterer
	Maximum   float64
	Minimum   float64
}

// NewCategoryMerger returns a single-pass category merger.
func NewCategoryMerger(c cluster.Clusterer, maximum, minimum float64) *CategoryMerger {
	return &CategoryMerger{Clusterer: c, Maximum: maximum, Minimum: minimum}
}

func (m *CategoryMerger) Name() string { return "category-merger" }

func (m *CategoryMerger) Filter(code *codebook.Code) bool { return len(code.Categories) > 0 }

func (m *CategoryMerger) Preprocess(ctx context.Context, cb codebook.Codebook, codes []*codebook.Code) ([]*codebook.Code, codebook.Codebook, error) {
	seen := make(map[string]struct{})
	var categories []string
	for _, c := range codes {
		for _, cat := range c.Categories {
			if _, ok := seen[cat]; !ok {
				seen[cat] = struct{}{}
				categories = append(categories, cat)
			}
		}
	}
	m.SetStopping(true)
	if len(categories) < 2 {
		return nil, nil, nil
	}
	sort.Strings(categories)

	res, err := m.Clusterer.Cluster(ctx, cluster.Request{
		Texts:        categories,
		Purpose:      "consolidate-categories",
		Metric:       embedding.Euclidean,
		Linkage:      cluster.Ward,
		MaxThreshold: cluster.FormatThreshold(m.Maximum),
		MinThreshold: cluster.FormatThreshold(m.Minimum),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("clustering categories: %w", err)
	}

	rename := make(map[string]string)
	for _, id := range res.IDs() {
		if id == cluster.Outlier || len(res[id]) < 2 {
			continue
		}
		members := make([]string, 0, len(res[id]))
		for _, mem := range res[id] {
			members = append(members, categories[mem.ID])
		}
		sort.Slice(members, func(i, j int) bool {
			li, lj := utf8.RuneCountInString(members[i]), utf8.RuneCountInString(members[j])
			if li != lj {
				return li < lj
			}
			return members[i] < members[j]
		})
		for _, name := range members[1:] {
			rename[name] = members[0]
		}
	}
	if len(rename) == 0 {
		return nil, nil, nil
	}

	for _, c := range codes {
		out := make([]string, 0, len(c.Categories))
		dup := make(map[string]struct{})
		for _, cat := range c.Categories {
			if to, ok := rename[cat]; ok {
				cat = to
			}
			if _, ok := dup[cat]; !ok {
				dup[cat] = struct{}{}
				out = append(out, cat)
			}
		}
		c.Categories = out
	}
	slog.Info("consolidate: categories merged", "categories", len(categories), "renamed", len(rename))
	return nil, cb.Rebuild(), nil
}
