// Package excel reads and writes codebooks and evaluation results as xlsx
// workbooks.
package excel

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/qualcode/codebook"
	"github.com/brunobiangulo/qualcode/eval"
)

// Sheet names.
const (
	CodebookSheet = "Codebook"
	ResultsSheet  = "Evaluation"
	ClustersSheet = "Clusters"
)

// ErrNoCodebookSheet is returned when a workbook has no label column.
var ErrNoCodebookSheet = errors.New("excel: no sheet with a Label column")

const listSeparator = "; "

var codebookHeader = []string{"Label", "Categories", "Definition", "Alternatives", "Examples"}

// WriteCodebook writes the live codes of cb to path, one row per code
// sorted by category then label.
func WriteCodebook(path string, cb codebook.Codebook) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", CodebookSheet); err != nil {
		return err
	}
	if err := writeRow(f, CodebookSheet, 1, toCells(codebookHeader)); err != nil {
		return err
	}

	codes := cb.Live()
	sort.SliceStable(codes, func(i, j int) bool {
		return firstOrEmpty(codes[i].Categories) < firstOrEmpty(codes[j].Categories)
	})
	for i, c := range codes {
		row := []any{
			c.Label,
			strings.Join(c.Categories, listSeparator),
			c.Definition(),
			strings.Join(c.Alternatives, listSeparator),
			strings.Join(c.Examples, "\n"),
		}
		if err := writeRow(f, CodebookSheet, i+2, row); err != nil {
			return err
		}
	}
	_ = f.SetColWidth(CodebookSheet, "A", "B", 30)
	_ = f.SetColWidth(CodebookSheet, "C", "C", 60)
	_ = f.SetColWidth(CodebookSheet, "D", "E", 40)
	_ = f.SetPanes(CodebookSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}

// ReadCodebook reads the first sheet that has a Label column. Other columns
// are matched by header name, case-insensitively, and may be missing.
func ReadCodebook(path string) (codebook.Codebook, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		columns := make(map[string]int)
		for i, h := range rows[0] {
			columns[strings.ToLower(strings.TrimSpace(h))] = i
		}
		if _, ok := columns["label"]; !ok {
			continue
		}

		cb := make(codebook.Codebook)
		for _, row := range rows[1:] {
			cell := func(name string) string {
				i, ok := columns[name]
				if !ok || i >= len(row) {
					return ""
				}
				return strings.TrimSpace(row[i])
			}
			label := cell("label")
			if label == "" {
				continue
			}
			code := &codebook.Code{
				Label:        label,
				Categories:   splitList(cell("categories"), ";"),
				Alternatives: splitList(cell("alternatives"), ";"),
				Examples:     splitList(cell("examples"), "\n"),
			}
			if code.Categories == nil {
				code.Categories = splitList(cell("category"), ";")
			}
			if def := cell("definition"); def != "" {
				code.Definitions = []string{def}
			}
			if existing, ok := cb[label]; ok {
				codebook.MergeCodes(existing, code)
				continue
			}
			cb[label] = code
		}
		return cb, nil
	}
	return nil, ErrNoCodebookSheet
}

// WriteEvaluation writes results, and per-cluster results when non-empty,
// to path.
func WriteEvaluation(path string, results map[string]eval.Result, clusters map[string][]eval.ClusterResult) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ResultsSheet); err != nil {
		return err
	}
	header := []any{"Codebook", "Coverage", "Overlap", "Density", "Novelty", "Divergence", "Count", "Consolidated"}
	if err := writeRow(f, ResultsSheet, 1, header); err != nil {
		return err
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		r := results[name]
		row := []any{name, r.Coverage, r.Overlap, r.Density, r.Novelty, r.Divergence, r.Count, r.Consolidated}
		if err := writeRow(f, ResultsSheet, i+2, row); err != nil {
			return err
		}
	}

	if len(clusters) > 0 {
		if _, err := f.NewSheet(ClustersSheet); err != nil {
			return err
		}
		if err := writeRow(f, ClustersSheet, 1, []any{"Codebook", "Component", "Representative", "Coverage", "Deviation"}); err != nil {
			return err
		}
		line := 2
		for _, name := range names {
			for _, c := range clusters[name] {
				row := []any{name, c.Component, c.Representative, c.Coverage, c.Deviation}
				if err := writeRow(f, ClustersSheet, line, row); err != nil {
					return err
				}
				line++
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func toCells(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
