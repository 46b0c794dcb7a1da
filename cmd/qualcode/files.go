package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/brunobiangulo/qualcode/codebook"
	"github.com/brunobiangulo/qualcode/excel"
)

func isWorkbook(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".xlsx")
}

// readCodebook loads a codebook from a JSON file or an Excel workbook.
func readCodebook(path string) (codebook.Codebook, error) {
	if isWorkbook(path) {
		return excel.ReadCodebook(path)
	}
	return codebook.Load(path)
}

// readCodebooks loads every path in order.
func readCodebooks(paths []string) ([]codebook.Codebook, error) {
	out := make([]codebook.Codebook, 0, len(paths))
	for _, p := range paths {
		cb, err := readCodebook(p)
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, nil
}

// readAnalysis loads consolidation input. A file holding neither threads nor
// a merged codebook is read as a bare codebook.
func readAnalysis(path string) (*codebook.CodedThreads, error) {
	if isWorkbook(path) {
		cb, err := excel.ReadCodebook(path)
		if err != nil {
			return nil, err
		}
		return &codebook.CodedThreads{Codebook: cb}, nil
	}
	ct, err := codebook.LoadThreads(path)
	if err != nil {
		return nil, err
	}
	if ct.Codebook != nil {
		return ct, nil
	}
	cb, err := codebook.Load(path)
	if err != nil {
		return nil, err
	}
	return &codebook.CodedThreads{Codebook: cb}, nil
}

// writeCodebook saves cb as a workbook or JSON depending on the extension.
func writeCodebook(path string, cb codebook.Codebook) error {
	if isWorkbook(path) {
		return excel.WriteCodebook(path, cb)
	}
	return codebook.Save(path, cb)
}

// writeJSON encodes v to path, or to stdout when path is empty or "-".
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	if path == "" || path == "-" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// nameFromPath derives a codebook name from its file name.
func nameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
