package graph

import (
	"fmt"
	"math"

	"github.com/brunobiangulo/qualcode/codebook"
)

// Dataset is the input of Build: the merged codes, their pairwise distances
// in the same order, and the codebooks they were merged from. Codebooks[0]
// is conventionally the reference.
type Dataset struct {
	Codes     []*codebook.Code
	Distances [][]float64
	Codebooks []codebook.Codebook
	Names     []string
	// Weights is the external importance of each codebook. Nil means 0 for
	// the reference and 1 for every other codebook.
	Weights []float64
}

// NewDataset merges reference and codebooks in reference mode and returns a
// dataset whose codes carry ownership. Distances are left for the caller to
// fill in the order of ds.Codes.
func NewDataset(reference codebook.Codebook, codebooks []codebook.Codebook, names []string, weights []float64) Dataset {
	all := append([]codebook.Codebook{reference}, codebooks...)
	merged := codebook.MergeCodebooks(all, true)
	return Dataset{
		Codes:     merged.Live(),
		Codebooks: all,
		Names:     names,
		Weights:   weights,
	}
}

// Texts returns the strings to embed for the dataset's codes.
func (d Dataset) Texts(withDefinition bool) []string {
	out := make([]string, len(d.Codes))
	for i, c := range d.Codes {
		out[i] = c.Text(withDefinition)
	}
	return out
}

// ExternalWeights returns one weight per codebook, with the reference always
// weighted 0.
func (d Dataset) ExternalWeights() []float64 {
	out := make([]float64, len(d.Codebooks))
	for i := range out {
		switch {
		case i == 0:
		case i < len(d.Weights):
			out[i] = d.Weights[i]
		default:
			out[i] = 1
		}
	}
	return out
}

// Name returns the display name of codebook i.
func (d Dataset) Name(i int) string {
	if i < len(d.Names) && d.Names[i] != "" {
		return d.Names[i]
	}
	if i == 0 {
		return "reference"
	}
	return fmt.Sprintf("codebook-%d", i)
}

// Validate checks that the distance matrix is square, matches the codes,
// and holds finite non-negative values, and that every owner index refers
// to a codebook.
func (d Dataset) Validate() error {
	n := len(d.Codes)
	if len(d.Distances) != n {
		return fmt.Errorf("%w: %d rows for %d codes", ErrBadDistances, len(d.Distances), n)
	}
	for i, row := range d.Distances {
		if len(row) != n {
			return fmt.Errorf("%w: row %d has %d columns, want %d", ErrBadDistances, i, len(row), n)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("%w: invalid distance %v at (%d,%d)", ErrBadDistances, v, i, j)
			}
		}
	}
	for _, c := range d.Codes {
		for _, o := range c.Owners {
			if o < 0 || o >= len(d.Codebooks) {
				return fmt.Errorf("%w: code %q owned by codebook %d of %d", ErrBadDistances, c.Label, o, len(d.Codebooks))
			}
		}
	}
	return nil
}
