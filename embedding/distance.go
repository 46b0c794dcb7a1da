package embedding

import (
	"fmt"
	"math"
)

// Supported distance metrics.
const (
	Euclidean = "euclidean"
	Cosine    = "cosine"
)

// Normalize returns v scaled to unit L2 length as float64. Zero vectors are
// returned unchanged.
func Normalize(v []float32) []float64 {
	out := make([]float64, len(v))
	var sum float64
	for i, x := range v {
		out[i] = float64(x)
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i := range out {
		out[i] /= norm
	}
	return out
}

// DistanceMatrix L2-normalises vectors and returns their symmetric pairwise
// distance matrix. On unit vectors euclidean distances range over [0, 2].
func DistanceMatrix(vectors [][]float32, metric string) ([][]float64, error) {
	normalized := make([][]float64, len(vectors))
	dim := -1
	for i, v := range vectors {
		if dim >= 0 && len(v) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim)
		}
		dim = len(v)
		normalized[i] = Normalize(v)
	}

	var fn func(a, b []float64) float64
	switch metric {
	case Euclidean, "":
		fn = euclidean
	case Cosine:
		fn = cosineDistance
	default:
		return nil, fmt.Errorf("unknown distance metric: %s", metric)
	}

	n := len(normalized)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := fn(normalized[i], normalized[j])
			out[i][j] = d
			out[j][i] = d
		}
	}
	return out, nil
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// cosineDistance assumes unit vectors.
func cosineDistance(a, b []float64) float64 {
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return math.Max(0, 1-dot)
}
