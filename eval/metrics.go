package eval

import (
	"errors"
	"fmt"
	"math"
)

// ErrZeroBaseline is returned by KLDivergence when an observed bin with
// positive probability has zero baseline probability.
var ErrZeroBaseline = errors.New("eval: zero baseline probability")

// KLDivergence returns KL(p || q) in nats after normalising both vectors to
// sum to one. An all-zero p has divergence 0.
func KLDivergence(p, q []float64) (float64, error) {
	if len(p) != len(q) {
		return 0, fmt.Errorf("eval: distributions of length %d and %d", len(p), len(q))
	}
	sp, sq := sum(p), sum(q)
	if sp == 0 {
		return 0, nil
	}

	kl := 0.0
	for i := range p {
		if p[i] <= 0 {
			continue
		}
		if sq == 0 || q[i] <= 0 {
			return 0, fmt.Errorf("%w: bin %d", ErrZeroBaseline, i)
		}
		pi, qi := p[i]/sp, q[i]/sq
		kl += pi * math.Log(pi/qi)
	}
	return kl, nil
}

func sum(v []float64) float64 {
	total := 0.0
	for _, x := range v {
		total += x
	}
	return total
}

// ratio returns a/b, or 0 when b is not positive.
func ratio(a, b float64) float64 {
	if b <= 0 {
		return 0
	}
	return a / b
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
