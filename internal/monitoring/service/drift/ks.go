package drift

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
)

// ksResult is the outcome of a two-sample Kolmogorov-Smirnov test.
type ksResult struct {
	Statistic float64
	PValue    float64
}

// twoSampleKS runs the two-sample KS test on ref and cur. The inputs are
// copied and sorted; the caller's slices are never mutated. Degenerate
// inputs (empty, or both sides constant at the same value) normalize to
// ErrInsufficientData rather than propagating NaN.
func twoSampleKS(ref, cur []float64) (ksResult, error) {
	if len(ref) == 0 || len(cur) == 0 {
		return ksResult{}, model.ErrInsufficientData
	}
	x := append([]float64(nil), ref...)
	y := append([]float64(nil), cur...)
	sort.Float64s(x)
	sort.Float64s(y)

	d := stat.KolmogorovSmirnov(x, nil, y, nil)
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return ksResult{}, model.ErrInsufficientData
	}
	return ksResult{Statistic: d, PValue: ksPValue(d, len(ref), len(cur))}, nil
}

// ksPValue computes the asymptotic two-sample KS p-value via the Kolmogorov
// distribution series. Deterministic: identical inputs always yield the
// identical value.
func ksPValue(d float64, n1, n2 int) float64 {
	if d <= 0 {
		return 1
	}
	en := math.Sqrt(float64(n1) * float64(n2) / float64(n1+n2))
	lambda := (en + 0.12 + 0.11/en) * d

	// Q(lambda) = 2 * sum_{j>=1} (-1)^{j-1} exp(-2 j^2 lambda^2)
	sum := 0.0
	sign := 1.0
	prevTerm := 0.0
	for j := 1; j <= 100; j++ {
		term := 2 * math.Exp(-2*float64(j*j)*lambda*lambda)
		sum += sign * term
		if term <= 1e-12 || term <= 1e-8*prevTerm {
			break
		}
		prevTerm = term
		sign = -sign
	}
	return clamp01(sum)
}

// variance returns the sample variance; a zero-variance (constant) series
// must be excluded from the statistic rather than producing NaN downstream.
func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.Variance(xs, nil)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
