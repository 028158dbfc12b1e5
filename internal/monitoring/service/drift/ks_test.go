package drift

import (
	"math"
	"math/rand"
	"testing"
)

func normalSample(r *rand.Rand, n int, mean, stddev float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = r.NormFloat64()*stddev + mean
	}
	return out
}

func TestTwoSampleKSIdenticalSlices(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	a := normalSample(r, 200, 0, 1)
	b := make([]float64, len(a))
	copy(b, a)

	res, err := twoSampleKS(a, b)
	if err != nil {
		t.Fatalf("twoSampleKS: %v", err)
	}
	if res.Statistic != 0 {
		t.Errorf("statistic = %v, want 0 for identical samples", res.Statistic)
	}
	if res.PValue < 0.99 {
		t.Errorf("p-value = %v, want ~1 for identical samples", res.PValue)
	}
}

func TestTwoSampleKSSeparatedDistributions(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	ref := normalSample(r, 1000, 0, 1)
	cur := normalSample(r, 1000, 5, 1)

	res, err := twoSampleKS(ref, cur)
	if err != nil {
		t.Fatalf("twoSampleKS: %v", err)
	}
	if res.Statistic < 0.9 {
		t.Errorf("statistic = %v, want near 1 for N(0,1) vs N(5,1)", res.Statistic)
	}
	if res.PValue >= 0.001 {
		t.Errorf("p-value = %v, want < 0.001 for N(0,1) vs N(5,1)", res.PValue)
	}
}

func TestTwoSampleKSDeterministic(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	ref := normalSample(r, 300, 0, 1)
	cur := normalSample(r, 300, 0.4, 1)

	first, err := twoSampleKS(ref, cur)
	if err != nil {
		t.Fatalf("twoSampleKS: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := twoSampleKS(ref, cur)
		if err != nil {
			t.Fatalf("twoSampleKS run %d: %v", i, err)
		}
		if again.Statistic != first.Statistic || again.PValue != first.PValue {
			t.Fatalf("run %d: got (%v, %v), want (%v, %v)", i, again.Statistic, again.PValue, first.Statistic, first.PValue)
		}
	}
}

func TestTwoSampleKSDoesNotMutateInputs(t *testing.T) {
	ref := []float64{3, 1, 2, 5, 4, 9, 7, 6, 8, 0}
	cur := []float64{10, 12, 11, 14, 13, 19, 17, 16, 18, 15}
	refCopy := append([]float64(nil), ref...)
	curCopy := append([]float64(nil), cur...)

	if _, err := twoSampleKS(ref, cur); err != nil {
		t.Fatalf("twoSampleKS: %v", err)
	}
	for i := range ref {
		if ref[i] != refCopy[i] || cur[i] != curCopy[i] {
			t.Fatal("twoSampleKS mutated its inputs")
		}
	}
}

// Under the null hypothesis the p-value should rarely dip below the
// significance level. With 200 trials at alpha=0.05 the false positive count
// stays well under 30 for any sane implementation.
func TestKSPValueFalsePositiveRate(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	trials := 200
	falsePositives := 0
	for i := 0; i < trials; i++ {
		a := normalSample(r, 150, 0, 1)
		b := normalSample(r, 150, 0, 1)
		res, err := twoSampleKS(a, b)
		if err != nil {
			t.Fatalf("trial %d: %v", i, err)
		}
		if res.PValue < 0.05 {
			falsePositives++
		}
	}
	if falsePositives > 30 {
		t.Errorf("false positives = %d/%d, asymptotic approximation is off", falsePositives, trials)
	}
}

func TestKSPValueBounds(t *testing.T) {
	tests := []struct {
		name   string
		d      float64
		n1, n2 int
	}{
		{"zero statistic", 0, 100, 100},
		{"full separation", 1, 100, 100},
		{"moderate", 0.2, 50, 80},
		{"tiny samples", 0.5, 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ksPValue(tt.d, tt.n1, tt.n2)
			if math.IsNaN(p) || p < 0 || p > 1 {
				t.Errorf("ksPValue(%v, %d, %d) = %v, want in [0,1]", tt.d, tt.n1, tt.n2, p)
			}
		})
	}
	if p := ksPValue(1, 1000, 1000); p > 1e-6 {
		t.Errorf("ksPValue(1, 1000, 1000) = %v, want ~0", p)
	}
	if p := ksPValue(0, 1000, 1000); p < 0.999 {
		t.Errorf("ksPValue(0, 1000, 1000) = %v, want ~1", p)
	}
}
