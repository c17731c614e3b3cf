package hmmlib

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// normalize the values in x to have a sum of 1.  If the sum is too small,
// every value is set to z.
func normalizeSum(x []float64, z float64) {
	scale := floats.Sum(x)
	if scale < 1e-10 {
		for j := range x {
			x[j] = z
		}
		return
	}
	floats.Scale(1/scale, x)
}

// normalizeOrKeep scales x to sum to 1 and returns true, unless its sum is
// too small, in which case x is left unchanged and false is returned.
func normalizeOrKeep(x, prev []float64) bool {
	scale := floats.Sum(x)
	if !(scale > 1e-10) || math.IsInf(scale, 0) {
		copy(x, prev)
		return false
	}
	floats.Scale(1/scale, x)
	return true
}

func argmax(x []float64) int {
	j := 0
	v := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > v {
			v = x[i]
			j = i
		}
	}

	return j
}

// Zero the elements of x
func zero(x []float64) {
	for j := range x {
		x[j] = 0
	}
}

// makeFloatArray makes a collection of r slices
// of length c, packed contiguously.
func makeFloatArray(r, c int) [][]float64 {

	bka := make([]float64, r*c)
	x := make([][]float64, r)
	ii := 0
	for j := 0; j < r; j++ {
		x[j] = bka[ii : ii+c]
		ii += c
	}

	return x
}

// genDiscrete draws an index from the probability vector pr.
func genDiscrete(pr []float64, rng *rand.Rand) int {

	u := rng.Float64()
	p := 0.0
	last := 0
	for j := range pr {
		if pr[j] > 0 {
			last = j
		}
		p += pr[j]
		if u < p {
			return j
		}
	}

	// Rounding left u above the cumulative sum
	return last
}

// splitSequences splits the rows of X into sequences of the given lengths,
// checking that every row has nfeature columns of finite values.  If
// lengths is nil, X is a single sequence.  If nfeature is 0 it is taken
// from the first row.
func splitSequences(X [][]float64, lengths []int, nfeature int) ([][][]float64, error) {

	if len(X) == 0 {
		return nil, fmt.Errorf("%w: no observations", ErrShape)
	}
	if nfeature == 0 {
		nfeature = len(X[0])
	}
	if nfeature == 0 {
		return nil, fmt.Errorf("%w: observations have no features", ErrShape)
	}

	for t, x := range X {
		if len(x) != nfeature {
			return nil, fmt.Errorf("%w: row %d has %d features, expected %d", ErrShape, t, len(x), nfeature)
		}
		if !allFinite(x) {
			return nil, fmt.Errorf("%w: row %d contains NaN or Inf", ErrShape, t)
		}
	}

	if lengths == nil {
		return [][][]float64{X}, nil
	}

	var seqs [][][]float64
	var pos int
	for i, n := range lengths {
		if n < 1 {
			return nil, fmt.Errorf("%w: sequence %d has length %d", ErrShape, i, n)
		}
		if pos+n > len(X) {
			return nil, fmt.Errorf("%w: lengths sum to more than the %d rows", ErrShape, len(X))
		}
		seqs = append(seqs, X[pos:pos+n])
		pos += n
	}
	if pos != len(X) {
		return nil, fmt.Errorf("%w: lengths sum to %d, but there are %d rows", ErrShape, pos, len(X))
	}

	return seqs, nil
}
