package hmmlib

import (
	"math/rand"
)

// Sample generates a sequence of n observations from the model with
// parameters par, returning the observations and the hidden states.  All
// randomness is drawn from rng.  n = 0 gives empty results.
func Sample(par *Params, n int, rng *rand.Rand) ([][]float64, []int, error) {
	if n == 0 {
		if err := Check(par); err != nil {
			return nil, nil, err
		}
		if rng == nil {
			return nil, nil, configErr("no random source")
		}
		return [][]float64{}, []int{}, nil
	}
	return SampleSequences(par, []int{n}, rng)
}

// SampleSequences generates independent sequences with the given lengths.
// The observations and states of the sequences are concatenated.
func SampleSequences(par *Params, lengths []int, rng *rand.Rand) ([][]float64, []int, error) {

	if err := Check(par); err != nil {
		return nil, nil, err
	}
	if rng == nil {
		return nil, nil, configErr("no random source")
	}

	var n int
	for i, m := range lengths {
		if m < 1 {
			return nil, nil, configErr("sequence %d has length %d", i, m)
		}
		n += m
	}
	if n == 0 {
		return nil, nil, configErr("no sequences to sample")
	}

	em, err := NewEmission(par.Clone(), 0)
	if err != nil {
		return nil, nil, err
	}

	X := makeFloatArray(n, par.NFeature)
	states := make([]int, n)
	z := make([]float64, par.NFeature)

	var t int
	for _, m := range lengths {
		for j := 0; j < m; j++ {
			var st int
			if j == 0 {
				st = genDiscrete(par.Init, rng)
			} else {
				st = genDiscrete(par.TransRow(states[t-1]), rng)
			}
			states[t] = st

			c := genDiscrete(par.WeightRow(st), rng)
			for i := range z {
				z[i] = rng.NormFloat64()
			}
			em.transform(st, c, z, X[t])
			t++
		}
	}

	return X, states, nil
}
