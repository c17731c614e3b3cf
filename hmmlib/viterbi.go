package hmmlib

import (
	"math"
)

// viterbi returns the most likely state sequence for one sequence with
// emission log densities logB (T x NState), and its log probability.
// Ties are resolved in favour of the lowest state index.
func viterbi(par *Params, logB []float64) (float64, []int) {

	k := par.NState
	T := len(logB) / k

	lpr := make([]float64, T*k)
	lpt := make([]int, T*k)
	wk := make([]float64, k)

	lt := make([]float64, k*k)
	for j, v := range par.Trans {
		lt[j] = math.Log(v)
	}

	// Construct the table of best path log probabilities
	for st := 0; st < k; st++ {
		lpr[st] = math.Log(par.Init[st]) + logB[st]
	}
	for t := 1; t < T; t++ {
		j0, j1 := (t-1)*k, t*k

		// From st1 to st2
		for st2 := 0; st2 < k; st2++ {
			for st1 := 0; st1 < k; st1++ {
				wk[st1] = lpr[j0+st1] + lt[st1*k+st2]
			}

			// The best previous state
			jj := argmax(wk)
			lpt[j1+st2] = jj
			lpr[j1+st2] = wk[jj] + logB[j1+st2]
		}
	}

	// Traceback
	y := make([]int, T)
	last := lpr[(T-1)*k : T*k]
	y[T-1] = argmax(last)
	for t := T - 2; t >= 0; t-- {
		y[t] = lpt[(t+1)*k+y[t+1]]
	}

	return last[y[T-1]], y
}
