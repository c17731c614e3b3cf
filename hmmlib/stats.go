package hmmlib

import (
	"gonum.org/v1/gonum/floats"
)

// suffStats holds the expected sufficient statistics accumulated in an
// E-step.  Moments are centred on the means in force during the E-step.
type suffStats struct {

	// Total log-likelihood of the sequences
	llf float64

	// Expected initial state counts, NState
	start []float64

	// Expected transition counts, NState x NState
	trans []float64

	// Expected component occupancy, NState x NMix
	post []float64

	// Weighted first moments, NState x NMix x NFeature
	obs []float64

	// Weighted second moments, NState x NMix x NFeature for spherical and
	// diag, NState x NMix x NFeature x NFeature otherwise
	obs2 []float64

	// Number of sequences that needed the log-domain fallback
	underflow int
}

func newSuffStats(par *Params, fullMoments bool) *suffStats {
	k, m, d := par.NState, par.NMix, par.NFeature
	n2 := k * m * d
	if fullMoments {
		n2 *= d
	}
	return &suffStats{
		start: make([]float64, k),
		trans: make([]float64, k*k),
		post:  make([]float64, k*m),
		obs:   make([]float64, k*m*d),
		obs2:  make([]float64, n2),
	}
}

// accumulate adds the contribution of one sequence.
func (ss *suffStats) accumulate(par *Params, seq [][]float64, post *Posteriors, fullMoments bool) {

	k, nmix, d := par.NState, par.NMix, par.NFeature

	ss.llf += post.LogLik
	floats.Add(ss.start, post.Gamma[0:k])
	floats.Add(ss.trans, post.XiSum)

	u := make([]float64, d)
	for t, x := range seq {
		for st := 0; st < k; st++ {
			g := post.Gamma[t*k+st]
			if g == 0 {
				continue
			}
			for m := 0; m < nmix; m++ {
				i := st*nmix + m
				w := g * post.Resp[t*k*nmix+i]
				if w == 0 {
					continue
				}
				ss.post[i] += w
				floats.SubTo(u, x, par.MeanOf(st, m))
				floats.AddScaled(ss.obs[i*d:(i+1)*d], w, u)
				if fullMoments {
					s2 := ss.obs2[i*d*d : (i+1)*d*d]
					for a := 0; a < d; a++ {
						floats.AddScaled(s2[a*d:(a+1)*d], w*u[a], u)
					}
				} else {
					s2 := ss.obs2[i*d : (i+1)*d]
					for a := 0; a < d; a++ {
						s2[a] += w * u[a] * u[a]
					}
				}
			}
		}
	}
}

// add merges the statistics in other into ss.
func (ss *suffStats) add(other *suffStats) {
	ss.llf += other.llf
	floats.Add(ss.start, other.start)
	floats.Add(ss.trans, other.trans)
	floats.Add(ss.post, other.post)
	floats.Add(ss.obs, other.obs)
	floats.Add(ss.obs2, other.obs2)
	ss.underflow += other.underflow
}
