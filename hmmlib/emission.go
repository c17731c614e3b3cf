package hmmlib

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Emission evaluates the Gaussian mixture emission densities of a
// parameter set.  The covariance factorizations are computed once by
// NewEmission; build a new Emission whenever the parameters change.
// An Emission is safe for concurrent use.
type Emission struct {
	par        *Params
	cov        covarModel
	logWeights []float64
	nreg       int
}

// NewEmission prepares the emission densities of par.  Covariances that
// are not positive definite are regularized by adding reg to the diagonal
// (par.Covar is updated); with reg = 0 they produce an error wrapping
// ErrDegenerateCovariance.
func NewEmission(par *Params, reg float64) (*Emission, error) {

	cov, err := newCovarModel(par.CovarType)
	if err != nil {
		return nil, err
	}

	nreg, err := cov.prepare(par, reg)
	if err != nil {
		return nil, err
	}

	lw := make([]float64, len(par.Weights))
	for i, w := range par.Weights {
		lw[i] = math.Log(w)
	}

	return &Emission{
		par:        par,
		cov:        cov,
		logWeights: lw,
		nreg:       nreg,
	}, nil
}

// Regularized returns the number of covariances that had to be regularized.
func (e *Emission) Regularized() int {
	return e.nreg
}

// LogProb returns the log density of state st's mixture at x.
func (e *Emission) LogProb(st int, x []float64) float64 {
	post := make([]float64, e.par.NMix)
	return e.Posterior(st, x, post)
}

// Posterior writes the posterior probability of each mixture component of
// state st given x into post, and returns the log density of the mixture
// at x.
func (e *Emission) Posterior(st int, x, post []float64) float64 {
	return e.posterior(st, x, post, make([]float64, e.par.NFeature))
}

func (e *Emission) posterior(st int, x, post, wk []float64) float64 {

	nmix := e.par.NMix
	for m := 0; m < nmix; m++ {
		floats.SubTo(wk, x, e.par.MeanOf(st, m))
		post[m] = e.logWeights[st*nmix+m] + e.cov.logNormal(st, m, wk)
	}

	lpr := floats.LogSumExp(post)
	if math.IsInf(lpr, -1) {
		for m := range post {
			post[m] = 1 / float64(nmix)
		}
		return lpr
	}

	for m := range post {
		post[m] = math.Exp(post[m] - lpr)
	}

	return lpr
}

// frameProbs fills logB (T x NState) with emission log densities and resp
// (T x NState x NMix) with component posteriors for a sequence.
func (e *Emission) frameProbs(seq [][]float64, logB, resp []float64) {

	k, nmix := e.par.NState, e.par.NMix
	wk := make([]float64, e.par.NFeature)
	for t, x := range seq {
		for st := 0; st < k; st++ {
			j := t*k + st
			logB[j] = e.posterior(st, x, resp[j*nmix:(j+1)*nmix], wk)
		}
	}
}

// transform maps standard normal noise z to a draw of component m of
// state st, writing the result to dst.
func (e *Emission) transform(st, m int, z, dst []float64) {
	e.cov.transform(st, m, z, dst)
	floats.Add(dst, e.par.MeanOf(st, m))
}
