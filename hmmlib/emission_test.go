package hmmlib

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

// toFull returns par with every covariance expanded to a full matrix.
func toFull(par *Params) *Params {
	fp := NewParams(par.NState, par.NMix, par.NFeature, Full)
	copy(fp.Init, par.Init)
	copy(fp.Trans, par.Trans)
	copy(fp.Weights, par.Weights)
	copy(fp.Mean, par.Mean)
	dd := par.NFeature * par.NFeature
	for st := 0; st < par.NState; st++ {
		for m := 0; m < par.NMix; m++ {
			i := st*par.NMix + m
			copy(fp.Covar[i*dd:(i+1)*dd], par.FullCovar(st, m))
		}
	}
	return fp
}

func TestEmissionAgreement(t *testing.T) {

	rng := rand.New(rand.NewSource(5))
	for _, ct := range []CovarianceType{Spherical, Diag, Tied} {

		par := prepParams(3, 2, 3, ct, 1, 2, rng)
		em, err := NewEmission(par, 0)
		require.NoError(t, err)
		emf, err := NewEmission(toFull(par), 0)
		require.NoError(t, err)

		x := make([]float64, 3)
		for i := 0; i < 20; i++ {
			for j := range x {
				x[j] = uniform(rng, 0, 6)
			}
			for st := 0; st < 3; st++ {
				assert.InDelta(t, emf.LogProb(st, x), em.LogProb(st, x), 1e-9, ct.String())
			}
		}
	}
}

func TestEmissionUnivariate(t *testing.T) {

	par := NewParams(1, 2, 1, Diag)
	par.Init[0] = 1
	par.Trans[0] = 1
	copy(par.Weights, []float64{0.3, 0.7})
	copy(par.Mean, []float64{-1, 2})
	copy(par.Covar, []float64{0.5, 2})

	em, err := NewEmission(par, 0)
	require.NoError(t, err)

	lnorm := func(x, mu, v float64) float64 {
		return -0.5*math.Log(2*math.Pi*v) - (x-mu)*(x-mu)/(2*v)
	}

	for _, x := range []float64{-3, 0, 0.5, 4} {
		a := math.Log(0.3) + lnorm(x, -1, 0.5)
		b := math.Log(0.7) + lnorm(x, 2, 2)
		want := floats.LogSumExp([]float64{a, b})

		post := make([]float64, 2)
		got := em.Posterior(0, []float64{x}, post)
		assert.InDelta(t, want, got, 1e-12)
		assert.InDelta(t, math.Exp(a-want), post[0], 1e-12)
		assert.InDelta(t, 1, floats.Sum(post), 1e-12)
	}
}

func TestEmissionResponsibilities(t *testing.T) {

	for _, ct := range covarTypes {
		h := newTestModel(ct, LogImpl)
		X, _, err := h.Sample(50, nil)
		require.NoError(t, err)

		em, err := NewEmission(h.Par.Clone(), 0)
		require.NoError(t, err)
		post := make([]float64, h.NMix)
		for _, x := range X {
			for st := 0; st < h.NState; st++ {
				lp := em.Posterior(st, x, post)
				assert.False(t, math.IsNaN(lp))
				assert.InDelta(t, 1, floats.Sum(post), 1e-10, ct.String())
			}
		}
	}
}

func TestEmissionDegenerate(t *testing.T) {

	par := NewParams(1, 1, 2, Full)
	par.Init[0] = 1
	par.Trans[0] = 1
	par.Weights[0] = 1
	copy(par.Covar, []float64{1, 1, 1, 1})

	_, err := NewEmission(par.Clone(), 0)
	assert.ErrorIs(t, err, ErrDegenerateCovariance)

	fixed := par.Clone()
	em, err := NewEmission(fixed, 1e-6)
	require.NoError(t, err)
	assert.Equal(t, 1, em.Regularized())
	assert.Greater(t, fixed.Covar[0], 1.0)
	assert.NoError(t, Check(fixed))

	sp := NewParams(1, 2, 2, Spherical)
	sp.Init[0] = 1
	sp.Trans[0] = 1
	copy(sp.Weights, []float64{0.5, 0.5})
	copy(sp.Covar, []float64{1, 0})

	_, err = NewEmission(sp.Clone(), 0)
	assert.ErrorIs(t, err, ErrDegenerateCovariance)

	em, err = NewEmission(sp, 1e-3)
	require.NoError(t, err)
	assert.Equal(t, 1, em.Regularized())
	assert.Equal(t, 1e-3, sp.Covar[1])
}
