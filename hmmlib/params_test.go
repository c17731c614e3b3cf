package hmmlib

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckGoodCovarianceType(t *testing.T) {
	for _, ct := range covarTypes {
		for _, impl := range impls {
			h := newTestModel(ct, impl)
			assert.NoError(t, h.Check(), ct.String())
		}
	}
}

func TestCheckBadCovarianceType(t *testing.T) {
	for _, impl := range impls {
		h := newTestModel(Diag, impl)
		h.CovarType = CovarianceType(9)
		err := h.Check()
		assert.ErrorIs(t, err, ErrConfiguration)

		_, err = ParseCovarianceType("bad_covariance_type")
		assert.ErrorIs(t, err, ErrConfiguration)
	}
}

func TestCheckViolations(t *testing.T) {

	par := newTestModel(Full, LogImpl).Par
	par.Init[1] = 0.5
	par.Trans[0] = -1
	par.Covar[1] = 5 // not symmetric

	err := Check(par)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 3)

	par = newTestModel(Diag, LogImpl).Par
	par.Mean = par.Mean[1:]
	par.Covar[0] = 0
	err = Check(par)
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 2)

	// Not positive definite
	par = newTestModel(Tied, LogImpl).Par
	copy(par.Covar[0:4], []float64{1, 2, 2, 1})
	assert.ErrorIs(t, Check(par), ErrConfiguration)

	assert.Error(t, Check(nil))
}

func TestCheckModelMismatch(t *testing.T) {
	h := newTestModel(Diag, LogImpl)
	h.NMix = 3
	assert.ErrorIs(t, h.Check(), ErrConfiguration)

	h = newTestModel(Diag, LogImpl)
	h.Impl = Implementation(5)
	assert.ErrorIs(t, h.Check(), ErrConfiguration)
}

func TestParamGroup(t *testing.T) {

	g, err := ParseParamGroup("stmc")
	require.NoError(t, err)
	assert.True(t, g.Has(ParamStart|ParamMeans))
	assert.False(t, g.Has(ParamWeights))
	assert.Equal(t, "stmc", g.String())

	g, err = ParseParamGroup("")
	require.NoError(t, err)
	assert.Equal(t, ParamGroup(0), g)

	_, err = ParseParamGroup("stx")
	assert.ErrorIs(t, err, ErrConfiguration)

	assert.Equal(t, "stwmc", AllParams.String())
}

func TestNumFreeParams(t *testing.T) {

	h := newTestModel(Diag, LogImpl)
	// start 2, trans 6, weights 3, means 12, covars 12
	assert.Equal(t, 35, h.NumFreeParams())

	h = newTestModel(Full, LogImpl)
	assert.Equal(t, 2+6+3+12+18, h.NumFreeParams())

	h.Params = ParamMeans
	assert.Equal(t, 12, h.NumFreeParams())
}

func TestInformationCriteria(t *testing.T) {

	h := newTestModel(Diag, LogImpl)
	X, _, err := h.Sample(200, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	ll, err := h.Score(X, nil)
	require.NoError(t, err)
	aic, err := h.AIC(X, nil)
	require.NoError(t, err)
	bic, err := h.BIC(X, nil)
	require.NoError(t, err)

	p := float64(h.NumFreeParams())
	assert.InDelta(t, -2*ll+2*p, aic, 1e-8)
	assert.InDelta(t, -2*ll+p*math.Log(200), bic, 1e-8)
}

func TestFullCovar(t *testing.T) {

	par := newTestModel(Spherical, LogImpl).Par
	c := par.FullCovar(1, 1)
	v := par.Covar[1*par.NMix+1]
	assert.Equal(t, []float64{v, 0, 0, v}, c)

	par = newTestModel(Tied, LogImpl).Par
	assert.Equal(t, par.FullCovar(2, 0), par.FullCovar(2, 1))
}
