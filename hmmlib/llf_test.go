// This is a series of tests to confirm that the log-likelihood is non-decreasing over the EM iterations.

package hmmlib

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

const (
	niter = 20
)

var (
	covarTypes = []CovarianceType{Spherical, Diag, Tied, Full}
	impls      = []Implementation{LogImpl, ScalingImpl}
)

func uniform(rng *rand.Rand, a, b float64) float64 {
	return a + (b-a)*rng.Float64()
}

// prepParams generates nstate bounding boxes along the diagonal and places
// the nmix component means of each state inside its box.
func prepParams(nstate, nmix, nfeature int, ct CovarianceType, low, high float64, rng *rand.Rand) *Params {

	par := NewParams(nstate, nmix, nfeature, ct)
	d := nfeature

	lims := makeFloatArray(nstate+1, d)
	for i := 1; i <= nstate; i++ {
		for j := 0; j < d; j++ {
			lims[i][j] = lims[i-1][j] + uniform(rng, low, high)
		}
	}
	for st := 0; st < nstate; st++ {
		for m := 0; m < nmix; m++ {
			mn := par.MeanOf(st, m)
			for j := range mn {
				mn[j] = uniform(rng, lims[st][j], lims[st+1][j])
			}
		}
	}

	par.Init[0] = 1

	for j := range par.Trans {
		par.Trans[j] = rng.Float64()
	}
	for st := 0; st < nstate; st++ {
		normalizeSum(par.TransRow(st), 0)
	}

	switch ct {
	case Spherical, Diag:
		for j := range par.Covar {
			par.Covar[j] = uniform(rng, 0.1, 5)
		}
	case Tied, Full:
		dd := d * d
		low := make([]float64, dd)
		for q := 0; q < len(par.Covar)/dd; q++ {
			for j := range low {
				low[j] = uniform(rng, -2, 2)
			}
			c := par.Covar[q*dd : (q+1)*dd]
			for a := 0; a < d; a++ {
				for b := 0; b < d; b++ {
					var v float64
					for r := 0; r < d; r++ {
						v += low[r*d+a] * low[r*d+b]
					}
					c[a*d+b] = v
				}
				c[a*d+a] += 0.1
			}
		}
	}

	for j := range par.Weights {
		par.Weights[j] = rng.Float64()
	}
	for st := 0; st < nstate; st++ {
		normalizeSum(par.WeightRow(st), 0)
	}

	return par
}

// newTestModel returns a 3 state, 2 mixture, 2 feature model with known
// parameters.
func newTestModel(ct CovarianceType, impl Implementation) *Model {
	rng := rand.New(rand.NewSource(14))
	cfg := DefaultConfig(3, 2)
	cfg.CovarType = ct
	cfg.Impl = impl
	cfg.Rand = rng
	m := New(cfg)
	m.Par = prepParams(3, 2, 2, ct, 10, 15, rng)
	return m
}

// gendat generates ngp sequences of length ntm from a model with random
// parameters.
func gendat(ngp, nst, ntm, nmix, nfeature int, ct CovarianceType, seed int64) ([][]float64, []int) {

	rng := rand.New(rand.NewSource(seed))
	par := prepParams(nst, nmix, nfeature, ct, 1, 3, rng)
	for j := range par.Init {
		par.Init[j] = 1 / float64(nst)
	}

	lengths := make([]int, ngp)
	for j := range lengths {
		lengths[j] = ntm
	}

	X, _, err := SampleSequences(par, lengths, rng)
	if err != nil {
		panic(err)
	}

	return X, lengths
}

func assertAscending(t *testing.T, llf []float64, msg string) {
	for i := 1; i < len(llf); i++ {
		tol := 1e-6 * math.Max(1, math.Abs(llf[i-1]))
		if llf[i] < llf[i-1]-tol {
			t.Errorf("%s: iter=%d %f %f %g", msg, i, llf[i-1], llf[i], llf[i-1]-llf[i])
		}
	}
}

func TestLLFGaussianMixture(t *testing.T) {

	for _, ngp := range []int{2, 5} {
		for _, nst := range []int{2, 3} {
			for _, ntm := range []int{50, 100} {
				for _, nmix := range []int{1, 2} {
					for _, ct := range covarTypes {
						for _, impl := range impls {

							X, lengths := gendat(ngp, nst, ntm, nmix, 2, ct, int64(ngp*nst+ntm))

							cfg := DefaultConfig(nst, nmix)
							cfg.CovarType = ct
							cfg.Impl = impl
							cfg.NIter = niter
							cfg.Tol = 0
							cfg.Rand = rand.New(rand.NewSource(1))
							hmm := New(cfg)
							require.NoError(t, hmm.Fit(X, lengths))

							msg := ct.String() + "/" + impl.String()
							assert.NotEqual(t, Diverged, hmm.Status, msg)
							assertAscending(t, hmm.LLF, msg)
						}
					}
				}
			}
		}
	}
}

// The parameters are perturbed away from the generating values and
// re-estimated for a few iterations.
func TestFitPerturbed(t *testing.T) {

	for _, ct := range covarTypes {
		for _, impl := range impls {

			h := newTestModel(ct, impl)
			X, _, err := h.Sample(1000, nil)
			require.NoError(t, err)

			p0 := prepParams(3, 2, 2, ct, 10, 15, rand.New(rand.NewSource(15)))
			for j := range p0.Covar {
				p0.Covar[j] *= 100
			}
			h.Par = p0
			h.InitParams = 0
			h.NIter = 5
			h.Tol = 0

			require.NoError(t, h.Fit(X, nil))
			msg := ct.String() + "/" + impl.String()
			assert.NotEqual(t, Diverged, h.Status, msg)
			assertAscending(t, h.LLF, msg)
			assert.NoError(t, Check(h.Par), msg)
		}
	}
}

// Mixture components very far apart must not produce NaN or Inf.
func TestFitSparseData(t *testing.T) {

	for _, ct := range covarTypes {
		for _, impl := range impls {

			h := newTestModel(ct, impl)
			mean := h.Par.Mean
			for j := range mean {
				mean[j] *= 1000
			}
			X, _, err := h.Sample(1000, nil)
			require.NoError(t, err)

			msg := ct.String() + "/" + impl.String()
			require.NoError(t, h.Initialize(X, nil), msg)
			assertFiniteFit(t, h, X, msg+" initialized")

			require.NoError(t, h.Fit(X, nil), msg)
			for _, v := range h.LLF {
				assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), msg)
			}
			assertFiniteFit(t, h, X, msg+" fitted")
		}
	}
}

// assertFiniteFit checks that the means, covariances and state
// posteriors of h are finite and that each posterior row sums to 1.
func assertFiniteFit(t *testing.T, h *Model, X [][]float64, msg string) {
	t.Helper()

	assert.True(t, allFinite(h.Par.Mean), msg)
	assert.True(t, allFinite(h.Par.Covar), msg)

	ll, gamma, err := h.ScoreSamples(X, nil)
	require.NoError(t, err, msg)
	assert.False(t, math.IsNaN(ll) || math.IsInf(ll, 0), msg)
	require.Len(t, gamma, len(X), msg)
	for i, row := range gamma {
		if !allFinite(row) {
			t.Errorf("%s: gamma row %d is %v", msg, i, row)
			return
		}
		assert.InDelta(t, 1.0, floats.Sum(row), 1e-8, msg)
	}
}

// A large covariance floor makes every M-step worse than the starting
// point, so the fit stops and returns the starting parameters.
func TestFitDiverged(t *testing.T) {

	h := newTestModel(Diag, LogImpl)
	X, _, err := h.Sample(500, nil)
	require.NoError(t, err)

	start := h.Par.Clone()
	h.InitParams = 0
	h.Params = ParamCovars
	h.MinCovar = 100
	h.Tol = 0
	require.NoError(t, h.Fit(X, nil))

	assert.Equal(t, Diverged, h.Status)
	require.Len(t, h.LLF, 2)
	assert.Less(t, h.LLF[1], h.LLF[0])
	assert.Equal(t, 1, h.Warnings.LogLikeDecreased)
	assert.Equal(t, start, h.Par)

	ll, err := h.Score(X, nil)
	require.NoError(t, err)
	assert.InDelta(t, h.LLF[0], ll, 1e-8*math.Abs(ll))
}

func TestFitConverged(t *testing.T) {

	h := newTestModel(Diag, LogImpl)
	X, _, err := h.Sample(500, nil)
	require.NoError(t, err)

	h.InitParams = 0
	h.NIter = 20
	h.Tol = 1e9
	require.NoError(t, h.Fit(X, nil))

	assert.Equal(t, Converged, h.Status)
	assert.Len(t, h.LLF, 2)
}

func TestFitMaxIter(t *testing.T) {

	h := newTestModel(Diag, ScalingImpl)
	X, _, err := h.Sample(500, nil)
	require.NoError(t, err)

	h.NIter = 3
	h.Tol = 0
	h.DivergeTol = 0
	require.NoError(t, h.Fit(X, nil))

	assert.Equal(t, MaxIterReached, h.Status)
	require.Len(t, h.LLF, 3)
	assertAscending(t, h.LLF, "max iter")
}

// The result of fitting does not depend on the number of workers.
func TestFitWorkers(t *testing.T) {

	X, lengths := gendat(8, 3, 40, 2, 2, Full, 3)

	var fits []*Model
	for _, w := range []int{1, 4} {
		cfg := DefaultConfig(3, 2)
		cfg.CovarType = Full
		cfg.Rand = rand.New(rand.NewSource(7))
		cfg.Workers = w
		h := New(cfg)
		require.NoError(t, h.Fit(X, lengths))
		fits = append(fits, h)
	}

	assert.Equal(t, fits[0].LLF, fits[1].LLF)
	assert.Equal(t, fits[0].Par, fits[1].Par)
}

func TestFitDegenerate(t *testing.T) {

	// The second feature is constant.
	X := make([][]float64, 30)
	for i := range X {
		X[i] = []float64{float64(i % 7), 5}
	}

	cfg := DefaultConfig(1, 1)
	cfg.MinCovar = 0
	cfg.CovarReg = 0
	h := New(cfg)
	err := h.Fit(X, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDegenerateCovariance)
	assert.Nil(t, h.Par)

	cfg.CovarReg = 1e-6
	h = New(cfg)
	require.NoError(t, h.Fit(X, nil))
	assert.Greater(t, h.Warnings.CovarRegularized, 0)
	assert.NoError(t, h.Check())
}

func TestFitParamsSubset(t *testing.T) {

	h := newTestModel(Diag, LogImpl)
	X, _, err := h.Sample(300, nil)
	require.NoError(t, err)

	trans := append([]float64(nil), h.Par.Trans...)
	covar := append([]float64(nil), h.Par.Covar...)

	h.InitParams = 0
	h.Params = ParamStart | ParamWeights | ParamMeans
	require.NoError(t, h.Fit(X, nil))

	assert.Equal(t, trans, h.Par.Trans)
	assert.Equal(t, covar, h.Par.Covar)
}

func TestFitBadInput(t *testing.T) {

	h := New(DefaultConfig(2, 1))
	X := [][]float64{{1, 2}, {3, 4}, {5, 6}}

	err := h.Fit(X, []int{2, 2})
	assert.ErrorIs(t, err, ErrShape)

	err = h.Fit([][]float64{{1, 2}, {3}}, nil)
	assert.ErrorIs(t, err, ErrShape)

	err = h.Fit([][]float64{{1, math.NaN()}, {3, 4}}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	h = New(DefaultConfig(0, 1))
	assert.ErrorIs(t, h.Fit(X, nil), ErrConfiguration)
}

func TestInitialize(t *testing.T) {

	for _, ct := range covarTypes {
		h := newTestModel(ct, LogImpl)
		X, _, err := h.Sample(1000, nil)
		require.NoError(t, err)

		require.NoError(t, h.Initialize(X, nil))
		assert.NoError(t, h.Check(), ct.String())
	}

	// Only the means are reset.
	h := newTestModel(Full, LogImpl)
	X, _, err := h.Sample(200, nil)
	require.NoError(t, err)
	trans := append([]float64(nil), h.Par.Trans...)
	h.InitParams = ParamMeans
	require.NoError(t, h.Initialize(X, nil))
	assert.Equal(t, trans, h.Par.Trans)

	h = New(DefaultConfig(5, 1))
	assert.ErrorIs(t, h.Initialize([][]float64{{1}, {2}}, nil), ErrShape)
}

func TestKmeans(t *testing.T) {

	rng := rand.New(rand.NewSource(2))
	var X [][]float64
	for i := 0; i < 50; i++ {
		X = append(X, []float64{rng.NormFloat64(), rng.NormFloat64()})
		X = append(X, []float64{20 + rng.NormFloat64(), 20 + rng.NormFloat64()})
	}

	_, labels := kmeans(X, 2, rng)
	for i := 0; i < len(X); i += 2 {
		assert.Equal(t, labels[0], labels[i])
		assert.Equal(t, labels[1], labels[i+1])
	}
	assert.NotEqual(t, labels[0], labels[1])
}
