package hmmlib

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// Number of times the regularization floor is multiplied by 10 and
	// retried before a covariance is declared degenerate.
	maxRegSteps = 8

	// Components with less posterior mass than this keep their previous
	// mean and covariance in the M-step.
	minOccupancy = 1e-6
)

var log2Pi = math.Log(2 * math.Pi)

// covarModel implements the density, sampling and re-estimation rules of
// one covariance structure.
type covarModel interface {

	// prepare caches the factorization of the covariances in par.  If a
	// covariance is not positive definite and reg > 0, reg is added to its
	// diagonal (and written back into par.Covar).  It returns the number of
	// regularized covariances.
	prepare(par *Params, reg float64) (int, error)

	// logNormal returns the log density of component m of state st at a
	// point whose offset from the component mean is u.  u may be
	// overwritten.
	logNormal(st, m int, u []float64) float64

	// transform writes S z into dst, where S S' is the covariance of
	// component m of state st.
	transform(st, m int, z, dst []float64)

	// fullMoments is true if D x D second moments must be accumulated.
	fullMoments() bool

	// update re-estimates par.Covar.  shift[i] is the new mean minus the
	// mean used when the statistics were accumulated.  It returns the
	// number of components left unchanged for lack of data.
	update(par *Params, ss *suffStats, shift []float64, minCovar float64) int

	// nfree is the number of free covariance parameters.
	nfree(nstate, nmix, nfeature int) int
}

func newCovarModel(ct CovarianceType) (covarModel, error) {
	switch ct {
	case Spherical:
		return &sphericalCovar{}, nil
	case Diag:
		return &diagCovar{}, nil
	case Tied:
		return &tiedCovar{}, nil
	case Full:
		return &fullCovar{}, nil
	default:
		return nil, configErr("unknown covariance type %v", ct)
	}
}

// floorVariance applies the regularization policy to a single variance.
func floorVariance(v, reg float64, what string) (float64, bool, error) {
	if v > 0 && !math.IsInf(v, 0) {
		return v, false, nil
	}
	if reg <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v, false, fmt.Errorf("%w: %s has variance %g", ErrDegenerateCovariance, what, v)
	}
	return reg, true, nil
}

// sphericalCovar is a single variance per component.
type sphericalCovar struct {
	nmix, d int
	prec    []float64 // 1 / variance
	sd      []float64
	lnorm   []float64
}

func (c *sphericalCovar) prepare(par *Params, reg float64) (int, error) {
	c.nmix, c.d = par.NMix, par.NFeature
	n := len(par.Covar)
	c.prec = make([]float64, n)
	c.sd = make([]float64, n)
	c.lnorm = make([]float64, n)

	var nreg int
	for i, v := range par.Covar {
		v, fixed, err := floorVariance(v, reg, fmt.Sprintf("state %d mixture %d", i/c.nmix, i%c.nmix))
		if err != nil {
			return nreg, err
		}
		if fixed {
			par.Covar[i] = v
			nreg++
		}
		c.prec[i] = 1 / v
		c.sd[i] = math.Sqrt(v)
		c.lnorm[i] = -0.5 * float64(c.d) * (log2Pi + math.Log(v))
	}

	return nreg, nil
}

func (c *sphericalCovar) logNormal(st, m int, u []float64) float64 {
	i := st*c.nmix + m
	return c.lnorm[i] - 0.5*c.prec[i]*floats.Dot(u, u)
}

func (c *sphericalCovar) transform(st, m int, z, dst []float64) {
	floats.ScaleTo(dst, c.sd[st*c.nmix+m], z)
}

func (c *sphericalCovar) fullMoments() bool { return false }

func (c *sphericalCovar) update(par *Params, ss *suffStats, shift []float64, minCovar float64) int {
	d := par.NFeature
	var nskip int
	for i := range par.Covar {
		p := ss.post[i]
		if p < minOccupancy {
			nskip++
			continue
		}
		var v float64
		for j := 0; j < d; j++ {
			v += centredVar(ss, shift, i*d+j, p)
		}
		par.Covar[i] = v/float64(d) + minCovar
	}
	return nskip
}

func (c *sphericalCovar) nfree(nstate, nmix, nfeature int) int {
	return nstate * nmix
}

// diagCovar is a variance per component and feature.
type diagCovar struct {
	nmix, d int
	prec    []float64
	sd      []float64
	lnorm   []float64
}

func (c *diagCovar) prepare(par *Params, reg float64) (int, error) {
	c.nmix, c.d = par.NMix, par.NFeature
	c.prec = make([]float64, len(par.Covar))
	c.sd = make([]float64, len(par.Covar))
	c.lnorm = make([]float64, par.NState*par.NMix)

	var nreg int
	for i := range c.lnorm {
		fixedAny := false
		ld := 0.0
		for j := 0; j < c.d; j++ {
			q := i*c.d + j
			v, fixed, err := floorVariance(par.Covar[q], reg, fmt.Sprintf("state %d mixture %d feature %d", i/c.nmix, i%c.nmix, j))
			if err != nil {
				return nreg, err
			}
			if fixed {
				par.Covar[q] = v
				fixedAny = true
			}
			c.prec[q] = 1 / v
			c.sd[q] = math.Sqrt(v)
			ld += math.Log(v)
		}
		if fixedAny {
			nreg++
		}
		c.lnorm[i] = -0.5 * (float64(c.d)*log2Pi + ld)
	}

	return nreg, nil
}

func (c *diagCovar) logNormal(st, m int, u []float64) float64 {
	i := st*c.nmix + m
	return c.lnorm[i] - 0.5*mahalanobisDiag(u, c.prec[i*c.d:(i+1)*c.d])
}

func (c *diagCovar) transform(st, m int, z, dst []float64) {
	i := (st*c.nmix + m) * c.d
	floats.MulTo(dst, c.sd[i:i+c.d], z)
}

func (c *diagCovar) fullMoments() bool { return false }

func (c *diagCovar) update(par *Params, ss *suffStats, shift []float64, minCovar float64) int {
	d := par.NFeature
	var nskip int
	for i, p := range ss.post {
		if p < minOccupancy {
			nskip++
			continue
		}
		for j := 0; j < d; j++ {
			par.Covar[i*d+j] = centredVar(ss, shift, i*d+j, p) + minCovar
		}
	}
	return nskip
}

func (c *diagCovar) nfree(nstate, nmix, nfeature int) int {
	return nstate * nmix * nfeature
}

// tiedCovar is one full covariance matrix per state, shared by the
// state's mixture components.
type tiedCovar struct {
	nmix, d int
	chol    []blas64.Triangular
	lnorm   []float64
}

func (c *tiedCovar) prepare(par *Params, reg float64) (int, error) {
	c.nmix, c.d = par.NMix, par.NFeature
	dd := c.d * c.d
	c.chol = make([]blas64.Triangular, par.NState)
	c.lnorm = make([]float64, par.NState)

	var nreg int
	for st := 0; st < par.NState; st++ {
		l, logdet, fixed, err := factorize(par.Covar[st*dd:(st+1)*dd], c.d, reg)
		if err != nil {
			return nreg, fmt.Errorf("state %d: %w", st, err)
		}
		if fixed {
			nreg++
		}
		c.chol[st] = l
		c.lnorm[st] = -0.5 * (float64(c.d)*log2Pi + logdet)
	}

	return nreg, nil
}

func (c *tiedCovar) logNormal(st, m int, u []float64) float64 {
	return c.lnorm[st] - 0.5*mahalanobisChol(c.chol[st], u)
}

func (c *tiedCovar) transform(st, m int, z, dst []float64) {
	lowerMulVec(c.chol[st], z, dst)
}

func (c *tiedCovar) fullMoments() bool { return true }

func (c *tiedCovar) update(par *Params, ss *suffStats, shift []float64, minCovar float64) int {
	d := par.NFeature
	dd := d * d
	cv := make([]float64, dd)
	var nskip int
	for st := 0; st < par.NState; st++ {
		zero(cv)
		var pt float64
		for m := 0; m < par.NMix; m++ {
			i := st*par.NMix + m
			p := ss.post[i]
			if p < minOccupancy {
				continue
			}
			addCentredScatter(cv, ss, shift, i, d, p)
			pt += p
		}
		if pt < minOccupancy {
			nskip += par.NMix
			continue
		}
		floats.Scale(1/pt, cv)
		finishCovar(par.Covar[st*dd:(st+1)*dd], cv, d, minCovar)
	}
	return nskip
}

func (c *tiedCovar) nfree(nstate, nmix, nfeature int) int {
	return nstate * nfeature * (nfeature + 1) / 2
}

// fullCovar is a full covariance matrix per component.
type fullCovar struct {
	nmix, d int
	chol    []blas64.Triangular
	lnorm   []float64
}

func (c *fullCovar) prepare(par *Params, reg float64) (int, error) {
	c.nmix, c.d = par.NMix, par.NFeature
	dd := c.d * c.d
	n := par.NState * par.NMix
	c.chol = make([]blas64.Triangular, n)
	c.lnorm = make([]float64, n)

	var nreg int
	for i := 0; i < n; i++ {
		l, logdet, fixed, err := factorize(par.Covar[i*dd:(i+1)*dd], c.d, reg)
		if err != nil {
			return nreg, fmt.Errorf("state %d mixture %d: %w", i/c.nmix, i%c.nmix, err)
		}
		if fixed {
			nreg++
		}
		c.chol[i] = l
		c.lnorm[i] = -0.5 * (float64(c.d)*log2Pi + logdet)
	}

	return nreg, nil
}

func (c *fullCovar) logNormal(st, m int, u []float64) float64 {
	i := st*c.nmix + m
	return c.lnorm[i] - 0.5*mahalanobisChol(c.chol[i], u)
}

func (c *fullCovar) transform(st, m int, z, dst []float64) {
	lowerMulVec(c.chol[st*c.nmix+m], z, dst)
}

func (c *fullCovar) fullMoments() bool { return true }

func (c *fullCovar) update(par *Params, ss *suffStats, shift []float64, minCovar float64) int {
	d := par.NFeature
	dd := d * d
	cv := make([]float64, dd)
	var nskip int
	for i, p := range ss.post {
		if p < minOccupancy {
			nskip++
			continue
		}
		zero(cv)
		addCentredScatter(cv, ss, shift, i, d, p)
		floats.Scale(1/p, cv)
		finishCovar(par.Covar[i*dd:(i+1)*dd], cv, d, minCovar)
	}
	return nskip
}

func (c *fullCovar) nfree(nstate, nmix, nfeature int) int {
	return nstate * nmix * nfeature * (nfeature + 1) / 2
}

// factorize returns the lower Cholesky factor and log determinant of the
// d x d matrix c.  If c is not positive definite and reg > 0, the smallest
// of reg, 10*reg, 100*reg, ... that makes it so is added to the diagonal,
// and c is overwritten with the regularized matrix.
func factorize(c []float64, d int, reg float64) (blas64.Triangular, float64, bool, error) {

	var chol mat.Cholesky
	if allFinite(c) && chol.Factorize(mat.NewSymDense(d, append([]float64(nil), c...))) {
		return lowerFactor(&chol, d), chol.LogDet(), false, nil
	}

	if reg <= 0 || !allFinite(c) {
		return blas64.Triangular{}, 0, false, fmt.Errorf("%w: matrix is not positive definite", ErrDegenerateCovariance)
	}

	wk := make([]float64, len(c))
	r := reg
	for i := 0; i < maxRegSteps; i++ {
		copy(wk, c)
		for j := 0; j < d; j++ {
			wk[j*d+j] += r
		}
		if chol.Factorize(mat.NewSymDense(d, append([]float64(nil), wk...))) {
			copy(c, wk)
			return lowerFactor(&chol, d), chol.LogDet(), true, nil
		}
		r *= 10
	}

	return blas64.Triangular{}, 0, false, fmt.Errorf("%w: not positive definite after adding %g to the diagonal",
		ErrDegenerateCovariance, r/10)
}

func lowerFactor(chol *mat.Cholesky, d int) blas64.Triangular {
	l := mat.NewTriDense(d, mat.Lower, nil)
	chol.LTo(l)
	return l.RawTriangular()
}

// mahalanobisDiag returns sum_j u_j^2 prec_j.
func mahalanobisDiag(u, prec []float64) float64 {
	var q float64
	for j, v := range u {
		q += v * v * prec[j]
	}
	return q
}

// mahalanobisChol returns |L^-1 u|^2, overwriting u with L^-1 u.
func mahalanobisChol(l blas64.Triangular, u []float64) float64 {
	for i := 0; i < l.N; i++ {
		row := l.Data[i*l.Stride : i*l.Stride+i]
		u[i] = (u[i] - floats.Dot(row, u[:i])) / l.Data[i*l.Stride+i]
	}
	return floats.Dot(u, u)
}

// lowerMulVec sets dst = L z.
func lowerMulVec(l blas64.Triangular, z, dst []float64) {
	for i := 0; i < l.N; i++ {
		dst[i] = floats.Dot(l.Data[i*l.Stride:i*l.Stride+i+1], z[:i+1])
	}
}

// centredVar returns the variance of coordinate q around the updated mean,
// from second moments accumulated around the previous mean.
func centredVar(ss *suffStats, shift []float64, q int, p float64) float64 {
	u := ss.obs[q] / p
	e := shift[q]
	return ss.obs2[q]/p - 2*u*e + e*e
}

// addCentredScatter adds p times the covariance of component i around its
// updated mean to cv.
func addCentredScatter(cv []float64, ss *suffStats, shift []float64, i, d int, p float64) {
	dd := d * d
	s2 := ss.obs2[i*dd : (i+1)*dd]
	u := ss.obs[i*d : (i+1)*d]
	e := shift[i*d : (i+1)*d]
	for a := 0; a < d; a++ {
		for b := 0; b < d; b++ {
			// u is p times the mean offset.
			cv[a*d+b] += s2[a*d+b] - u[a]*e[b] - e[a]*u[b] + p*e[a]*e[b]
		}
	}
}

// finishCovar writes the symmetrized cv plus minCovar on the diagonal to dst.
func finishCovar(dst, cv []float64, d int, minCovar float64) {
	for a := 0; a < d; a++ {
		for b := a; b < d; b++ {
			v := (cv[a*d+b] + cv[b*d+a]) / 2
			if a == b {
				v += minCovar
			}
			dst[a*d+b] = v
			dst[b*d+a] = v
		}
	}
}
