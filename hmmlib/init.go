package hmmlib

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/golang/glog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	// Maximum number of Lloyd iterations in k-means
	kmeansIter = 100

	// Relative size of the perturbation applied to component means that
	// share a cluster centre
	jitterScale = 1e-2
)

// Initialize sets starting values for the parameter groups in InitParams
// from the observations.  If the model has no parameters, every group is
// initialized.  Means come from k-means++ clustering, first into NState
// clusters and then into NMix clusters within each state.  Covariances are
// the empirical covariance of all observations plus MinCovar on the
// diagonal.  The start, transition and mixture weight probabilities are
// uniform.
func (m *Model) Initialize(X [][]float64, lengths []int) error {

	if err := m.Check(); err != nil {
		return err
	}

	var nfeature int
	if m.Par != nil {
		nfeature = m.Par.NFeature
	}
	if _, err := splitSequences(X, lengths, nfeature); err != nil {
		return err
	}

	par, err := m.initParams(X, m.Par)
	if err != nil {
		return err
	}
	m.Par = par

	return nil
}

// initParams returns a copy of prev with the groups in InitParams set from
// X.  The observations must already be validated.
func (m *Model) initParams(X [][]float64, prev *Params) (*Params, error) {

	k, nmix := m.NState, m.NMix
	if len(X) < k {
		return nil, fmt.Errorf("%w: %d observations cannot initialize %d states", ErrShape, len(X), k)
	}
	d := len(X[0])

	var par *Params
	groups := m.InitParams
	if prev == nil {
		par = NewParams(k, nmix, d, m.CovarType)
		groups = AllParams
	} else {
		par = prev.Clone()
	}
	glog.V(2).Infof("initializing parameter groups %q", groups.String())

	if groups.Has(ParamStart) {
		for st := range par.Init {
			par.Init[st] = 1 / float64(k)
		}
	}
	if groups.Has(ParamTrans) {
		for j := range par.Trans {
			par.Trans[j] = 1 / float64(k)
		}
	}
	if groups.Has(ParamWeights) {
		for j := range par.Weights {
			par.Weights[j] = 1 / float64(nmix)
		}
	}

	var cv []float64
	if groups.Has(ParamMeans) || groups.Has(ParamCovars) {
		cv = empiricalCovar(X, m.MinCovar)
	}

	if groups.Has(ParamMeans) {
		rng := m.rng()
		centres, labels := kmeans(X, k, rng)
		members := make([][][]float64, k)
		for i, c := range labels {
			members[c] = append(members[c], X[i])
		}

		for st := 0; st < k; st++ {
			var sub [][]float64
			if len(members[st]) >= nmix {
				sub, _ = kmeans(members[st], nmix, rng)
			} else {
				// Too few points, perturb copies of the state centre.
				sub = makeFloatArray(nmix, d)
				for c := range sub {
					copy(sub[c], centres[st])
					if c == 0 {
						continue
					}
					for j := range sub[c] {
						sub[c][j] += jitterScale * math.Sqrt(cv[j*d+j]) * rng.NormFloat64()
					}
				}
			}
			for c := 0; c < nmix; c++ {
				copy(par.MeanOf(st, c), sub[c])
			}
		}
	}

	if groups.Has(ParamCovars) {
		setCovars(par, cv)
	}

	return par, nil
}

// empiricalCovar returns the D x D covariance of the rows of X with reg
// added to the diagonal.  With fewer than two rows the identity is used.
func empiricalCovar(X [][]float64, reg float64) []float64 {

	n, d := len(X), len(X[0])
	cv := make([]float64, d*d)
	if n < 2 {
		for j := 0; j < d; j++ {
			cv[j*d+j] = 1 + reg
		}
		return cv
	}

	data := mat.NewDense(n, d, nil)
	for i, x := range X {
		data.SetRow(i, x)
	}
	var cm mat.SymDense
	stat.CovarianceMatrix(&cm, data, nil)

	for a := 0; a < d; a++ {
		for b := 0; b < d; b++ {
			cv[a*d+b] = cm.At(a, b)
		}
		cv[a*d+a] += reg
	}

	return cv
}

// setCovars copies the D x D matrix cv into every covariance of par,
// reduced to the covariance structure of par.
func setCovars(par *Params, cv []float64) {

	d := par.NFeature
	dd := d * d
	diag := make([]float64, d)
	for j := 0; j < d; j++ {
		diag[j] = cv[j*d+j]
	}

	switch par.CovarType {
	case Spherical:
		v := floats.Sum(diag) / float64(d)
		for i := range par.Covar {
			par.Covar[i] = v
		}
	case Diag:
		for i := 0; i < par.NState*par.NMix; i++ {
			copy(par.Covar[i*d:(i+1)*d], diag)
		}
	case Tied, Full:
		for i := 0; i < len(par.Covar)/dd; i++ {
			copy(par.Covar[i*dd:(i+1)*dd], cv)
		}
	}
}

// kmeans partitions the rows of X into k clusters using k-means++ seeding
// followed by Lloyd iterations.  It returns the cluster centres and the
// cluster label of every row.  X must have at least k rows.
func kmeans(X [][]float64, k int, rng *rand.Rand) ([][]float64, []int) {

	n, d := len(X), len(X[0])
	centres := makeFloatArray(k, d)

	// k-means++ seeding
	dist := make([]float64, n)
	copy(centres[0], X[rng.Intn(n)])
	for i, x := range X {
		dist[i] = floats.Distance(x, centres[0], 2)
		dist[i] *= dist[i]
	}
	for c := 1; c < k; c++ {
		var next int
		if tot := floats.Sum(dist); tot > 0 {
			pr := make([]float64, n)
			floats.ScaleTo(pr, 1/tot, dist)
			next = genDiscrete(pr, rng)
		} else {
			next = rng.Intn(n)
		}
		copy(centres[c], X[next])
		for i, x := range X {
			u := floats.Distance(x, centres[c], 2)
			dist[i] = math.Min(dist[i], u*u)
		}
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	counts := make([]int, k)
	dc := make([]float64, k)

	for iter := 0; iter < kmeansIter; iter++ {

		changed := false
		for i, x := range X {
			for c := range centres {
				dc[c] = floats.Distance(x, centres[c], 2)
			}
			c := floats.MinIdx(dc)
			if c != labels[i] {
				labels[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		// Empty clusters keep their previous centre.
		for c := range counts {
			counts[c] = 0
		}
		sums := makeFloatArray(k, d)
		for i, x := range X {
			floats.Add(sums[labels[i]], x)
			counts[labels[i]]++
		}
		for c := range centres {
			if counts[c] > 0 {
				floats.ScaleTo(centres[c], 1/float64(counts[c]), sums[c])
			}
		}
	}

	return centres, labels
}
