package hmmlib

import (
	"fmt"
	"math"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
)

// Fit estimates the model parameters from the observations using the EM
// (Baum-Welch) algorithm.  The parameter groups in InitParams are set by
// Initialize before iterating (all groups if the model has no parameters);
// the groups in Params are updated.  On success m.Par, m.LLF, m.Status and
// m.Warnings are replaced.  If an error is returned, m.Par is unchanged.
func (m *Model) Fit(X [][]float64, lengths []int) error {

	if err := m.Check(); err != nil {
		return err
	}

	var nfeature int
	if m.Par != nil {
		nfeature = m.Par.NFeature
	}
	seqs, err := splitSequences(X, lengths, nfeature)
	if err != nil {
		return err
	}

	eng, err := newEngine(m.Impl)
	if err != nil {
		return err
	}
	cov, err := newCovarModel(m.CovarType)
	if err != nil {
		return err
	}

	var par *Params
	if m.Par == nil || m.InitParams != 0 {
		par, err = m.initParams(X, m.Par)
		if err != nil {
			return err
		}
	} else {
		par = m.Par.Clone()
	}

	glog.Infof("fitting %d states, %d mixtures, %v covariance to %d sequences (%d rows)",
		m.NState, m.NMix, m.CovarType, len(seqs), len(X))

	var warn Warnings
	var llfs []float64
	status := Iterating
	best := par.Clone()
	bestLLF := math.Inf(-1)

	for iter := 0; iter < m.NIter; iter++ {

		glog.V(2).Infof("iteration %d: building emission model", iter)
		em, err := NewEmission(par, m.CovarReg)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", iter, err)
		}
		if n := em.Regularized(); n > 0 {
			warn.CovarRegularized += n
			glog.Warningf("iteration %d: regularized %d covariances", iter, n)
		}

		glog.V(2).Infof("iteration %d: forward-backward", iter)
		ss, err := m.estep(eng, em, seqs, cov.fullMoments())
		if err != nil {
			return fmt.Errorf("iteration %d: %w", iter, err)
		}
		if ss.underflow > 0 {
			warn.ScaleUnderflow += ss.underflow
			glog.Warningf("iteration %d: %d sequences underflowed and were rescored in the log domain", iter, ss.underflow)
		}

		llf := ss.llf
		llfs = append(llfs, llf)
		glog.V(1).Infof("llf=%f", llf)

		if iter > 0 {
			prev := llfs[iter-1]
			if llf < prev {
				warn.LogLikeDecreased++
				glog.Warningf("log-likelihood decreased by %g at iteration %d", prev-llf, iter)
				if llf < prev-m.DivergeTol*math.Max(1, math.Abs(prev)) {
					status = Diverged
					par = best
					break
				}
			}
		}
		if llf > bestLLF {
			bestLLF = llf
			best = par.Clone()
		}

		glog.V(2).Infof("iteration %d: updating parameters", iter)
		m.mstep(par, cov, ss, &warn)

		if iter > 0 && llf-llfs[iter-1] < m.Tol {
			glog.Infof("converged at iteration %d", iter)
			status = Converged
			break
		}
	}
	if status == Iterating {
		status = MaxIterReached
	}

	// The last M-step may have left a covariance that is not positive
	// definite.
	em, err := NewEmission(par, m.CovarReg)
	if err != nil {
		return fmt.Errorf("final parameters: %w", err)
	}
	warn.CovarRegularized += em.Regularized()

	m.Par = par
	m.LLF = llfs
	m.Status = status
	m.Warnings = warn
	glog.Infof("fit finished: %v, %+v", status, warn)

	return nil
}

// estep runs the forward-backward pass on every sequence and returns the
// summed sufficient statistics.
func (m *Model) estep(eng posteriorEngine, em *Emission, seqs [][][]float64, fullMoments bool) (*suffStats, error) {

	stats := make([]*suffStats, len(seqs))

	var g errgroup.Group
	g.SetLimit(m.workers())
	for i, seq := range seqs {
		i, seq := i, seq
		g.Go(func() error {
			post, underflow, err := forwardBackward(eng, em, seq)
			if err != nil {
				return fmt.Errorf("sequence %d: %w", i, err)
			}
			ss := newSuffStats(em.par, fullMoments)
			ss.accumulate(em.par, seq, post, fullMoments)
			if underflow {
				ss.underflow = 1
			}
			stats[i] = ss
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Sum in sequence order so the result does not depend on scheduling.
	total := newSuffStats(em.par, fullMoments)
	for _, ss := range stats {
		total.add(ss)
	}

	return total, nil
}

// mstep updates the parameter groups in m.Params from the statistics.
func (m *Model) mstep(par *Params, cov covarModel, ss *suffStats, warn *Warnings) {

	k, nmix, d := par.NState, par.NMix, par.NFeature

	if m.Params.Has(ParamStart) {
		if !normalizeOrKeep(ss.start, par.Init) {
			glog.Warning("no posterior mass on the initial states, keeping startprob")
		}
		copy(par.Init, ss.start)
	}

	if m.Params.Has(ParamTrans) {
		for st := 0; st < k; st++ {
			row := ss.trans[st*k : (st+1)*k]
			normalizeOrKeep(row, par.TransRow(st))
			copy(par.TransRow(st), row)
		}
	}

	if m.Params.Has(ParamWeights) {
		w := make([]float64, nmix)
		for st := 0; st < k; st++ {
			copy(w, ss.post[st*nmix:(st+1)*nmix])
			normalizeOrKeep(w, par.WeightRow(st))
			copy(par.WeightRow(st), w)
		}
	}

	// shift is the change in each mean, used to recentre the second moments.
	shift := make([]float64, k*nmix*d)
	var nempty int
	for i, p := range ss.post {
		if p < minOccupancy {
			nempty++
			continue
		}
		if !m.Params.Has(ParamMeans) {
			continue
		}
		for j := 0; j < d; j++ {
			e := ss.obs[i*d+j] / p
			shift[i*d+j] = e
			par.Mean[i*d+j] += e
		}
	}
	if nempty > 0 {
		warn.EmptyComponent += nempty
		glog.Warningf("%d mixture components have no posterior mass and keep their parameters", nempty)
	}

	if m.Params.Has(ParamCovars) {
		if n := cov.update(par, ss, shift, m.MinCovar); n > 0 {
			glog.V(2).Infof("kept %d covariances", n)
		}
	}
}
