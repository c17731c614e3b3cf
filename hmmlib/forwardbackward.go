package hmmlib

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrZeroLikelihood reports a sequence that has probability zero under
	// the model, e.g. because of zeros in the start or transition
	// probabilities.
	ErrZeroLikelihood = errors.New("hmmlib: sequence has zero likelihood")

	// errScaleUnderflow reports a vanishing scale factor in the scaled
	// forward pass.
	errScaleUnderflow = errors.New("hmmlib: scale factor underflow")
)

// Posteriors holds the results of the forward-backward pass for one
// sequence of length T.
type Posteriors struct {

	// Number of time points
	T int

	// Number of states
	K int

	// Number of mixture components per state
	M int

	// The log-likelihood of the sequence
	LogLik float64

	// Gamma[t*K+k] is the posterior probability of state k at time t
	Gamma []float64

	// XiSum[j*K+k] is the expected number of transitions from j to k
	XiSum []float64

	// LogB[t*K+k] is the emission log density of state k at time t
	LogB []float64

	// Resp[(t*K+k)*M+m] is the posterior probability of mixture component m
	// given state k and the observation at time t
	Resp []float64

	// Forward and backward quantities, in the representation of the engine
	// that produced them
	fwd, bwd []float64

	// Scale factors (scaled engine only)
	scale []float64

	// Emission densities shifted by their row maximum (scaled engine only)
	bhat []float64

	// Log transition matrix (log engine only)
	logTrans []float64

	eng posteriorEngine
}

func newPosteriors(T, k, m int) *Posteriors {
	return &Posteriors{
		T:     T,
		K:     k,
		M:     m,
		Gamma: make([]float64, T*k),
		XiSum: make([]float64, k*k),
		LogB:  make([]float64, T*k),
		Resp:  make([]float64, T*k*m),
		fwd:   make([]float64, T*k),
		bwd:   make([]float64, T*k),
	}
}

// GammaRow returns the state posteriors at time t.
func (post *Posteriors) GammaRow(t int) []float64 {
	return post.Gamma[t*post.K : (t+1)*post.K]
}

// Xi writes the joint posterior of the states at times t and t+1 into
// dst (K x K), where dst[j*K+k] is the probability of state j at t and
// state k at t+1.
func (post *Posteriors) Xi(par *Params, t int, dst []float64) {
	post.eng.xi(par, post, t, dst)
}

// posteriorEngine is a numerical strategy for the forward-backward
// recursions.
type posteriorEngine interface {

	// computePosteriors fills LogLik, Gamma and the forward/backward
	// quantities of post from par and post.LogB.
	computePosteriors(par *Params, post *Posteriors) error

	// xi writes the K x K joint posterior of times t and t+1 into dst.
	xi(par *Params, post *Posteriors, t int, dst []float64)
}

func newEngine(im Implementation) (posteriorEngine, error) {
	switch im {
	case LogImpl:
		return logEngine{}, nil
	case ScalingImpl:
		return scaledEngine{}, nil
	default:
		return nil, configErr("unknown implementation %v", im)
	}
}

// forwardBackward computes the posteriors of one sequence with the given
// engine.  If the scaled engine underflows, the sequence is recomputed in
// the log domain and underflow is returned as true.
func forwardBackward(eng posteriorEngine, em *Emission, seq [][]float64) (*Posteriors, bool, error) {

	par := em.par
	post := newPosteriors(len(seq), par.NState, par.NMix)
	em.frameProbs(seq, post.LogB, post.Resp)

	underflow := false
	err := runEngine(eng, par, post)
	if errors.Is(err, errScaleUnderflow) {
		underflow = true
		err = runEngine(logEngine{}, par, post)
	}
	if err != nil {
		return nil, underflow, err
	}

	return post, underflow, nil
}

func runEngine(eng posteriorEngine, par *Params, post *Posteriors) error {

	post.eng = eng
	if err := eng.computePosteriors(par, post); err != nil {
		return err
	}

	k := post.K
	for t := 0; t < post.T; t++ {
		normalizeSum(post.Gamma[t*k:(t+1)*k], 1/float64(k))
	}

	zero(post.XiSum)
	wk := make([]float64, k*k)
	for t := 0; t < post.T-1; t++ {
		eng.xi(par, post, t, wk)
		floats.Add(post.XiSum, wk)
	}

	return nil
}

// logEngine runs the recursions on log probabilities.
type logEngine struct{}

func (logEngine) computePosteriors(par *Params, post *Posteriors) error {

	k := par.NState
	T := post.T
	fwd, bwd, logB := post.fwd, post.bwd, post.LogB

	lt := make([]float64, k*k)
	for j, v := range par.Trans {
		lt[j] = math.Log(v)
	}
	post.logTrans = lt
	wk := make([]float64, k)

	// Forward sweep
	for st := 0; st < k; st++ {
		fwd[st] = math.Log(par.Init[st]) + logB[st]
	}
	for t := 1; t < T; t++ {
		j0, j1 := (t-1)*k, t*k
		for st2 := 0; st2 < k; st2++ {
			for st1 := 0; st1 < k; st1++ {
				wk[st1] = fwd[j0+st1] + lt[st1*k+st2]
			}
			fwd[j1+st2] = floats.LogSumExp(wk) + logB[j1+st2]
		}
	}

	llf := floats.LogSumExp(fwd[(T-1)*k : T*k])
	if math.IsInf(llf, 0) || math.IsNaN(llf) {
		return fmt.Errorf("%w: log-likelihood is %g", ErrZeroLikelihood, llf)
	}
	post.LogLik = llf

	// Backward sweep
	zero(bwd[(T-1)*k : T*k])
	for t := T - 2; t >= 0; t-- {
		j0, j1 := t*k, (t+1)*k
		for st1 := 0; st1 < k; st1++ {
			for st2 := 0; st2 < k; st2++ {
				wk[st2] = lt[st1*k+st2] + logB[j1+st2] + bwd[j1+st2]
			}
			bwd[j0+st1] = floats.LogSumExp(wk)
		}
	}

	for j := range post.Gamma {
		post.Gamma[j] = math.Exp(fwd[j] + bwd[j] - llf)
	}

	return nil
}

func (logEngine) xi(par *Params, post *Posteriors, t int, dst []float64) {
	k := par.NState
	j0, j1 := t*k, (t+1)*k
	for st1 := 0; st1 < k; st1++ {
		for st2 := 0; st2 < k; st2++ {
			v := post.fwd[j0+st1] + post.logTrans[st1*k+st2] + post.LogB[j1+st2] + post.bwd[j1+st2] - post.LogLik
			dst[st1*k+st2] = math.Exp(v)
		}
	}
}

// scaledEngine runs the recursions on probabilities, rescaling the forward
// variables to sum to 1 at every time point.
type scaledEngine struct{}

func (scaledEngine) computePosteriors(par *Params, post *Posteriors) error {

	k := par.NState
	T := post.T
	fwd, bwd := post.fwd, post.bwd

	// Shift each row of emission densities so that its maximum is 1.
	bhat := make([]float64, T*k)
	scale := make([]float64, T)
	var llf float64
	for t := 0; t < T; t++ {
		row := post.LogB[t*k : (t+1)*k]
		mx := floats.Max(row)
		if math.IsInf(mx, 0) || math.IsNaN(mx) {
			return fmt.Errorf("%w: emission log density is %g at time %d", ErrZeroLikelihood, mx, t)
		}
		llf += mx
		for st, v := range row {
			bhat[t*k+st] = math.Exp(v - mx)
		}
	}
	post.bhat = bhat
	post.scale = scale

	// Forward sweep
	floats.MulTo(fwd[0:k], par.Init, bhat[0:k])
	for t := 0; t < T; t++ {
		j1 := t * k
		if t > 0 {
			j0 := (t - 1) * k
			for st2 := 0; st2 < k; st2++ {
				var u float64
				for st1 := 0; st1 < k; st1++ {
					u += fwd[j0+st1] * par.Trans[st1*k+st2]
				}
				fwd[j1+st2] = u * bhat[j1+st2]
			}
		}
		c := floats.Sum(fwd[j1 : j1+k])
		if !(c > 0) || math.IsInf(c, 0) {
			return errScaleUnderflow
		}
		floats.Scale(1/c, fwd[j1:j1+k])
		scale[t] = c
		llf += math.Log(c)
	}
	post.LogLik = llf

	// Backward sweep
	for st := 0; st < k; st++ {
		bwd[(T-1)*k+st] = 1
	}
	for t := T - 2; t >= 0; t-- {
		j0, j1 := t*k, (t+1)*k
		for st1 := 0; st1 < k; st1++ {
			var u float64
			for st2 := 0; st2 < k; st2++ {
				u += par.Trans[st1*k+st2] * bhat[j1+st2] * bwd[j1+st2]
			}
			bwd[j0+st1] = u / scale[t+1]
			if math.IsInf(bwd[j0+st1], 0) || math.IsNaN(bwd[j0+st1]) {
				return errScaleUnderflow
			}
		}
	}

	floats.MulTo(post.Gamma, fwd, bwd)
	if !allFinite(post.Gamma) {
		return errScaleUnderflow
	}

	return nil
}

func (scaledEngine) xi(par *Params, post *Posteriors, t int, dst []float64) {
	k := par.NState
	j0, j1 := t*k, (t+1)*k
	c := post.scale[t+1]
	for st1 := 0; st1 < k; st1++ {
		for st2 := 0; st2 < k; st2++ {
			dst[st1*k+st2] = post.fwd[j0+st1] * par.Trans[st1*k+st2] * post.bhat[j1+st2] * post.bwd[j1+st2] / c
		}
	}
}
