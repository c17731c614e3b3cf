package hmmlib

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Config holds the options of a Gaussian mixture HMM.
type Config struct {

	// Number of hidden states
	NState int

	// Number of mixture components per state
	NMix int

	// The structure of the component covariances
	CovarType CovarianceType

	// The numerical strategy of the forward-backward pass
	Impl Implementation

	// Source of randomness for initialization.  If nil, a source with
	// seed 0 is used.
	Rand *rand.Rand

	// Maximum number of EM iterations
	NIter int

	// Fitting stops when the log-likelihood gain is below Tol
	Tol float64

	// The parameter groups updated by Fit
	Params ParamGroup

	// The parameter groups set by Initialize.  Fit initializes these
	// groups before iterating.
	InitParams ParamGroup

	// Added to the diagonal of every re-estimated covariance
	MinCovar float64

	// Added to the diagonal of a covariance that is not positive definite.
	// If zero, such a covariance is an error.
	CovarReg float64

	// A log-likelihood decrease larger than DivergeTol*max(1, |llf|)
	// stops the fit and restores the best parameters.
	DivergeTol float64

	// Number of sequences processed concurrently.  If not positive,
	// GOMAXPROCS is used.
	Workers int
}

// DefaultConfig returns the default options for a model with the given
// numbers of states and mixture components.
func DefaultConfig(nstate, nmix int) Config {
	return Config{
		NState:     nstate,
		NMix:       nmix,
		CovarType:  Diag,
		Impl:       LogImpl,
		NIter:      10,
		Tol:        1e-2,
		Params:     AllParams,
		InitParams: AllParams,
		MinCovar:   1e-3,
		CovarReg:   1e-6,
		DivergeTol: 1e-6,
	}
}

// Status is the state of the EM fitting procedure.
type Status uint8

// The states of the EM fitting procedure.
const (
	Initializing Status = iota
	Iterating
	Converged
	MaxIterReached
	Diverged
)

func (s Status) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Iterating:
		return "iterating"
	case Converged:
		return "converged"
	case MaxIterReached:
		return "max-iter-reached"
	case Diverged:
		return "diverged"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Warnings counts numerical events that were handled without failing.
type Warnings struct {
	LogLikeDecreased int
	CovarRegularized int
	ScaleUnderflow   int
	EmptyComponent   int
}

// Model is a hidden Markov model with Gaussian mixture emissions.
type Model struct {
	Config

	// The model parameters
	Par *Params

	// The log-likelihood at each iteration of the last call to Fit
	LLF []float64

	// The final state of the last call to Fit
	Status Status

	Warnings Warnings
}

// New returns a Model with the given configuration and no parameters.
func New(cfg Config) *Model {
	return &Model{Config: cfg}
}

func (m *Model) rng() *rand.Rand {
	if m.Rand == nil {
		m.Rand = rand.New(rand.NewSource(0))
	}
	return m.Rand
}

func (m *Model) workers() int {
	if m.Workers > 0 {
		return m.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Check validates the configuration and, if present, the parameters.
func (m *Model) Check() error {

	var result *multierror.Error

	if m.NState < 1 {
		result = multierror.Append(result, configErr("n_components must be positive, got %d", m.NState))
	}
	if m.NMix < 1 {
		result = multierror.Append(result, configErr("n_mix must be positive, got %d", m.NMix))
	}
	if !m.CovarType.Valid() {
		result = multierror.Append(result, configErr("unknown covariance type %v", m.CovarType))
	}
	if _, err := newEngine(m.Impl); err != nil {
		result = multierror.Append(result, err)
	}
	if m.NIter < 0 || m.Tol < 0 || m.MinCovar < 0 || m.CovarReg < 0 || m.DivergeTol < 0 {
		result = multierror.Append(result, configErr("n_iter, tol, min_covar, covar_reg and diverge_tol must not be negative"))
	}

	if m.Par != nil {
		if m.Par.NState != m.NState || m.Par.NMix != m.NMix || m.Par.CovarType != m.CovarType {
			result = multierror.Append(result, configErr("parameters (%d states, %d mixtures, %v) do not match the configuration (%d, %d, %v)",
				m.Par.NState, m.Par.NMix, m.Par.CovarType, m.NState, m.NMix, m.CovarType))
		}
		if err := Check(m.Par); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// prepare validates the model and the observations, and returns the
// sequences together with an emission model built on a copy of the
// parameters.
func (m *Model) prepare(X [][]float64, lengths []int) ([][][]float64, *Emission, error) {

	if m.Par == nil {
		return nil, nil, configErr("model has no parameters")
	}
	if err := m.Check(); err != nil {
		return nil, nil, err
	}

	seqs, err := splitSequences(X, lengths, m.Par.NFeature)
	if err != nil {
		return nil, nil, err
	}

	em, err := NewEmission(m.Par.Clone(), m.CovarReg)
	if err != nil {
		return nil, nil, err
	}

	return seqs, em, nil
}

// posteriorsAll runs the forward-backward pass on every sequence.
func (m *Model) posteriorsAll(em *Emission, seqs [][][]float64) ([]*Posteriors, error) {

	eng, err := newEngine(m.Impl)
	if err != nil {
		return nil, err
	}

	posts := make([]*Posteriors, len(seqs))
	var g errgroup.Group
	g.SetLimit(m.workers())
	for i, seq := range seqs {
		i, seq := i, seq
		g.Go(func() error {
			post, _, err := forwardBackward(eng, em, seq)
			if err != nil {
				return fmt.Errorf("sequence %d: %w", i, err)
			}
			posts[i] = post
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return posts, nil
}

// Posteriors returns the forward-backward results for a single sequence.
func (m *Model) Posteriors(seq [][]float64) (*Posteriors, error) {

	seqs, em, err := m.prepare(seq, nil)
	if err != nil {
		return nil, err
	}

	posts, err := m.posteriorsAll(em, seqs)
	if err != nil {
		return nil, err
	}

	return posts[0], nil
}

// ScoreSamples returns the total log-likelihood of the sequences and the
// posterior state probabilities of every row of X.
func (m *Model) ScoreSamples(X [][]float64, lengths []int) (float64, [][]float64, error) {

	seqs, em, err := m.prepare(X, lengths)
	if err != nil {
		return 0, nil, err
	}

	posts, err := m.posteriorsAll(em, seqs)
	if err != nil {
		return 0, nil, err
	}

	var llf float64
	gamma := makeFloatArray(len(X), m.NState)
	var row int
	for _, post := range posts {
		llf += post.LogLik
		for t := 0; t < post.T; t++ {
			copy(gamma[row], post.GammaRow(t))
			row++
		}
	}

	return llf, gamma, nil
}

// Score returns the total log-likelihood of the sequences.
func (m *Model) Score(X [][]float64, lengths []int) (float64, error) {
	llf, _, err := m.ScoreSamples(X, lengths)
	return llf, err
}

// PredictProba returns the posterior state probabilities of every row of X.
func (m *Model) PredictProba(X [][]float64, lengths []int) ([][]float64, error) {
	_, gamma, err := m.ScoreSamples(X, lengths)
	return gamma, err
}

// Decode uses the Viterbi algorithm to find the most likely state
// sequence.  The algorithm is run separately for each sequence; the
// returned log probability is the sum over sequences.
func (m *Model) Decode(X [][]float64, lengths []int) (float64, []int, error) {

	seqs, em, err := m.prepare(X, lengths)
	if err != nil {
		return 0, nil, err
	}

	k, nmix := m.Par.NState, m.Par.NMix
	lprs := make([]float64, len(seqs))
	paths := make([][]int, len(seqs))

	var g errgroup.Group
	g.SetLimit(m.workers())
	for i, seq := range seqs {
		i, seq := i, seq
		g.Go(func() error {
			logB := make([]float64, len(seq)*k)
			em.frameProbs(seq, logB, make([]float64, len(seq)*k*nmix))
			lprs[i], paths[i] = viterbi(em.par, logB)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	var lpr float64
	states := make([]int, 0, len(X))
	for i := range seqs {
		lpr += lprs[i]
		states = append(states, paths[i]...)
	}

	return lpr, states, nil
}

// Predict returns the most likely state sequence.
func (m *Model) Predict(X [][]float64, lengths []int) ([]int, error) {
	_, states, err := m.Decode(X, lengths)
	return states, err
}

// Sample generates n observations and their hidden states from the model.
// If rng is nil the model's random source is used.
func (m *Model) Sample(n int, rng *rand.Rand) ([][]float64, []int, error) {
	if m.Par == nil {
		return nil, nil, configErr("model has no parameters")
	}
	if rng == nil {
		rng = m.rng()
	}
	return Sample(m.Par, n, rng)
}

// NumFreeParams returns the number of free scalar parameters in the groups
// that Fit updates.
func (m *Model) NumFreeParams() int {

	k, nmix := m.NState, m.NMix
	d := 0
	if m.Par != nil {
		d = m.Par.NFeature
	}

	var df int
	if m.Params.Has(ParamStart) {
		df += k - 1
	}
	if m.Params.Has(ParamTrans) {
		df += k * (k - 1)
	}
	if m.Params.Has(ParamWeights) {
		df += k * (nmix - 1)
	}
	if m.Params.Has(ParamMeans) {
		df += k * nmix * d
	}
	if m.Params.Has(ParamCovars) {
		if cov, err := newCovarModel(m.CovarType); err == nil {
			df += cov.nfree(k, nmix, d)
		}
	}

	return df
}

// AIC returns the Akaike information criterion of the model for X.
func (m *Model) AIC(X [][]float64, lengths []int) (float64, error) {
	llf, err := m.Score(X, lengths)
	if err != nil {
		return 0, err
	}
	return -2*llf + 2*float64(m.NumFreeParams()), nil
}

// BIC returns the Bayesian information criterion of the model for X.
func (m *Model) BIC(X [][]float64, lengths []int) (float64, error) {
	llf, err := m.Score(X, lengths)
	if err != nil {
		return 0, err
	}
	return -2*llf + float64(m.NumFreeParams())*math.Log(float64(len(X))), nil
}
