package hmmlib

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// Tolerance used when checking that probability vectors sum to 1.
	probTol = 1e-6

	// Tolerance used when checking that covariance matrices are symmetric.
	symTol = 1e-8
)

var (
	// ErrConfiguration is wrapped by every error that reports an invalid
	// parameter set, option or input shape.
	ErrConfiguration = errors.New("hmmlib: configuration error")

	// ErrShape reports observations that do not match the model.
	ErrShape = fmt.Errorf("%w: observation shape", ErrConfiguration)

	// ErrDegenerateCovariance reports a covariance that cannot be factorized
	// and was not regularized.
	ErrDegenerateCovariance = errors.New("hmmlib: degenerate covariance")
)

// CovarianceType indicates how the covariance of each mixture component is
// structured.
type CovarianceType uint8

// Spherical, etc. are the available covariance structures.
const (
	Spherical CovarianceType = iota
	Diag
	Tied
	Full
)

var covarNames = []string{"spherical", "diag", "tied", "full"}

func (c CovarianceType) String() string {
	if int(c) < len(covarNames) {
		return covarNames[c]
	}
	return fmt.Sprintf("CovarianceType(%d)", uint8(c))
}

// Valid reports whether c is one of the known covariance structures.
func (c CovarianceType) Valid() bool {
	return int(c) < len(covarNames)
}

// ParseCovarianceType converts a name such as "diag" to a CovarianceType.
func ParseCovarianceType(s string) (CovarianceType, error) {
	for i, name := range covarNames {
		if s == name {
			return CovarianceType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown covariance type %q", ErrConfiguration, s)
}

// Implementation selects the numerical strategy of the forward-backward pass.
type Implementation uint8

// LogImpl works with log probabilities, ScalingImpl with per-step scale factors.
const (
	LogImpl Implementation = iota
	ScalingImpl
)

func (im Implementation) String() string {
	switch im {
	case LogImpl:
		return "log"
	case ScalingImpl:
		return "scaling"
	default:
		return fmt.Sprintf("Implementation(%d)", uint8(im))
	}
}

// ParseImplementation converts "log" or "scaling" to an Implementation.
func ParseImplementation(s string) (Implementation, error) {
	switch s {
	case "log":
		return LogImpl, nil
	case "scaling":
		return ScalingImpl, nil
	default:
		return 0, fmt.Errorf("%w: unknown implementation %q", ErrConfiguration, s)
	}
}

// ParamGroup is a set of parameter groups, used to select what is
// initialized and what is updated during fitting.
type ParamGroup uint8

// The parameter groups.
const (
	ParamStart ParamGroup = 1 << iota
	ParamTrans
	ParamWeights
	ParamMeans
	ParamCovars

	AllParams = ParamStart | ParamTrans | ParamWeights | ParamMeans | ParamCovars
)

var paramLetters = []struct {
	c rune
	g ParamGroup
}{
	{'s', ParamStart},
	{'t', ParamTrans},
	{'w', ParamWeights},
	{'m', ParamMeans},
	{'c', ParamCovars},
}

// ParseParamGroup reads a set of parameter groups from letters: s (start),
// t (trans), w (weights), m (means), c (covars).  The empty string is the
// empty set.
func ParseParamGroup(s string) (ParamGroup, error) {
	var g ParamGroup
outer:
	for _, c := range s {
		for _, pl := range paramLetters {
			if c == pl.c {
				g |= pl.g
				continue outer
			}
		}
		return 0, fmt.Errorf("%w: unknown parameter letter %q in %q", ErrConfiguration, c, s)
	}
	return g, nil
}

// Has reports whether every group in h is present in g.
func (g ParamGroup) Has(h ParamGroup) bool {
	return g&h == h
}

func (g ParamGroup) String() string {
	var b strings.Builder
	for _, pl := range paramLetters {
		if g.Has(pl.g) {
			b.WriteRune(pl.c)
		}
	}
	return b.String()
}

// Params holds the parameters of a Gaussian mixture HMM.  All arrays are
// packed row-major.
type Params struct {

	// Number of hidden states
	NState int

	// Number of mixture components per state
	NMix int

	// Dimension of each observation
	NFeature int

	// The structure of the component covariances
	CovarType CovarianceType

	// The initial state distribution, NState
	Init []float64

	// The transition probability matrix, NState x NState
	Trans []float64

	// The mixture weights, NState x NMix
	Weights []float64

	// The component means, NState x NMix x NFeature
	Mean []float64

	// The component covariances.  The layout depends on CovarType:
	// spherical NState x NMix, diag NState x NMix x NFeature,
	// tied NState x NFeature x NFeature, full NState x NMix x NFeature x NFeature.
	Covar []float64
}

// NewParams allocates a zero parameter set of the given size.
func NewParams(nstate, nmix, nfeature int, ct CovarianceType) *Params {
	return &Params{
		NState:    nstate,
		NMix:      nmix,
		NFeature:  nfeature,
		CovarType: ct,
		Init:      make([]float64, nstate),
		Trans:     make([]float64, nstate*nstate),
		Weights:   make([]float64, nstate*nmix),
		Mean:      make([]float64, nstate*nmix*nfeature),
		Covar:     make([]float64, CovarLen(ct, nstate, nmix, nfeature)),
	}
}

// CovarLen returns the length of the packed covariance array.
func CovarLen(ct CovarianceType, nstate, nmix, nfeature int) int {
	switch ct {
	case Spherical:
		return nstate * nmix
	case Diag:
		return nstate * nmix * nfeature
	case Tied:
		return nstate * nfeature * nfeature
	case Full:
		return nstate * nmix * nfeature * nfeature
	default:
		return -1
	}
}

// Clone returns a deep copy of par.
func (par *Params) Clone() *Params {
	c := *par
	c.Init = append([]float64(nil), par.Init...)
	c.Trans = append([]float64(nil), par.Trans...)
	c.Weights = append([]float64(nil), par.Weights...)
	c.Mean = append([]float64(nil), par.Mean...)
	c.Covar = append([]float64(nil), par.Covar...)
	return &c
}

// TransRow returns row st of the transition matrix.
func (par *Params) TransRow(st int) []float64 {
	return par.Trans[st*par.NState : (st+1)*par.NState]
}

// WeightRow returns the mixture weights of state st.
func (par *Params) WeightRow(st int) []float64 {
	return par.Weights[st*par.NMix : (st+1)*par.NMix]
}

// MeanOf returns the mean vector of component m of state st.
func (par *Params) MeanOf(st, m int) []float64 {
	i := (st*par.NMix + m) * par.NFeature
	return par.Mean[i : i+par.NFeature]
}

// FullCovar returns the NFeature x NFeature covariance matrix of component
// m of state st, expanded from whatever structure is stored.
func (par *Params) FullCovar(st, m int) []float64 {
	d := par.NFeature
	out := make([]float64, d*d)
	switch par.CovarType {
	case Spherical:
		v := par.Covar[st*par.NMix+m]
		for i := 0; i < d; i++ {
			out[i*d+i] = v
		}
	case Diag:
		i0 := (st*par.NMix + m) * d
		for i := 0; i < d; i++ {
			out[i*d+i] = par.Covar[i0+i]
		}
	case Tied:
		copy(out, par.Covar[st*d*d:(st+1)*d*d])
	case Full:
		i0 := (st*par.NMix + m) * d * d
		copy(out, par.Covar[i0:i0+d*d])
	}
	return out
}

func configErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConfiguration}, args...)...)
}

// Check confirms that par is a valid parameter set.  All violations are
// reported together; each of them wraps ErrConfiguration.
func Check(par *Params) error {

	if par == nil {
		return configErr("parameters are not set")
	}

	var result *multierror.Error
	add := func(err error) {
		result = multierror.Append(result, err)
	}

	if par.NState < 1 || par.NMix < 1 || par.NFeature < 1 {
		add(configErr("sizes must be positive, got NState=%d NMix=%d NFeature=%d",
			par.NState, par.NMix, par.NFeature))
		return result.ErrorOrNil()
	}
	if !par.CovarType.Valid() {
		add(configErr("unknown covariance type %v", par.CovarType))
	}

	k, m, d := par.NState, par.NMix, par.NFeature

	if len(par.Init) != k {
		add(configErr("startprob has length %d, expected %d", len(par.Init), k))
	} else if err := checkProb("startprob", par.Init); err != nil {
		add(err)
	}

	if len(par.Trans) != k*k {
		add(configErr("transmat has length %d, expected %d", len(par.Trans), k*k))
	} else {
		for st := 0; st < k; st++ {
			if err := checkProb(fmt.Sprintf("transmat row %d", st), par.TransRow(st)); err != nil {
				add(err)
			}
		}
	}

	if len(par.Weights) != k*m {
		add(configErr("weights has length %d, expected %d", len(par.Weights), k*m))
	} else {
		for st := 0; st < k; st++ {
			if err := checkProb(fmt.Sprintf("weights row %d", st), par.WeightRow(st)); err != nil {
				add(err)
			}
		}
	}

	if len(par.Mean) != k*m*d {
		add(configErr("means has length %d, expected %d", len(par.Mean), k*m*d))
	} else if !allFinite(par.Mean) {
		add(configErr("means contain NaN or Inf"))
	}

	if par.CovarType.Valid() {
		if n := CovarLen(par.CovarType, k, m, d); len(par.Covar) != n {
			add(configErr("%v covars have length %d, expected %d", par.CovarType, len(par.Covar), n))
		} else {
			for _, err := range checkCovars(par) {
				add(err)
			}
		}
	}

	return result.ErrorOrNil()
}

func checkProb(name string, x []float64) error {
	for _, v := range x {
		if v < 0 || math.IsNaN(v) {
			return configErr("%s has a negative or NaN entry: %v", name, x)
		}
	}
	if s := floats.Sum(x); math.Abs(s-1) > probTol {
		return configErr("%s sums to %g, not 1", name, s)
	}
	return nil
}

func checkCovars(par *Params) []error {

	var errs []error
	d := par.NFeature

	switch par.CovarType {
	case Spherical, Diag:
		for i, v := range par.Covar {
			if !(v > 0) || math.IsInf(v, 0) {
				errs = append(errs, configErr("%v covars entry %d is not positive: %g", par.CovarType, i, v))
			}
		}
	case Tied, Full:
		nmat := len(par.Covar) / (d * d)
		for q := 0; q < nmat; q++ {
			c := par.Covar[q*d*d : (q+1)*d*d]
			if !allFinite(c) {
				errs = append(errs, configErr("%v covars matrix %d contains NaN or Inf", par.CovarType, q))
				continue
			}
			if !isSymmetric(c, d) {
				errs = append(errs, configErr("%v covars matrix %d is not symmetric", par.CovarType, q))
				continue
			}
			var chol mat.Cholesky
			if !chol.Factorize(mat.NewSymDense(d, append([]float64(nil), c...))) {
				errs = append(errs, configErr("%v covars matrix %d is not positive definite", par.CovarType, q))
			}
		}
	}

	return errs
}

func isSymmetric(c []float64, d int) bool {
	for i := 0; i < d; i++ {
		for j := i + 1; j < d; j++ {
			a, b := c[i*d+j], c[j*d+i]
			if math.Abs(a-b) > symTol*math.Max(1, math.Max(math.Abs(a), math.Abs(b))) {
				return false
			}
		}
	}
	return true
}

func allFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
