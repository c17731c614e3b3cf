// Package multihmm does joint Viterbi reconstruction of groups of sequences
// whose hidden states are subject to a joint constraint, such as several
// objects that cannot occupy the same state at the same time.
package multihmm

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"github.com/golang/glog"
	"github.com/kshedden/gmmhmm/hmmlib"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// NullState marks a time point at which no joint state satisfying the
// constraint could be found.
const NullState = -1

// Upper limit on the number of joint states enumerated at one time point.
const maxEnumerate = 2000

// ConstraintFunc is a function that returns 0 if the constraint is met and
// a positive number otherwise.  The first argument to the constraint function
// is the joint state being tested.  The second argument is a mask: if mask[j]
// is true, then state[j] is ignored in the constraint test.
type ConstraintFunc func([]int, []bool) float64

// ConstraintMaker generates a function that can test for state constraints.
// A ConstraintMaker may return a closure that encloses workspace for the
// constraint testing function.  Each ConstraintFunc created by the
// ConstraintMaker will never be called concurrently.  The argument to
// ConstraintMaker gives the actual states corresponding to the
// priority-sorted states for each sequence, i.e. inds[p][j] gives the actual
// state for the j^th priority sorted state for sequence p, where j=0
// corresponds to the highest priority state.
type ConstraintMaker func([][]int) ConstraintFunc

// NoConstraintMaker returns a constraint function that always returns 0.
func NoConstraintMaker(inds [][]int) ConstraintFunc {
	return func(ix []int, mask []bool) float64 {
		return 0
	}
}

// NoCollisionConstraintMaker returns a constraint function that returns
// the number of collisions, i.e. pairs of unmasked sequences in the same
// state.
func NoCollisionConstraintMaker(inds [][]int) ConstraintFunc {

	wk := make([]int, len(inds))

	return func(ix []int, mask []bool) float64 {

		wk = wk[0:0]
		for pj, sj := range ix {
			if !mask[pj] {
				wk = append(wk, inds[pj][sj])
			}
		}
		sort.Ints(wk)

		var v int
		for j := 1; j < len(wk); j++ {
			if wk[j] == wk[j-1] {
				v++
			}
		}

		return float64(v)
	}
}

// ParseConstraint returns the ConstraintMaker with the given name: "" or
// "none" for no constraint, "nocollision" for NoCollisionConstraintMaker.
func ParseConstraint(name string) (ConstraintMaker, error) {
	switch name {
	case "", "none":
		return NoConstraintMaker, nil
	case "nocollision":
		return NoCollisionConstraintMaker, nil
	default:
		return nil, fmt.Errorf("%w: unknown constraint %q", hmmlib.ErrConfiguration, name)
	}
}

// MultiModel is a fitted GMM-HMM that can do joint Viterbi reconstruction
// of the state sequences.
type MultiModel struct {
	*hmmlib.Model

	// The constraint function that the joint states must satisfy.
	ConstraintGen ConstraintMaker

	// Group[k] lists the sequences that are reconstructed jointly.
	// Sequences that are not in any group are reconstructed alone.
	Group [][]int

	// If not nil, a progress bar is written here.
	Progress io.Writer
}

// NewMulti returns a MultiModel for the fitted model m.
func NewMulti(m *hmmlib.Model, gen ConstraintMaker, group [][]int) *MultiModel {
	return &MultiModel{
		Model:         m,
		ConstraintGen: gen,
		Group:         group,
	}
}

// groups returns the groups to reconstruct, after checking that every
// sequence index is valid and in at most one group.
func (mm *MultiModel) groups(nseq int) ([][]int, error) {

	seen := make([]bool, nseq)
	var grps [][]int
	for k, g := range mm.Group {
		if len(g) == 0 {
			continue
		}
		for _, i := range g {
			if i < 0 || i >= nseq {
				return nil, fmt.Errorf("%w: group %d refers to sequence %d of %d", hmmlib.ErrConfiguration, k, i, nseq)
			}
			if seen[i] {
				return nil, fmt.Errorf("%w: sequence %d is in more than one group", hmmlib.ErrConfiguration, i)
			}
			seen[i] = true
		}
		grps = append(grps, g)
	}

	for i, s := range seen {
		if !s {
			grps = append(grps, []int{i})
		}
	}

	return grps, nil
}

// ReconstructMulti uses a modified Viterbi algorithm to predict the hidden
// state sequences jointly within each group, in a way that satisfies the
// constraints.  At each time point at most nkp joint states are retained.
// Sequences shorter than the longest sequence of their group are ignored
// after their end.  The random source is used when a joint state must be
// moved to satisfy the constraint.
func (mm *MultiModel) ReconstructMulti(seqs [][][]float64, nkp int, rng *rand.Rand) ([][]int, error) {

	if nkp < 1 {
		return nil, fmt.Errorf("%w: nkp must be positive, got %d", hmmlib.ErrConfiguration, nkp)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: no random source", hmmlib.ErrConfiguration)
	}
	if mm.Par == nil {
		return nil, fmt.Errorf("%w: the model has no parameters", hmmlib.ErrConfiguration)
	}
	if mm.ConstraintGen == nil {
		mm.ConstraintGen = NoConstraintMaker
	}

	grps, err := mm.groups(len(seqs))
	if err != nil {
		return nil, err
	}

	workers := mm.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}

	glog.Infof("retaining %d joint states per time point in the reconstruction", nkp)
	for k, g := range grps {
		glog.V(1).Infof("group %4d  %8d sequences", k, len(g))
		if len(g) > 1 && float64(len(g)) >= 0.9*float64(mm.NState) {
			glog.Warningf("group %d has %d sequences for %d states, a collision-avoiding fit may not be possible", k, len(g), mm.NState)
		}
	}

	posts := make([]*hmmlib.Posteriors, len(seqs))
	var pg errgroup.Group
	pg.SetLimit(workers)
	for i, seq := range seqs {
		i, seq := i, seq
		pg.Go(func() error {
			post, err := mm.Posteriors(seq)
			if err != nil {
				return fmt.Errorf("sequence %d: %w", i, err)
			}
			posts[i] = post
			return nil
		})
	}
	if err := pg.Wait(); err != nil {
		return nil, err
	}

	// One random source per group, so the result does not depend on
	// scheduling.
	seeds := make([]int64, len(grps))
	for k := range seeds {
		seeds[k] = rng.Int63()
	}

	progress := mm.Progress
	if progress == nil {
		progress = io.Discard
	}
	bar := progressbar.NewOptions(len(grps),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetDescription("joint reconstruction"))

	logTrans := make([]float64, len(mm.Par.Trans))
	for j, v := range mm.Par.Trans {
		logTrans[j] = math.Log(v)
	}

	states := make([][]int, len(seqs))
	var g errgroup.Group
	g.SetLimit(workers)
	for k, grp := range grps {
		k, grp := k, grp
		g.Go(func() error {
			gr := &groupRecon{
				par:      mm.Par,
				logTrans: logTrans,
				posts:    make([]*hmmlib.Posteriors, len(grp)),
				nkp:      nkp,
				rng:      rand.New(rand.NewSource(seeds[k])),
			}
			for j, i := range grp {
				gr.posts[j] = posts[i]
				if posts[i].T > gr.ntime {
					gr.ntime = posts[i].T
				}
			}
			gr.constraint = mm.ConstraintGen(gr.alloc())

			if err := gr.multiprob(); err != nil {
				return fmt.Errorf("group %d: %w", k, err)
			}
			for j, st := range gr.traceback() {
				states[grp[j]] = st
			}
			_ = bar.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	_ = bar.Finish()

	return states, nil
}

// groupRecon holds the workspace for the joint reconstruction of one group.
type groupRecon struct {
	par      *hmmlib.Params
	logTrans []float64
	posts    []*hmmlib.Posteriors
	ntime    int
	nkp      int
	rng      *rand.Rand

	constraint ConstraintFunc

	// Per-sequence workspace for one time point
	mask  []bool
	obspr [][]float64
	inds  [][]int

	// fpr[t*nkp+j] is the best negative log probability of a path ending
	// at the j^th retained joint state at time t, lpx holds that joint
	// state, and tbp the position of its predecessor at t-1.
	fpr []float64
	lpx [][]int
	tbp []int

	// Number of retained joint states at each time point
	npt []int
}

// alloc allocates the workspace and returns the priority index array
// passed to the ConstraintMaker.
func (gr *groupRecon) alloc() [][]int {
	np, k := len(gr.posts), gr.par.NState
	gr.mask = make([]bool, np)
	gr.obspr = makeFloatArray(np, k)
	gr.inds = makeIntArray(np, k)
	gr.fpr = make([]float64, gr.ntime*gr.nkp)
	gr.lpx = make([][]int, gr.ntime*gr.nkp)
	gr.tbp = make([]int, gr.ntime*gr.nkp)
	gr.npt = make([]int, gr.ntime)
	return gr.inds
}

// getMultiObsProb gets the posterior state probabilities of every sequence
// at time t as negative logs, and sorts the states of each sequence by
// them.
func (gr *groupRecon) getMultiObsProb(t int) {

	for j, post := range gr.posts {

		gr.mask[j] = t >= post.T
		if gr.mask[j] {
			continue
		}

		op := gr.obspr[j]
		copy(op, post.GammaRow(t))
		for i := range op {
			op[i] = -math.Log(op[i])
		}

		floats.Argsort(op, gr.inds[j])
	}
}

// getCaps finds the lowest set of caps that provide at least nkp
// joint states.
func (gr *groupRecon) getCaps(nkp int) []int {

	nstate := gr.par.NState
	scores, mask := gr.obspr, gr.mask

	caps := make([]int, len(scores))
	for j := range caps {
		if !mask[j] {
			caps[j] = 1
		}
	}

	size := func() int {
		s := 1
		for j := range caps {
			if !mask[j] {
				s *= caps[j]
			}
		}
		return s
	}

	for size() < nkp {
		lm := 0.0 // Value of lowest cap
		lj := -1  // Position of cap to raise
		for p := range caps {
			if mask[p] || caps[p] >= nstate {
				continue
			}
			z := scores[p][caps[p]] - scores[p][0]
			if lj == -1 || z < lm {
				lm = z
				lj = p
			}
		}
		if lj == -1 {
			// Can't create enough states
			break
		}
		caps[lj]++
	}

	return caps
}

// getValid returns the retained joint states at time t, as actual state
// codes, in ascending score order.
func (gr *groupRecon) getValid(t int) ([]jointRec, error) {

	gr.getMultiObsProb(t)

	var ump int
	for _, m := range gr.mask {
		if !m {
			ump++
		}
	}
	if ump == 0 {
		return nil, nil
	}

	// In some cases it is impossible to find nkp joint states.
	nkp := gr.nkp
	if math.Log(float64(nkp)) > float64(ump)*math.Log(float64(gr.par.NState)) {
		nkp = int(math.Pow(float64(gr.par.NState), float64(ump)))
	}

	// Gradually raise the caps until we get enough joint states.
	var ipa []jointRec
	for f := 1; f == 1 || f*nkp < maxEnumerate; f *= 2 {
		combi := newCombinator(gr.obspr, gr.constraint, gr.mask, gr.rng)
		var err error
		ipa, err = combi.enumerate(gr.getCaps(f * nkp))
		if err != nil {
			return nil, err
		}
		if len(ipa) >= nkp {
			break
		}
	}

	if len(ipa) > nkp {
		ipa = ipa[0:nkp]
	}

	// Convert positions in the sorted lists to state codes.
	for _, x := range ipa {
		for p := range x.ix {
			if gr.mask[p] {
				x.ix[p] = NullState
			} else {
				x.ix[p] = gr.inds[p][x.ix[p]]
			}
		}
	}

	return ipa, nil
}

// multiTrans returns the negative log of the joint transition probability
// between two joint states, over the sequences unmasked at the later time.
func (gr *groupRecon) multiTrans(states1, states2 []int) float64 {

	k := gr.par.NState
	var v float64
	for j, m := range gr.mask {
		if !m {
			v -= gr.logTrans[states1[j]*k+states2[j]]
		}
	}

	return v
}

// multiprob calculates the forward chain probabilities used by the
// Viterbi traceback.
func (gr *groupRecon) multiprob() error {

	nkp, k := gr.nkp, gr.par.NState
	fpr, lpx, tbp, npt := gr.fpr, gr.lpx, gr.tbp, gr.npt

	for t := 0; t < gr.ntime; t++ {

		j0, jt := (t-1)*nkp, t*nkp

		ipa, err := gr.getValid(t)
		if err != nil {
			return err
		}
		npt[t] = len(ipa)
		if npt[t] == 0 {
			continue
		}

		// Starting over
		if t == 0 || npt[t-1] == 0 {
			for jj, cr := range ipa {
				var lpg float64
				for pj, st := range cr.ix {
					if !gr.mask[pj] {
						lpg -= math.Log(gr.par.Init[st]) + gr.posts[pj].LogB[t*k+st]
					}
				}
				fpr[jt+jj] = lpg
				lpx[jt+jj] = cr.ix
			}
			continue
		}

		for jj, cr := range ipa {

			var lpu float64
			var ipu int
			for j := 0; j < npt[t-1]; j++ {
				lx := fpr[j0+j] + gr.multiTrans(lpx[j0+j], cr.ix)
				if j == 0 || lx < lpu {
					lpu = lx
					ipu = j
				}
			}

			var ltu float64
			for pj, st := range cr.ix {
				if !gr.mask[pj] {
					ltu -= gr.posts[pj].LogB[t*k+st]
				}
			}

			fpr[jt+jj] = lpu + ltu
			tbp[jt+jj] = ipu
			lpx[jt+jj] = cr.ix
		}
	}

	return nil
}

// traceback is the Viterbi traceback for joint state reconstruction.  It
// returns the state sequence of every member of the group.
func (gr *groupRecon) traceback() [][]int {

	nkp := gr.nkp
	fpr, lpx, tbp, npt := gr.fpr, gr.lpx, gr.tbp, gr.npt

	multistate := make([]int, gr.ntime)

	// Loop over blocks separated by time points with no joint state
	t := gr.ntime - 1
	for t >= 0 {

		for t >= 0 && npt[t] == 0 {
			multistate[t] = NullState
			t--
		}
		if t < 0 {
			break
		}

		// Find the best final state
		jt := t * nkp
		bst := 0
		for j := 1; j < npt[t]; j++ {
			if fpr[jt+j] < fpr[jt+bst] {
				bst = j
			}
		}
		multistate[t] = bst
		t--

		for t >= 0 && npt[t] > 0 {
			multistate[t] = tbp[(t+1)*nkp+multistate[t+1]]
			t--
		}
	}

	out := make([][]int, len(gr.posts))
	for j, post := range gr.posts {
		out[j] = make([]int, post.T)
		for t := range out[j] {
			if multistate[t] == NullState {
				out[j][t] = NullState
			} else {
				out[j][t] = lpx[t*nkp+multistate[t]][j]
			}
		}
	}

	return out
}

// makeIntArray makes a collection of r slices
// of length c, packed contiguously.
func makeIntArray(r, c int) [][]int {

	bka := make([]int, r*c)
	x := make([][]int, r)
	for j := 0; j < r; j++ {
		x[j] = bka[j*c : (j+1)*c]
	}

	return x
}

// makeFloatArray makes a collection of r slices
// of length c, packed contiguously.
func makeFloatArray(r, c int) [][]float64 {

	bka := make([]float64, r*c)
	x := make([][]float64, r)
	for j := 0; j < r; j++ {
		x[j] = bka[j*c : (j+1)*c]
	}

	return x
}
