package multihmm

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"math/rand"
	"sort"
)

// Number of random moves tried when projecting a joint state onto the
// constraint set.
const maxProjectIter = 5000

// combinator enumerates joint states of a group of sequences.  Position j
// of a joint state is a rank: the state of sequence p with rank j has
// score scores[p][j], and scores[p] is ascending.  The caller maps ranks
// back to states.
type combinator struct {
	scores [][]float64

	// Joint states with a positive constraint value are rejected.
	constraint ConstraintFunc

	// Masked sequences are ignored in scores, hashes and constraints.
	mask []bool

	rng *rand.Rand

	// Hashes of the joint states already returned.
	seen map[uint64]bool
	h    hash.Hash64
	buf  [8]byte

	// Scratch space used by project.
	unmasked []int
	start    []int
}

// jointRec is a joint state (as ranks) and its score.
type jointRec struct {
	score float64
	ix    []int
}

func newCombinator(scores [][]float64, constraint ConstraintFunc, mask []bool, rng *rand.Rand) *combinator {

	combi := &combinator{
		scores:     scores,
		constraint: constraint,
		mask:       mask,
		rng:        rng,
		h:          fnv.New64(),
		start:      make([]int, len(mask)),
	}
	for p, m := range mask {
		if !m {
			combi.unmasked = append(combi.unmasked, p)
		}
	}

	return combi
}

// key hashes the unmasked positions of ix.
func (combi *combinator) key(ix []int) uint64 {

	combi.h.Reset()
	for _, p := range combi.unmasked {
		binary.LittleEndian.PutUint64(combi.buf[:], uint64(ix[p]))
		_, _ = combi.h.Write(combi.buf[:])
	}

	return combi.h.Sum64()
}

// mark records ix as returned, and reports whether it was new.
func (combi *combinator) mark(ix []int) bool {
	k := combi.key(ix)
	if combi.seen[k] {
		return false
	}
	combi.seen[k] = true
	return true
}

// score returns the sum of the unmasked scores of ix; smaller is better.
func (combi *combinator) score(ix []int) float64 {

	var v float64
	for _, p := range combi.unmasked {
		v += combi.scores[p][ix[p]]
	}

	return v
}

// project moves ix by random single-sequence steps, each taking a
// sequence to the first rank beyond its cap or one rank further, until it
// reaches a joint state that satisfies the constraint and was not
// returned before.  A step past the last rank resets that sequence.  The
// return value is false if no such joint state was found.
func (combi *combinator) project(ix, caps []int) bool {

	nstate := len(combi.scores[0])
	copy(combi.start, ix)

	for iter := 0; iter < maxProjectIter; iter++ {

		q := combi.unmasked[combi.rng.Intn(len(combi.unmasked))]
		switch {
		case ix[q] < caps[q]:
			ix[q] = caps[q]
		case ix[q]+1 < nstate:
			ix[q]++
		default:
			ix[q] = combi.start[q]
		}

		if combi.constraint(ix, combi.mask) == 0 && combi.mark(ix) {
			return true
		}
	}

	return false
}

// advance steps rank through all joint states below caps, first
// sequence fastest.  It returns false after the last joint state.
func (combi *combinator) advance(rank, caps []int) bool {
	for _, p := range combi.unmasked {
		if rank[p]+1 < caps[p] {
			rank[p]++
			return true
		}
		rank[p] = 0
	}
	return false
}

// enumerate visits every joint state whose rank for sequence p is below
// caps[p].  Those satisfying the constraint are kept, the others are
// projected.  The distinct results are returned in ascending score order.
func (combi *combinator) enumerate(caps []int) ([]jointRec, error) {

	if len(combi.unmasked) == 0 {
		return nil, fmt.Errorf("multihmm: every sequence is masked")
	}
	for _, p := range combi.unmasked {
		if caps[p] < 1 {
			return nil, fmt.Errorf("multihmm: cap %d for sequence %d is not positive", caps[p], p)
		}
	}

	combi.seen = make(map[uint64]bool)

	var out []jointRec
	rank := make([]int, len(caps))
	for {
		ix := append([]int(nil), rank...)
		var ok bool
		if combi.constraint(ix, combi.mask) == 0 {
			ok = combi.mark(ix)
		} else {
			ok = combi.project(ix, caps)
		}
		if ok {
			out = append(out, jointRec{combi.score(ix), ix})
		}

		if !combi.advance(rank, caps) {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].score < out[j].score })

	return out, nil
}
