package multihmm

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/kshedden/gmmhmm/hmmlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testModel returns a 3 state model with well separated one-dimensional
// emissions and sticky transitions.
func testModel() *hmmlib.Model {

	par := hmmlib.NewParams(3, 1, 1, hmmlib.Diag)
	copy(par.Init, []float64{0.4, 0.3, 0.3})
	copy(par.Trans, []float64{
		0.8, 0.1, 0.1,
		0.1, 0.8, 0.1,
		0.1, 0.1, 0.8,
	})
	copy(par.Weights, []float64{1, 1, 1})
	copy(par.Mean, []float64{0, 4, 8})
	copy(par.Covar, []float64{1, 1, 1})

	cfg := hmmlib.DefaultConfig(3, 1)
	m := hmmlib.New(cfg)
	m.Par = par
	return m
}

func sampleSeqs(t *testing.T, m *hmmlib.Model, lengths []int, seed int64) ([][][]float64, [][]int) {
	X, states, err := hmmlib.SampleSequences(m.Par, lengths, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)

	ds := &hmmlib.Dataset{Obs: X, Lengths: lengths, State: states}
	seqs, err := ds.Sequences()
	require.NoError(t, err)
	ss, err := ds.StateSequences()
	require.NoError(t, err)
	return seqs, ss
}

// Without a constraint and with every joint state retained, joint
// reconstruction is the same as decoding each sequence alone.
func TestReconstructUnconstrained(t *testing.T) {

	m := testModel()
	seqs, _ := sampleSeqs(t, m, []int{40, 40}, 1)

	mm := NewMulti(m, NoConstraintMaker, [][]int{{0, 1}})
	var buf bytes.Buffer
	mm.Progress = &buf
	states, err := mm.ReconstructMulti(seqs, 9, rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	require.Len(t, states, 2)

	for i, seq := range seqs {
		want, err := m.Predict(seq, nil)
		require.NoError(t, err)
		assert.Equal(t, want, states[i])
	}
}

func TestReconstructNoCollision(t *testing.T) {

	m := testModel()
	seqs, truth := sampleSeqs(t, m, []int{50, 30, 50}, 3)

	mm := NewMulti(m, NoCollisionConstraintMaker, [][]int{{0, 1}})
	states, err := mm.ReconstructMulti(seqs, 6, rand.New(rand.NewSource(4)))
	require.NoError(t, err)
	require.Len(t, states, 3)

	// The shorter sequence is ignored after its end.
	assert.Len(t, states[0], 50)
	assert.Len(t, states[1], 30)
	for tt := 0; tt < 30; tt++ {
		if states[0][tt] != NullState {
			assert.NotEqual(t, states[0][tt], states[1][tt], "t=%d", tt)
		}
	}

	// Sequence 2 is not in a group and is decoded alone.
	want, err := m.Predict(seqs[2], nil)
	require.NoError(t, err)
	assert.Equal(t, want, states[2])

	// The reconstruction is close to the truth wherever the truth has no
	// collisions.
	var nerr, n int
	for tt := 30; tt < 50; tt++ {
		if states[0][tt] != truth[0][tt] {
			nerr++
		}
		n++
	}
	assert.LessOrEqual(t, nerr, n/4)

	// Same seed, same result
	states2, err := mm.ReconstructMulti(seqs, 6, rand.New(rand.NewSource(4)))
	require.NoError(t, err)
	assert.Equal(t, states, states2)
}

func TestReconstructErrors(t *testing.T) {

	m := testModel()
	seqs, _ := sampleSeqs(t, m, []int{10, 10}, 5)

	mm := NewMulti(m, nil, [][]int{{0, 2}})
	_, err := mm.ReconstructMulti(seqs, 4, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, hmmlib.ErrConfiguration)

	mm.Group = [][]int{{0, 1}, {1}}
	_, err = mm.ReconstructMulti(seqs, 4, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, hmmlib.ErrConfiguration)

	mm.Group = nil
	_, err = mm.ReconstructMulti(seqs, 0, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, hmmlib.ErrConfiguration)

	_, err = mm.ReconstructMulti(seqs, 4, nil)
	assert.ErrorIs(t, err, hmmlib.ErrConfiguration)
}

func TestParseConstraint(t *testing.T) {

	for _, name := range []string{"", "none", "nocollision"} {
		f, err := ParseConstraint(name)
		require.NoError(t, err)
		assert.NotNil(t, f)
	}

	_, err := ParseConstraint("flexcollision")
	assert.ErrorIs(t, err, hmmlib.ErrConfiguration)
}
