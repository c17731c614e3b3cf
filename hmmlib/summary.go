package hmmlib

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/floats"
)

// OracleInit returns the frequency distribution of initial states using
// known state sequences.
func OracleInit(states [][]int, nstate int) []float64 {

	v := make([]float64, nstate)
	for _, u := range states {
		if len(u) > 0 {
			v[u[0]]++
		}
	}

	normalizeSum(v, 1/float64(nstate))
	return v
}

// OracleTrans returns the transition frequencies of known state sequences.
func OracleTrans(states [][]int, nstate int) []float64 {

	tr := make([]float64, nstate*nstate)
	for _, u := range states {
		for t := 0; t < len(u)-1; t++ {
			tr[u[t]*nstate+u[t+1]]++
		}
	}

	for st := 0; st < nstate; st++ {
		normalizeSum(tr[st*nstate:(st+1)*nstate], 1/float64(nstate))
	}

	return tr
}

// OracleMoments returns the means and standard deviations of the
// observations in each state (NState x NFeature), given known state
// sequences.  The mixture structure within a state is ignored.  States
// that never occur get NaN moments.
func OracleMoments(seqs [][][]float64, states [][]int, nstate int) ([]float64, []float64, error) {

	if len(states) != len(seqs) {
		return nil, nil, fmt.Errorf("%w: %d state sequences for %d observation sequences", ErrShape, len(states), len(seqs))
	}

	var d int
	if len(seqs) > 0 && len(seqs[0]) > 0 {
		d = len(seqs[0][0])
	}

	for i, seq := range seqs {
		if len(states[i]) != len(seq) {
			return nil, nil, fmt.Errorf("%w: sequence %d has %d states and %d observations", ErrShape, i, len(states[i]), len(seq))
		}
		for t, x := range seq {
			if len(x) != d {
				return nil, nil, fmt.Errorf("%w: sequence %d row %d has %d features, expected %d", ErrShape, i, t, len(x), d)
			}
			if st := states[i][t]; st < 0 || st >= nstate {
				return nil, nil, fmt.Errorf("%w: true state %d outside [0, %d)", ErrShape, st, nstate)
			}
		}
	}

	mean := make([]float64, nstate*d)
	std := make([]float64, nstate*d)
	den := make([]float64, nstate)

	for i, seq := range seqs {
		for t, x := range seq {
			st := states[i][t]
			den[st]++
			floats.Add(mean[st*d:(st+1)*d], x)
			for j, y := range x {
				std[st*d+j] += y * y
			}
		}
	}

	for st := 0; st < nstate; st++ {
		for j := st * d; j < (st+1)*d; j++ {
			if den[st] == 0 {
				mean[j] = math.NaN()
				std[j] = math.NaN()
				continue
			}
			mean[j] /= den[st]
			std[j] = math.Sqrt(math.Max(std[j]/den[st]-mean[j]*mean[j], 0))
		}
	}

	return mean, std, nil
}

// CompareStates returns the number of positions where the state sequences
// x and y disagree, and the length of the sequences.
func CompareStates(x, y []int) (int, int, error) {

	if len(x) != len(y) {
		return 0, 0, fmt.Errorf("%w: state sequences have lengths %d and %d", ErrShape, len(x), len(y))
	}

	var e int
	for t := range x {
		if x[t] != y[t] {
			e++
		}
	}

	return e, len(x), nil
}

// WriteSummary writes the parameters in par to w as formatted tables.
// The optional state labels are used if provided.
func WriteSummary(w io.Writer, par *Params, labels []string, title string) error {

	var buf bytes.Buffer
	k, nmix, d := par.NState, par.NMix, par.NFeature

	fmt.Fprintf(&buf, "%s\n", title)

	fmt.Fprintf(&buf, "Initial states distribution:\n")
	writeMatrix(&buf, par.Init, k, 1, labels, nil)
	fmt.Fprintf(&buf, "\n")

	fmt.Fprintf(&buf, "Transition matrix:\n")
	writeMatrix(&buf, par.Trans, k, k, labels, labels)
	fmt.Fprintf(&buf, "\n")

	// Rows are state/mixture pairs below.
	var rl []string
	for st := 0; st < k; st++ {
		for m := 0; m < nmix; m++ {
			name := fmt.Sprintf("%d", st)
			if labels != nil && st < len(labels) {
				name = labels[st]
			}
			rl = append(rl, fmt.Sprintf("%s/%d", name, m))
		}
	}

	fmt.Fprintf(&buf, "Mixture weights:\n")
	writeMatrix(&buf, par.Weights, k, nmix, labels, nil)
	fmt.Fprintf(&buf, "\n")

	fmt.Fprintf(&buf, "Means:\n")
	writeMatrix(&buf, par.Mean, k*nmix, d, rl, nil)
	fmt.Fprintf(&buf, "\n")

	fmt.Fprintf(&buf, "Standard deviations:\n")
	sd := make([]float64, k*nmix*d)
	for st := 0; st < k; st++ {
		for m := 0; m < nmix; m++ {
			cv := par.FullCovar(st, m)
			for j := 0; j < d; j++ {
				sd[(st*nmix+m)*d+j] = math.Sqrt(cv[j*d+j])
			}
		}
	}
	writeMatrix(&buf, sd, k*nmix, d, rl, nil)
	fmt.Fprintf(&buf, "\n")

	_, err := w.Write(buf.Bytes())
	return err
}

// WriteOracleSummary writes the parameter estimates obtained from the true
// states of ds to w.
func WriteOracleSummary(w io.Writer, ds *Dataset, nstate int, labels []string) error {

	seqs, err := ds.Sequences()
	if err != nil {
		return err
	}
	states, err := ds.StateSequences()
	if err != nil {
		return err
	}
	// OracleMoments also validates the states.
	mean, sd, err := OracleMoments(seqs, states, nstate)
	if err != nil {
		return err
	}
	d := len(ds.Obs[0])

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\nOracle statistics:\n")

	fmt.Fprintf(&buf, "Initial state distribution:\n")
	writeMatrix(&buf, OracleInit(states, nstate), nstate, 1, labels, nil)
	fmt.Fprintf(&buf, "\n")

	fmt.Fprintf(&buf, "Transition matrix:\n")
	writeMatrix(&buf, OracleTrans(states, nstate), nstate, nstate, labels, labels)
	fmt.Fprintf(&buf, "\n")

	fmt.Fprintf(&buf, "Means:\n")
	writeMatrix(&buf, mean, nstate, d, labels, nil)
	fmt.Fprintf(&buf, "\n")

	fmt.Fprintf(&buf, "Standard deviations:\n")
	writeMatrix(&buf, sd, nstate, d, labels, nil)
	fmt.Fprintf(&buf, "\n")

	_, err = w.Write(buf.Bytes())
	return err
}

// writeMatrix writes a matrix in text format to buf.  Labels whose length
// does not match the matrix are ignored.
func writeMatrix(buf *bytes.Buffer, x []float64, nrow, ncol int, rowlabels, collabels []string) {

	if rowlabels != nil && nrow != len(rowlabels) {
		rowlabels = nil
	}
	if collabels != nil && ncol != len(collabels) {
		collabels = nil
	}

	if collabels != nil {
		if rowlabels != nil {
			fmt.Fprintf(buf, "%20s", "")
		}
		for _, c := range collabels {
			fmt.Fprintf(buf, "%20s", c)
		}
		buf.WriteString("\n")
	}

	for i := 0; i < nrow; i++ {
		if rowlabels != nil {
			fmt.Fprintf(buf, "%-20s", rowlabels[i])
		}
		for j := 0; j < ncol; j++ {
			fmt.Fprintf(buf, "%20.4f", x[i*ncol+j])
		}
		buf.WriteString("\n")
	}
}
