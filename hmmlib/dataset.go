package hmmlib

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"os"
)

// Dataset is a collection of observation sequences, optionally with the
// hidden states and parameters that generated them.
type Dataset struct {

	// The observations of all sequences, concatenated
	Obs [][]float64

	// The length of each sequence
	Lengths []int

	// The true hidden states, if known
	State []int

	// The generating parameters, if known
	Par *Params

	// Groups of sequence indices observed together
	Group [][]int
}

// Sequences splits the observations into sequences.
func (ds *Dataset) Sequences() ([][][]float64, error) {
	return splitSequences(ds.Obs, ds.Lengths, 0)
}

// StateSequences splits the true states into sequences.
func (ds *Dataset) StateSequences() ([][]int, error) {
	if len(ds.State) != len(ds.Obs) {
		return nil, fmt.Errorf("%w: %d states for %d observations", ErrShape, len(ds.State), len(ds.Obs))
	}
	lengths := ds.Lengths
	if lengths == nil {
		lengths = []int{len(ds.State)}
	}
	var out [][]int
	var pos int
	for _, n := range lengths {
		if pos+n > len(ds.State) {
			return nil, fmt.Errorf("%w: lengths exceed the number of states", ErrShape)
		}
		out = append(out, ds.State[pos:pos+n])
		pos += n
	}
	return out, nil
}

// WriteDataset writes ds to a gzip-compressed gob file.
func WriteDataset(fname string, ds *Dataset) error {

	fid, err := os.Create(fname)
	if err != nil {
		return err
	}
	defer fid.Close()

	gid := gzip.NewWriter(fid)
	enc := gob.NewEncoder(gid)
	if err := enc.Encode(ds); err != nil {
		return fmt.Errorf("encoding %s: %w", fname, err)
	}

	if err := gid.Close(); err != nil {
		return err
	}

	return fid.Close()
}

// ReadDataset reads a Dataset from a gzip-compressed gob file.
func ReadDataset(fname string) (*Dataset, error) {

	fid, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer fid.Close()

	gid, err := gzip.NewReader(fid)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", fname, err)
	}
	defer gid.Close()

	dec := gob.NewDecoder(gid)

	var ds Dataset
	if err := dec.Decode(&ds); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", fname, err)
	}

	return &ds, nil
}
