// Command generate simulates sequences from a Gaussian mixture HMM with
// well separated states and writes them, with the true states and
// parameters, to a gzip-compressed gob file.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/kshedden/gmmhmm/hmmlib"
)

func main() {

	var covartype, outname string
	flag.StringVar(&covartype, "covartype", "diag", "Covariance type: spherical, diag, tied or full")
	flag.StringVar(&outname, "outname", "", "Output file name")

	var snr float64
	flag.Float64Var(&snr, "snr", 8, "Signal-to-noise ratio")

	var nSeqGrp, nState, nMix, nFeature, nTime, nGroup int
	var seed int64
	flag.IntVar(&nSeqGrp, "nseqgrp", 1, "Number of sequences per group")
	flag.IntVar(&nState, "nstate", 0, "Number of states")
	flag.IntVar(&nMix, "nmix", 1, "Number of mixture components per state")
	flag.IntVar(&nFeature, "nfeature", 0, "Number of features, defaults to the number of states")
	flag.IntVar(&nTime, "ntime", 0, "Number of time points")
	flag.IntVar(&nGroup, "ngroup", 0, "Number of groups")
	flag.Int64Var(&seed, "seed", 0, "Random seed, if 0 the clock is used")
	flag.Parse()

	err := run(covartype, outname, snr, nSeqGrp, nState, nMix, nFeature, nTime, nGroup, seed)
	glog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate: %v\n", err)
		os.Exit(1)
	}
}

func run(covartype, outname string, snr float64, nSeqGrp, nState, nMix, nFeature, nTime, nGroup int, seed int64) error {

	if outname == "" {
		return fmt.Errorf("'outname' is required")
	}
	if nState < 1 || nMix < 1 || nTime < 1 || nGroup < 1 || nSeqGrp < 1 {
		return fmt.Errorf("nstate, nmix, ntime, ngroup and nseqgrp must be positive")
	}
	if nFeature == 0 {
		nFeature = nState
	}

	ct, err := hmmlib.ParseCovarianceType(covartype)
	if err != nil {
		return err
	}

	if seed == 0 {
		seed = time.Now().UTC().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	glog.Infof("seed %d", seed)

	par := genParams(nState, nMix, nFeature, ct, snr)
	if err := hmmlib.Check(par); err != nil {
		return err
	}

	// Put everyone into a group
	nseq := nSeqGrp * nGroup
	group := make([][]int, nGroup)
	ii := 0
	for j := 0; j < nGroup; j++ {
		for k := 0; k < nSeqGrp; k++ {
			group[j] = append(group[j], ii)
			ii++
		}
	}

	lengths := make([]int, nseq)
	for j := range lengths {
		lengths[j] = nTime
	}

	X, states, err := hmmlib.SampleSequences(par, lengths, rng)
	if err != nil {
		return err
	}

	ds := &hmmlib.Dataset{
		Obs:     X,
		Lengths: lengths,
		State:   states,
		Par:     par,
		Group:   group,
	}
	if err := hmmlib.WriteDataset(outname, ds); err != nil {
		return err
	}
	glog.Infof("wrote %d sequences of length %d to %s", nseq, nTime, outname)

	return nil
}

// genParams returns parameters whose states are separated by snr.
func genParams(nState, nMix, nFeature int, ct hmmlib.CovarianceType, snr float64) *hmmlib.Params {

	par := hmmlib.NewParams(nState, nMix, nFeature, ct)

	// Set the transition matrix
	if nState == 1 {
		par.Trans[0] = 1
	} else {
		for i := 0; i < nState; i++ {
			p := 0.8 + 0.1*float64(i)/float64(nState-1)
			for j := 0; j < nState; j++ {
				if i == j {
					par.Trans[i*nState+j] = p
				} else {
					par.Trans[i*nState+j] = (1 - p) / float64(nState-1)
				}
			}
		}
	}

	// Set the initial state probabilities
	for i := range par.Init {
		par.Init[i] = 1 / float64(nState)
	}

	for j := range par.Weights {
		par.Weights[j] = 1 / float64(nMix)
	}

	// State i is shifted by snr along feature i mod nFeature, and by a
	// multiple of snr along the next feature when there are more states
	// than features.  The components of a state are shifted apart by snr/2
	// along the following feature.
	for i := 0; i < nState; i++ {
		for m := 0; m < nMix; m++ {
			mn := par.MeanOf(i, m)
			mn[i%nFeature] += snr
			if nFeature > 1 {
				mn[(i+1)%nFeature] += snr * float64(i/nFeature)
				mn[(i+2)%nFeature] += snr / 2 * float64(m)
			} else {
				mn[0] += snr*float64(i) + snr/2*float64(m)
			}
		}
	}

	// Set the standard deviations
	sd := func(i int) float64 {
		return 0.5 + float64(i)/float64(nState)
	}
	d := nFeature
	switch ct {
	case hmmlib.Spherical:
		for i := 0; i < nState; i++ {
			for m := 0; m < nMix; m++ {
				par.Covar[i*nMix+m] = sd(i) * sd(i)
			}
		}
	case hmmlib.Diag:
		for i := 0; i < nState; i++ {
			for m := 0; m < nMix; m++ {
				for j := 0; j < d; j++ {
					par.Covar[(i*nMix+m)*d+j] = sd(i) * sd((i+j)%nState)
				}
			}
		}
	case hmmlib.Tied, hmmlib.Full:
		nmat := nState
		if ct == hmmlib.Full {
			nmat = nState * nMix
		}
		for q := 0; q < nmat; q++ {
			// Full covariances are ordered by state, then component.
			st := q
			if ct == hmmlib.Full {
				st = q / nMix
			}
			v := sd(st) * sd(st)
			c := par.Covar[q*d*d : (q+1)*d*d]
			for j := 0; j < d; j++ {
				c[j*d+j] = v
				if j+1 < d {
					c[j*d+j+1] = 0.3 * v
					c[(j+1)*d+j] = 0.3 * v
				}
			}
		}
	}

	return par
}
