// Command estimate fits a Gaussian mixture HMM to a dataset written by
// generate, reports the estimates next to the truth, and optionally
// reconstructs the hidden states jointly within groups of sequences.
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/golang/glog"
	"github.com/kshedden/gmmhmm/hmmlib"
	"github.com/kshedden/gmmhmm/multihmm"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

type options struct {
	data        string
	config      string
	logname     string
	covartype   string
	nstate      int
	nmix        int
	maxiter     int
	workers     int
	reconstruct bool
	nkp         int
	constraint  string
	plotname    string
	seed        int64
}

func main() {

	var opt options
	flag.StringVar(&opt.data, "data", "", "The data file")
	flag.StringVar(&opt.config, "config", "", "YAML model configuration")
	flag.StringVar(&opt.logname, "logname", "hmm", "Prefix of the parameter log file")
	flag.StringVar(&opt.covartype, "covartype", "", "Override the covariance type")
	flag.IntVar(&opt.nstate, "nstate", 0, "Override the number of states")
	flag.IntVar(&opt.nmix, "nmix", 0, "Override the number of mixture components")
	flag.IntVar(&opt.maxiter, "maxiter", 0, "Override the maximum number of iterations")
	flag.IntVar(&opt.workers, "workers", 0, "Override the number of workers")
	flag.BoolVar(&opt.reconstruct, "reconstruct", true, "If false, do not reconstruct states")
	flag.IntVar(&opt.nkp, "nkp", 200, "Number of joint states to retain")
	flag.StringVar(&opt.constraint, "constraint", "", "Type of state constraint: none or nocollision")
	flag.StringVar(&opt.plotname, "plot", "", "Write the log-likelihood trace to this image file")
	flag.Int64Var(&opt.seed, "seed", 0, "Random seed for joint reconstruction")
	flag.Parse()

	err := run(&opt)
	glog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "estimate: %v\n", err)
		os.Exit(1)
	}
}

// buildConfig reads the configuration file if given, otherwise takes
// defaults sized from the generating parameters, then applies the flag
// overrides.
func buildConfig(opt *options, ds *hmmlib.Dataset) (hmmlib.Config, error) {

	var fc *hmmlib.FileConfig
	if opt.config != "" {
		var err error
		fc, err = hmmlib.LoadConfigFile(opt.config)
		if err != nil {
			return hmmlib.Config{}, err
		}
	} else {
		cfg := hmmlib.DefaultConfig(1, 1)
		if ds.Par != nil {
			cfg = hmmlib.DefaultConfig(ds.Par.NState, ds.Par.NMix)
			cfg.CovarType = ds.Par.CovarType
		}
		fc = hmmlib.NewFileConfig(cfg)
	}

	if opt.nstate > 0 {
		fc.NComponents = opt.nstate
	}
	if opt.nmix > 0 {
		fc.NMix = opt.nmix
	}
	if opt.covartype != "" {
		fc.CovarianceType = opt.covartype
	}
	if opt.maxiter > 0 {
		fc.NIter = opt.maxiter
	}
	if opt.workers > 0 {
		fc.Workers = opt.workers
	}

	return fc.ToConfig()
}

func run(opt *options) error {

	if opt.data == "" {
		return fmt.Errorf("'data' is a required argument")
	}

	ds, err := hmmlib.ReadDataset(opt.data)
	if err != nil {
		return err
	}

	cfg, err := buildConfig(opt, ds)
	if err != nil {
		return err
	}

	gen, err := multihmm.ParseConstraint(opt.constraint)
	if err != nil {
		return err
	}

	fid, err := os.Create(opt.logname + "_par.log")
	if err != nil {
		return err
	}
	defer fid.Close()

	if ds.State != nil && ds.Par != nil && ds.Par.NState == cfg.NState {
		if err := hmmlib.WriteOracleSummary(fid, ds, cfg.NState, nil); err != nil {
			return err
		}
	}

	m := hmmlib.New(cfg)
	if err := m.Initialize(ds.Obs, ds.Lengths); err != nil {
		return err
	}
	if err := hmmlib.WriteSummary(fid, m.Par, nil, "Starting values:"); err != nil {
		return err
	}

	m.InitParams = 0
	if err := m.Fit(ds.Obs, ds.Lengths); err != nil {
		return err
	}
	glog.Infof("fit finished after %d iterations: %s", len(m.LLF), m.Status)
	if w := m.Warnings; w != (hmmlib.Warnings{}) {
		glog.Warningf("warnings: %+v", w)
	}

	if err := hmmlib.WriteSummary(fid, m.Par, nil, "Estimated parameters:"); err != nil {
		return err
	}

	if err := reportFit(fid, m, ds); err != nil {
		return err
	}

	if opt.plotname != "" {
		if err := plotLLF(m.LLF, opt.plotname); err != nil {
			return err
		}
	}

	if !opt.reconstruct {
		return nil
	}

	seqs, err := ds.Sequences()
	if err != nil {
		return err
	}

	var truth [][]int
	if ds.State != nil {
		if truth, err = ds.StateSequences(); err != nil {
			return err
		}
	}

	// Reconstruct each sequence individually
	pstate := make([][]int, len(seqs))
	for i, seq := range seqs {
		if pstate[i], err = m.Predict(seq, nil); err != nil {
			return err
		}
	}
	fmt.Fprintf(fid, "\nStandard reconstruction:\n")
	if err := report(fid, pstate, truth); err != nil {
		return err
	}

	if ds.Group == nil && opt.constraint == "" {
		return nil
	}

	// Reconstruct jointly
	mm := multihmm.NewMulti(m, gen, ds.Group)
	mm.Progress = os.Stderr
	seed := opt.seed
	if seed == 0 {
		seed = 1
	}
	jstate, err := mm.ReconstructMulti(seqs, opt.nkp, rand.New(rand.NewSource(seed)))
	if err != nil {
		return err
	}
	fmt.Fprintf(fid, "\nJoint reconstruction (constraint %q):\n", opt.constraint)
	return report(fid, jstate, truth)
}

func reportFit(w io.Writer, m *hmmlib.Model, ds *hmmlib.Dataset) error {

	ll, err := m.Score(ds.Obs, ds.Lengths)
	if err != nil {
		return err
	}
	aic, err := m.AIC(ds.Obs, ds.Lengths)
	if err != nil {
		return err
	}
	bic, err := m.BIC(ds.Obs, ds.Lengths)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Final log-likelihood: %f\n", ll)
	fmt.Fprintf(w, "Final AIC: %f\n", aic)
	fmt.Fprintf(w, "Final BIC: %f\n", bic)
	fmt.Fprintf(w, "Status: %s\n", m.Status)

	return nil
}

// report writes the per-sequence and total state errors.  Without the
// true states nothing is compared.
func report(w io.Writer, pstate, truth [][]int) error {

	if truth == nil {
		fmt.Fprintf(w, "No true states available\n")
		return nil
	}

	var t, tn int
	fmt.Fprintf(w, "Per-sequence errors:\n")
	for i := range pstate {
		q, n, err := hmmlib.CompareStates(pstate[i], truth[i])
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d %d/%d\n", i, q, n)
		t += q
		tn += n
	}
	fmt.Fprintf(w, "%d/%d total errors\n", t, tn)
	glog.Infof("%d/%d state errors", t, tn)

	return nil
}

// plotLLF draws the log-likelihood at each EM iteration.
func plotLLF(llf []float64, fname string) error {

	pts := make(plotter.XYs, len(llf))
	for i, v := range llf {
		pts[i].X = float64(i + 1)
		pts[i].Y = v
	}

	p := plot.New()
	p.Title.Text = "EM log-likelihood"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Log-likelihood"

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.LineStyle = plotter.DefaultLineStyle
	p.Add(line, plotter.NewGrid())

	return p.Save(6*vg.Inch, 4*vg.Inch, fname)
}
