package hmmlib

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML form of Config.  Field names follow the option
// names of hmmlearn.
type FileConfig struct {
	NComponents    int     `yaml:"n_components"`
	NMix           int     `yaml:"n_mix"`
	CovarianceType string  `yaml:"covariance_type"`
	Implementation string  `yaml:"implementation"`
	RandomState    *int64  `yaml:"random_state,omitempty"`
	NIter          int     `yaml:"n_iter"`
	Tol            float64 `yaml:"tol"`
	Params         string  `yaml:"params"`
	InitParams     string  `yaml:"init_params"`
	MinCovar       float64 `yaml:"min_covar"`
	CovarReg       float64 `yaml:"covar_reg"`
	DivergeTol     float64 `yaml:"diverge_tol"`
	Workers        int     `yaml:"workers,omitempty"`
}

// NewFileConfig returns the YAML form of cfg.  The random source cannot be
// represented, so RandomState is left unset.
func NewFileConfig(cfg Config) *FileConfig {
	return &FileConfig{
		NComponents:    cfg.NState,
		NMix:           cfg.NMix,
		CovarianceType: cfg.CovarType.String(),
		Implementation: cfg.Impl.String(),
		NIter:          cfg.NIter,
		Tol:            cfg.Tol,
		Params:         cfg.Params.String(),
		InitParams:     cfg.InitParams.String(),
		MinCovar:       cfg.MinCovar,
		CovarReg:       cfg.CovarReg,
		DivergeTol:     cfg.DivergeTol,
		Workers:        cfg.Workers,
	}
}

// LoadConfig decodes a YAML configuration from r.  Options that are not
// present take the values of DefaultConfig; unknown options are an error.
func LoadConfig(r io.Reader) (*FileConfig, error) {
	fc := NewFileConfig(DefaultConfig(1, 1))
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode yaml: %v", ErrConfiguration, err)
	}
	return fc, nil
}

// LoadConfigFile reads the YAML configuration file at path.
func LoadConfigFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	fc, err := LoadConfig(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return fc, nil
}

// Write encodes fc as YAML to w.
func (fc *FileConfig) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(fc); err != nil {
		return err
	}
	return enc.Close()
}

// ToConfig converts fc to a Config, reporting every invalid option.
func (fc *FileConfig) ToConfig() (Config, error) {

	var result *multierror.Error
	cfg := Config{
		NState:     fc.NComponents,
		NMix:       fc.NMix,
		NIter:      fc.NIter,
		Tol:        fc.Tol,
		MinCovar:   fc.MinCovar,
		CovarReg:   fc.CovarReg,
		DivergeTol: fc.DivergeTol,
		Workers:    fc.Workers,
	}

	var err error
	if cfg.CovarType, err = ParseCovarianceType(fc.CovarianceType); err != nil {
		result = multierror.Append(result, err)
	}
	if cfg.Impl, err = ParseImplementation(fc.Implementation); err != nil {
		result = multierror.Append(result, err)
	}
	if cfg.Params, err = ParseParamGroup(fc.Params); err != nil {
		result = multierror.Append(result, err)
	}
	if cfg.InitParams, err = ParseParamGroup(fc.InitParams); err != nil {
		result = multierror.Append(result, err)
	}
	if fc.RandomState != nil {
		cfg.Rand = rand.New(rand.NewSource(*fc.RandomState))
	}

	if err := result.ErrorOrNil(); err != nil {
		return Config{}, err
	}

	if err := New(cfg).Check(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
