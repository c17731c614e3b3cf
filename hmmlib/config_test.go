package hmmlib

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {

	src := `
n_components: 4
n_mix: 3
covariance_type: full
implementation: scaling
random_state: 42
n_iter: 50
params: tmc
`
	fc, err := LoadConfig(strings.NewReader(src))
	require.NoError(t, err)

	cfg, err := fc.ToConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.NState)
	assert.Equal(t, 3, cfg.NMix)
	assert.Equal(t, Full, cfg.CovarType)
	assert.Equal(t, ScalingImpl, cfg.Impl)
	assert.Equal(t, 50, cfg.NIter)
	assert.Equal(t, ParamTrans|ParamMeans|ParamCovars, cfg.Params)
	require.NotNil(t, cfg.Rand)

	// Defaults for the options that are not given
	def := DefaultConfig(1, 1)
	assert.Equal(t, def.Tol, cfg.Tol)
	assert.Equal(t, def.MinCovar, cfg.MinCovar)
	assert.Equal(t, def.InitParams, cfg.InitParams)
}

func TestLoadConfigErrors(t *testing.T) {

	_, err := LoadConfig(strings.NewReader("n_components: 2\nbogus: 1\n"))
	assert.ErrorIs(t, err, ErrConfiguration)

	fc, err := LoadConfig(strings.NewReader("covariance_type: bad_covariance_type\nimplementation: fast\n"))
	require.NoError(t, err)
	_, err = fc.ToConfig()
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "bad_covariance_type")
	assert.Contains(t, err.Error(), "fast")

	fc, err = LoadConfig(strings.NewReader("n_components: 0\n"))
	require.NoError(t, err)
	_, err = fc.ToConfig()
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestConfigRoundTrip(t *testing.T) {

	cfg := DefaultConfig(3, 2)
	cfg.CovarType = Tied
	cfg.Params = ParamMeans | ParamCovars
	cfg.Workers = 2

	fc := NewFileConfig(cfg)
	var buf bytes.Buffer
	require.NoError(t, fc.Write(&buf))

	fc2, err := LoadConfig(&buf)
	require.NoError(t, err)
	assert.Equal(t, fc, fc2)

	cfg2, err := fc2.ToConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, cfg2)
}
