package skysim

import (
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigurationKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{"nside": 512, "lmax": 1024, "channels": [90, 150], "variant": "legacy"}`)
	config, err := LoadConfiguration(path)
	require.NoError(t, err)

	assert.Equal(t, 512, config.Nside)
	assert.Equal(t, 1024, config.Lmax)
	assert.Equal(t, []Channel{90, 150}, config.ChannelList())
	assert.Equal(t, "legacy", config.Variant)

	def := DefaultConfiguration()
	assert.Equal(t, def.CovTemplate, config.CovTemplate)
	assert.Equal(t, def.UnitScale, config.UnitScale)
	assert.Equal(t, 128, config.NativeNside)
	assert.Equal(t, -1, config.IndexMax)
	assert.Equal(t, "noise.h5", config.FileOut)
}

func TestLoadConfigurationYAMLMatchesJSON(t *testing.T) {
	jsonPath := writeConfig(t, "config.json", `{
		"cov_dir": "/data/cov",
		"seed_min": 10,
		"seed_max": 19,
		"knee_scale": 0.5,
		"theta_min_deg": 60,
		"theta_max_deg": 150,
		"num_workers": 4,
		"tracing": {"enabled": true, "output": "spans.json"}
	}`)
	yamlPath := writeConfig(t, "config.yaml", `
cov_dir: /data/cov
seed_min: 10
seed_max: 19
knee_scale: 0.5
theta_min_deg: 60
theta_max_deg: 150
num_workers: 4
tracing:
  enabled: true
  output: spans.json
`)
	fromJSON, err := LoadConfiguration(jsonPath)
	require.NoError(t, err)
	fromYAML, err := LoadConfiguration(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, fromJSON, fromYAML)

	assert.Equal(t, "/data/cov/cov_150.h5", fromYAML.CovariancePaths().Cov(150))
	assert.True(t, fromYAML.Tracing.Enabled)
	assert.Equal(t, "skysim", fromYAML.Tracing.ServiceName)
	lo, hi := fromYAML.Band()
	assert.InDelta(t, math.Pi/3, lo, 1e-12)
	assert.InDelta(t, 5*math.Pi/6, hi, 1e-12)
}

func TestLoadConfigurationErrors(t *testing.T) {
	_, err := LoadConfiguration(filepath.Join(t.TempDir(), "missing.json"))
	var openErr *ErrOpenFile
	require.ErrorAs(t, err, &openErr)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = LoadConfiguration(writeConfig(t, "bad.json", `{"nside": `))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = LoadConfiguration(writeConfig(t, "bad.yml", "variant: diagonal\n"))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = LoadConfiguration(writeConfig(t, "seeds.json", `{"seed_min": 5, "seed_max": 2}`))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = LoadConfiguration(writeConfig(t, "band.json", `{"theta_min_deg": 120, "theta_max_deg": 60}`))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestConfigurationBuiltinInstrument(t *testing.T) {
	config := DefaultConfiguration()
	model, err := config.Instrument(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultInstrument(), model)

	config.InstrumentSource = "ftp"
	_, err = config.Instrument(nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}
