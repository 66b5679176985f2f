package skysim

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Configuration struct {
	Verbosity int `json:"verbosity" yaml:"verbosity"`

	// Instrument model: "builtin" or "database".
	InstrumentSource string `json:"instrument_source" yaml:"instrument_source"`
	InstrumentName   string `json:"instrument_name" yaml:"instrument_name"`
	DBDriver         string `json:"db_driver" yaml:"db_driver"`
	Host             string `json:"host" yaml:"host"`
	User             string `json:"user" yaml:"user"`
	Passwd           string `json:"pass" yaml:"pass"`
	DBName           string `json:"dbname" yaml:"dbname"`

	CovDir       string  `json:"cov_dir" yaml:"cov_dir"`
	CovTemplate  string  `json:"cov_template" yaml:"cov_template"`
	HitsTemplate string  `json:"hits_template" yaml:"hits_template"`
	NativeNside  int     `json:"native_nside" yaml:"native_nside"`
	UnitScale    float64 `json:"unit_scale" yaml:"unit_scale"`

	Channels   []int   `json:"channels" yaml:"channels"`
	SeedMin    uint64  `json:"seed_min" yaml:"seed_min"`
	SeedMax    uint64  `json:"seed_max" yaml:"seed_max"`
	Nside      int     `json:"nside" yaml:"nside"`
	Lmax       int     `json:"lmax" yaml:"lmax"`
	KneeScale  float64 `json:"knee_scale" yaml:"knee_scale"`
	WhiteScale float64 `json:"white_scale" yaml:"white_scale"`
	Variant    string  `json:"variant" yaml:"variant"`
	ThetaMin   float64 `json:"theta_min_deg" yaml:"theta_min_deg"`
	ThetaMax   float64 `json:"theta_max_deg" yaml:"theta_max_deg"`

	NumWorkers       int    `json:"num_workers" yaml:"num_workers"`
	SHTThreads       int    `json:"sht_threads" yaml:"sht_threads"`
	FileOut          string `json:"file_out" yaml:"file_out"`
	CompressionLevel int    `json:"compression_level" yaml:"compression_level"`

	LensInputDir  string  `json:"lens_input_dir" yaml:"lens_input_dir"`
	LensInputLmax int     `json:"lens_input_lmax" yaml:"lens_input_lmax"`
	LensOutDir    string  `json:"lens_out_dir" yaml:"lens_out_dir"`
	LensLmax      int     `json:"lens_lmax" yaml:"lens_lmax"`
	LensBeam      float64 `json:"lens_beam_arcmin" yaml:"lens_beam_arcmin"`
	IndexMin      int     `json:"index_min" yaml:"index_min"`
	IndexMax      int     `json:"index_max" yaml:"index_max"`

	MetricsFile string        `json:"metrics_file" yaml:"metrics_file"`
	MetricsAddr string        `json:"metrics_addr" yaml:"metrics_addr"`
	Tracing     TracingConfig `json:"tracing" yaml:"tracing"`
}

// DefaultConfiguration returns the settings used when a key is absent from
// the configuration file.
func DefaultConfiguration() Configuration {
	var config Configuration

	config.Verbosity = 0
	config.InstrumentSource = "builtin"
	config.InstrumentName = "chlat_cd_wide"
	config.DBDriver = "mysql"
	config.CovDir = "."
	config.CovTemplate = "cov_%03d.h5"
	config.HitsTemplate = "hits_%03d.h5"
	config.NativeNside = 128
	config.UnitScale = 1e12
	config.Channels = []int{30, 40, 90, 150, 220, 280}
	config.SeedMin = 0
	config.SeedMax = 0
	config.Nside = 2048
	config.Lmax = 5120
	config.KneeScale = 1
	config.WhiteScale = 1
	config.Variant = "correlated"
	config.ThetaMin = 64
	config.ThetaMax = 155
	config.NumWorkers = 1
	config.SHTThreads = 0
	config.FileOut = "noise.h5"
	config.CompressionLevel = 4
	config.LensInputLmax = 5120
	config.LensOutDir = "."
	config.LensLmax = 4096
	config.LensBeam = 0
	config.IndexMin = 0
	config.IndexMax = -1
	config.Tracing.ServiceName = "skysim"
	return config
}

// LoadConfiguration reads a JSON or YAML (by extension) file over the
// defaults.
func LoadConfiguration(filename string) (Configuration, error) {
	config := DefaultConfiguration()

	data, err := os.ReadFile(filename)
	if err != nil {
		return config, &ErrOpenFile{Filename: filename, Err: err}
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return config, fmt.Errorf("%w: parsing %s: %v", ErrConfiguration, filename, err)
	}
	return config, config.Validate()
}

// Validate checks the values that cannot be fixed later by a command.
func (c Configuration) Validate() error {
	if _, err := ParseVariant(c.Variant); err != nil {
		return err
	}
	if c.KneeScale < 0 || c.WhiteScale < 0 {
		return fmt.Errorf("%w: knee_scale and white_scale must be non-negative", ErrConfiguration)
	}
	if c.ThetaMin > c.ThetaMax {
		return fmt.Errorf("%w: theta_min_deg %g above theta_max_deg %g", ErrConfiguration, c.ThetaMin, c.ThetaMax)
	}
	if c.SeedMax < c.SeedMin {
		return fmt.Errorf("%w: seed_max %d below seed_min %d", ErrConfiguration, c.SeedMax, c.SeedMin)
	}
	if c.NumWorkers < 1 {
		return fmt.Errorf("%w: num_workers must be at least 1", ErrConfiguration)
	}
	return nil
}

// ChannelList converts the configured channels.
func (c Configuration) ChannelList() []Channel {
	out := make([]Channel, len(c.Channels))
	for i, ch := range c.Channels {
		out[i] = Channel(ch)
	}
	return out
}

// Band returns the configured colatitude band in radians.
func (c Configuration) Band() (float64, float64) {
	return c.ThetaMin * math.Pi / 180, c.ThetaMax * math.Pi / 180
}

// CovariancePaths returns the resolved covariance file locations.
func (c Configuration) CovariancePaths() CovariancePaths {
	return CovariancePaths{BaseDir: c.CovDir, CovTemplate: c.CovTemplate, HitsTemplate: c.HitsTemplate}
}

// DBConfig returns the database connection settings.
func (c Configuration) DBConfig() DBConfig {
	return DBConfig{Driver: c.DBDriver, Host: c.Host, User: c.User, Passwd: c.Passwd, DBName: c.DBName}
}
