package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	skysim "github.com/cmbs4/skysim_go/pkg"
	"github.com/cmbs4/skysim_go/pkg/h5io"
)

var configuration skysim.Configuration

var (
	logger         Logger
	VerbosityLevel int
)

func init() {
	logger = NewLogger(os.Stdout, os.Stderr)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skysim",
		Short: "Correlated noise and lensed CMB sky simulations",
		Long: `skysim simulates instrumental plus atmospheric noise maps for the
frequency channels of a survey, using the per-pixel covariance maps of the
observation, and exports lensed CMB expansions per simulation index.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadConfiguration,
	}
	rootCmd.PersistentFlags().String("config", "", "Configuration file path (JSON or YAML)")
	rootCmd.PersistentFlags().IntP("verbosity", "v", -1, "Override the configured verbosity")

	rootCmd.AddCommand(
		newNoiseCmd(),
		newExportCmd(),
		newParamsCmd(),
		newSpectraCmd(),
		newNlevCmd(),
	)
	return rootCmd
}

func loadConfiguration(cmd *cobra.Command, args []string) error {
	configFilename, _ := cmd.Flags().GetString("config")

	var err error
	if configFilename == "" {
		configuration = skysim.DefaultConfiguration()
	} else {
		configuration, err = skysim.LoadConfiguration(configFilename)
		if err != nil {
			return fmt.Errorf("error reading configuration file: %w", err)
		}
	}
	if v, _ := cmd.Flags().GetInt("verbosity"); v >= 0 {
		configuration.Verbosity = v
	}

	VerbosityLevel = configuration.Verbosity
	if VerbosityLevel > 0 {
		if configFilename != "" {
			logger.Info(fmt.Sprintf("Reading configuration file: %s", configFilename), "main")
		}
		printConfiguration(configuration, logger)
	}
	return nil
}

// instrumentAndInterpolator loads the configured instrument model.
func instrumentAndInterpolator() (skysim.InstrumentModel, *skysim.Interpolator, error) {
	inst, err := configuration.Instrument(logger)
	if err != nil {
		return skysim.InstrumentModel{}, nil, err
	}
	interp, err := skysim.NewInterpolator(inst.Reference)
	if err != nil {
		return skysim.InstrumentModel{}, nil, err
	}
	return inst, interp, nil
}

// covarianceAdapter reads the configured covariance files through HDF5.
func covarianceAdapter(channels []skysim.Channel) (*skysim.CovarianceAdapter, error) {
	opts := skysim.DefaultAdapterOptions(channels)
	opts.NativeNside = configuration.NativeNside
	opts.UnitScale = configuration.UnitScale
	opts.Logger = logger
	return skysim.NewCovarianceAdapter(h5io.MapStore{}, configuration.CovariancePaths(), opts)
}
