package main

import (
	"fmt"

	skysim "github.com/cmbs4/skysim_go/pkg"
)

func printConfiguration(config skysim.Configuration, logger skysim.Logger) {
	logger.Info(fmt.Sprintf("Verbosity: %d", config.Verbosity), "config")
	logger.Info(fmt.Sprintf("Instrument: %s (%s)", config.InstrumentName, config.InstrumentSource), "config")
	if config.InstrumentSource == "database" {
		logger.Info(fmt.Sprintf("DB driver: %s", config.DBDriver), "config")
		logger.Info(fmt.Sprintf("Host: %s", config.Host), "config")
		logger.Info(fmt.Sprintf("DB name: %s", config.DBName), "config")
	}
	logger.Info(fmt.Sprintf("Covariance dir: %s", config.CovDir), "config")
	logger.Info(fmt.Sprintf("Covariance template: %s", config.CovTemplate), "config")
	logger.Info(fmt.Sprintf("Hits template: %s", config.HitsTemplate), "config")
	logger.Info(fmt.Sprintf("Native nside: %d", config.NativeNside), "config")
	logger.Info(fmt.Sprintf("Unit scale: %g", config.UnitScale), "config")
	logger.Info(fmt.Sprintf("Channels: %v", config.Channels), "config")
	logger.Info(fmt.Sprintf("Seeds: %d..%d", config.SeedMin, config.SeedMax), "config")
	logger.Info(fmt.Sprintf("Nside: %d", config.Nside), "config")
	logger.Info(fmt.Sprintf("Lmax: %d", config.Lmax), "config")
	logger.Info(fmt.Sprintf("Variant: %s", config.Variant), "config")
	logger.Info(fmt.Sprintf("Knee scale: %g", config.KneeScale), "config")
	logger.Info(fmt.Sprintf("White scale: %g", config.WhiteScale), "config")
	logger.Info(fmt.Sprintf("Band: [%g, %g] deg", config.ThetaMin, config.ThetaMax), "config")
	logger.Info(fmt.Sprintf("Number of workers: %d", config.NumWorkers), "config")
	logger.Info(fmt.Sprintf("SHT threads: %d", config.SHTThreads), "config")
	logger.Info(fmt.Sprintf("File out: %s", config.FileOut), "config")
	logger.Info(fmt.Sprintf("Compression level: %d", config.CompressionLevel), "config")
	logger.Info(fmt.Sprintf("Lensing input: %s (lmax %d)", config.LensInputDir, config.LensInputLmax), "config")
	logger.Info(fmt.Sprintf("Lensing output: %s (lmax %d, beam %g arcmin)", config.LensOutDir, config.LensLmax, config.LensBeam), "config")
	logger.Info(fmt.Sprintf("Indices: %d..%d", config.IndexMin, config.IndexMax), "config")
	logger.Info(fmt.Sprintf("Metrics file: %s", config.MetricsFile), "config")
	logger.Info(fmt.Sprintf("Metrics address: %s", config.MetricsAddr), "config")
	logger.Info(fmt.Sprintf("Tracing: %t", config.Tracing.Enabled), "config")
}
