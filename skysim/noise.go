package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	skysim "github.com/cmbs4/skysim_go/pkg"
	"github.com/cmbs4/skysim_go/pkg/h5io"
	"github.com/cmbs4/skysim_go/pkg/sht"
)

func newNoiseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "noise",
		Short: "Simulate noise maps for a range of seeds and channels",
		RunE:  runNoise,
	}
	cmd.Flags().Uint64("seed-min", 0, "First seed (overrides seed_min)")
	cmd.Flags().Uint64("seed-max", 0, "Last seed (overrides seed_max)")
	cmd.Flags().IntSlice("channel", nil, "Channels to simulate (overrides channels)")
	cmd.Flags().StringP("out", "o", "", "Output file (overrides file_out)")
	return cmd
}

func applyNoiseFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("seed-min") {
		configuration.SeedMin, _ = cmd.Flags().GetUint64("seed-min")
	}
	if cmd.Flags().Changed("seed-max") {
		configuration.SeedMax, _ = cmd.Flags().GetUint64("seed-max")
	}
	if cmd.Flags().Changed("channel") {
		configuration.Channels, _ = cmd.Flags().GetIntSlice("channel")
	}
	if cmd.Flags().Changed("out") {
		configuration.FileOut, _ = cmd.Flags().GetString("out")
	}
}

func runNoise(cmd *cobra.Command, args []string) error {
	applyNoiseFlags(cmd)
	if err := configuration.Validate(); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	shutdown, err := skysim.InitTracing(ctx, configuration.Tracing, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error(fmt.Errorf("error flushing traces: %w", err).Error())
		}
	}()

	inst, err := configuration.Instrument(logger)
	if err != nil {
		return err
	}
	variant, err := skysim.ParseVariant(configuration.Variant)
	if err != nil {
		return err
	}
	channels := configuration.ChannelList()
	for _, ch := range channels {
		if _, err := inst.Spec(ch); err != nil {
			return err
		}
	}
	adapter, err := covarianceAdapter(channels)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics, err := skysim.NewMetrics(reg)
	if err != nil {
		return err
	}
	stopServer, err := serveMetrics(reg, configuration.MetricsAddr)
	if err != nil {
		return err
	}
	defer stopServer()

	thetaMin, thetaMax := configuration.Band()
	composer, err := skysim.NewComposer(inst, adapter, sht.NewTransformer(configuration.SHTThreads),
		skysim.WithVariant(variant),
		skysim.WithBand(thetaMin, thetaMax),
		skysim.WithLogger(logger),
		skysim.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	writer, err := h5io.NewWriter(configuration.FileOut, configuration.Nside, configuration.CompressionLevel, logger)
	if err != nil {
		return err
	}

	start := time.Now()
	sum, err := runPool(ctx, composer, writer, poolParams{
		Workers:  configuration.NumWorkers,
		Channels: channels,
		SeedMin:  configuration.SeedMin,
		SeedMax:  configuration.SeedMax,
		Nside:    configuration.Nside,
		Lmax:     configuration.Lmax,
		Options: []skysim.ComposeOption{
			skysim.WithKneeScale(configuration.KneeScale),
			skysim.WithWhiteScale(configuration.WhiteScale),
		},
	})
	err = errors.Join(err, writer.Close())
	if err != nil {
		return err
	}
	logger.Info(fmt.Sprintf("%d realizations written to %s in %d ms", sum.Written, configuration.FileOut,
		time.Since(start).Milliseconds()), "main")

	if configuration.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(configuration.MetricsFile, reg); err != nil {
			return fmt.Errorf("error writing metrics: %w", err)
		}
	}
	if sum.Failed > 0 {
		return fmt.Errorf("%d of %d realizations failed", sum.Failed, sum.Failed+sum.Written)
	}
	return nil
}

// serveMetrics exposes /metrics on addr until the returned function is
// called. An empty addr serves nothing.
func serveMetrics(gatherer prometheus.Gatherer, addr string) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("error listening on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(fmt.Errorf("metrics server: %w", err).Error())
		}
	}()
	logger.Info(fmt.Sprintf("Serving metrics on %s", ln.Addr()), "metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
