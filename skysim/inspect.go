package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	skysim "github.com/cmbs4/skysim_go/pkg"
)

func newParamsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "params FREQ_GHZ...",
		Short: "Print the interpolated knee multipole and slope at each frequency",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, interp, err := instrumentAndInterpolator()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%8s %5s %10s %8s\n", "freq", "field", "lknee", "alpha")
			for _, arg := range args {
				freq, err := strconv.ParseFloat(arg, 64)
				if err != nil {
					return fmt.Errorf("%w: bad frequency %q", skysim.ErrConfiguration, arg)
				}
				for _, field := range []skysim.Field{skysim.FieldIntensity, skysim.FieldPolarization} {
					p, err := interp.Params(freq, field)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%8g %5s %10.2f %8.4f\n", freq, field, p.Knee, p.Alpha)
				}
			}
			return nil
		},
	}
}

func newSpectraCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spectra CHANNEL",
		Short: "Print the analytic intensity and polarization noise spectra of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: bad channel %q", skysim.ErrConfiguration, args[0])
			}
			lmax, _ := cmd.Flags().GetInt("lmax")
			deconvolve, _ := cmd.Flags().GetBool("deconvolve")

			inst, interp, err := instrumentAndInterpolator()
			if err != nil {
				return err
			}
			clI, clP, err := skysim.NoiseSpectra(inst, interp, skysim.Channel(ch), lmax, deconvolve)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# l clI clP [uK^2]\n")
			for l := range clI {
				fmt.Fprintf(out, "%d %.6e %.6e\n", l, clI[l], clP[l])
			}
			return nil
		},
	}
	cmd.Flags().Int("lmax", 3000, "Largest multipole")
	cmd.Flags().Bool("deconvolve", true, "Divide by the squared beam transfer function")
	return cmd
}

func newNlevCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nlev [CHANNEL...]",
		Short: "Estimate the white noise level of channels from their covariance maps",
		RunE: func(cmd *cobra.Command, args []string) error {
			channels := configuration.ChannelList()
			if len(args) > 0 {
				channels = channels[:0:0]
				for _, arg := range args {
					ch, err := strconv.Atoi(arg)
					if err != nil {
						return fmt.Errorf("%w: bad channel %q", skysim.ErrConfiguration, arg)
					}
					channels = append(channels, skysim.Channel(ch))
				}
			}
			tag, _ := cmd.Flags().GetString("pair")
			pair, err := skysim.ParseStokesPair(tag)
			if err != nil {
				return err
			}
			threshold, _ := cmd.Flags().GetFloat64("threshold")
			adapter, err := covarianceAdapter(configuration.ChannelList())
			if err != nil {
				return err
			}
			nside, _ := cmd.Flags().GetInt("nside")
			if nside == 0 {
				nside = adapter.NativeNside()
			}
			out := cmd.OutOrStdout()
			for _, ch := range channels {
				nlev, err := adapter.NoiseLevel(ch, pair, threshold, nside)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%3d GHz %s %8.3f uK.arcmin\n", int(ch), pair, nlev)
			}
			return nil
		},
	}
	cmd.Flags().String("pair", "II", "Variance component (II, QQ or UU)")
	cmd.Flags().Float64("threshold", 2, "Keep pixels below threshold^2 times the smallest variance")
	cmd.Flags().Int("nside", 0, "Resolution (defaults to native_nside)")
	return cmd
}
