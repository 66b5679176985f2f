// Package lensing builds beam-convolved lensed CMB expansions from unlensed
// simulations and exports them per simulation index.
package lensing

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	skysim "github.com/cmbs4/skysim_go/pkg"
	"github.com/cmbs4/skysim_go/pkg/sht"
)

const (
	// MaxIndex is the last simulation index of the unlensed set.
	MaxIndex = 499
	// TensorRatio is the tensor-to-scalar ratio of the tensor modes added to
	// even indices.
	TensorRatio = 0.003
)

// UnlensedProvider serves the unlensed simulation set.
type UnlensedProvider interface {
	Lmax() int
	// DeflectionAlm returns the gradient deflection potential d_lm.
	DeflectionAlm(idx int) (sht.Alm, error)
	TLM(idx int) (sht.Alm, error)
	ELM(idx int) (sht.Alm, error)
	TensorAlms(idx int, r float64) (t, e, b sht.Alm, err error)
}

// Remapper lenses a spin-0 or spin-2 expansion with a deflection field. For
// spin 0 it returns one expansion; for spin 2 the gradient and curl parts.
type Remapper interface {
	Lens(ctx context.Context, deflection, alm sht.Alm, spin, lmaxOut, mmaxOut int) ([]sht.Alm, error)
}

// TEB holds lensed temperature and polarization expansions.
type TEB struct {
	T, E, B sht.Alm
}

type Builder struct {
	provider UnlensedProvider
	remapper Remapper
	logger   skysim.Logger
	tracer   trace.Tracer
}

func NewBuilder(provider UnlensedProvider, remapper Remapper, logger skysim.Logger) (*Builder, error) {
	if provider == nil || remapper == nil {
		return nil, fmt.Errorf("%w: lensing builder needs a provider and a remapper", skysim.ErrConfiguration)
	}
	if logger == nil {
		logger = skysim.NopLogger()
	}
	return &Builder{
		provider: provider,
		remapper: remapper,
		logger:   logger,
		tracer:   otel.Tracer("github.com/cmbs4/skysim_go/pkg/lensing"),
	}, nil
}

func checkIndex(idx int) error {
	if idx < 0 || idx > MaxIndex {
		return fmt.Errorf("%w: simulation index %d outside [0, %d]", skysim.ErrConfiguration, idx, MaxIndex)
	}
	return nil
}

// BuildLensedRealization lenses simulation idx up to lmaxOut, adds tensor
// modes for even indices and applies a Gaussian beam of beamArcmin FWHM.
func (b *Builder) BuildLensedRealization(ctx context.Context, idx, lmaxOut int, beamArcmin float64) (TEB, error) {
	if err := checkIndex(idx); err != nil {
		return TEB{}, err
	}
	if lmaxOut < 2 || lmaxOut > b.provider.Lmax() {
		return TEB{}, fmt.Errorf("%w: lmax %d outside [2, %d]", skysim.ErrConfiguration, lmaxOut, b.provider.Lmax())
	}
	if beamArcmin < 0 {
		return TEB{}, fmt.Errorf("%w: negative beam %g", skysim.ErrConfiguration, beamArcmin)
	}

	ctx, span := b.tracer.Start(ctx, "BuildLensedRealization", trace.WithAttributes(
		attribute.Int("index", idx),
		attribute.Int("lmax", lmaxOut),
	))
	defer span.End()

	dlm, err := b.provider.DeflectionAlm(idx)
	if err != nil {
		return TEB{}, fmt.Errorf("deflection of %d: %w", idx, err)
	}
	tlm, err := b.provider.TLM(idx)
	if err != nil {
		return TEB{}, fmt.Errorf("unlensed T of %d: %w", idx, err)
	}
	elm, err := b.provider.ELM(idx)
	if err != nil {
		return TEB{}, fmt.Errorf("unlensed E of %d: %w", idx, err)
	}

	lensedT, err := b.remapper.Lens(ctx, dlm, tlm, 0, lmaxOut, lmaxOut)
	if err != nil {
		return TEB{}, fmt.Errorf("lensing T of %d: %w", idx, err)
	}
	lensedP, err := b.remapper.Lens(ctx, dlm, elm, 2, lmaxOut, lmaxOut)
	if err != nil {
		return TEB{}, fmt.Errorf("lensing E of %d: %w", idx, err)
	}
	if len(lensedT) != 1 || len(lensedP) != 2 {
		return TEB{}, fmt.Errorf("%w: remapper returned %d and %d expansions", skysim.ErrDataIntegrity, len(lensedT), len(lensedP))
	}
	out := TEB{T: lensedT[0], E: lensedP[0], B: lensedP[1]}
	for _, a := range []sht.Alm{out.T, out.E, out.B} {
		if a.Lmax != lmaxOut || a.Mmax != lmaxOut {
			return TEB{}, fmt.Errorf("%w: remapper returned lmax %d mmax %d, want %d", skysim.ErrDataIntegrity, a.Lmax, a.Mmax, lmaxOut)
		}
	}

	if idx%2 == 0 {
		if err := b.addTensors(idx, lmaxOut, &out); err != nil {
			return TEB{}, err
		}
	}

	beamT := skysim.GaussBeam(beamArcmin, lmaxOut, false)
	beamP := skysim.GaussBeam(beamArcmin, lmaxOut, true)
	out.T.Almxfl(beamT)
	out.E.Almxfl(beamP)
	out.B.Almxfl(beamP)
	return out, nil
}

func (b *Builder) addTensors(idx, lmaxOut int, out *TEB) error {
	tt, te, tb, err := b.provider.TensorAlms(idx, TensorRatio)
	if err != nil {
		return fmt.Errorf("tensor modes of %d: %w", idx, err)
	}
	for _, pair := range []struct {
		dst *sht.Alm
		src sht.Alm
	}{
		{&out.T, tt},
		{&out.E, te},
		{&out.B, tb},
	} {
		if err := pair.dst.Add(pair.src.Copy(lmaxOut, lmaxOut)); err != nil {
			return fmt.Errorf("adding tensor modes of %d: %w", idx, err)
		}
	}
	b.logger.Info(fmt.Sprintf("Added r=%g tensor modes to simulation %d", TensorRatio, idx), "lensing")
	return nil
}

// BuildConvergenceField returns κ_LM = d_LM·sqrt(L(L+1))/2 of simulation idx.
func (b *Builder) BuildConvergenceField(idx int) (sht.Alm, error) {
	if err := checkIndex(idx); err != nil {
		return sht.Alm{}, err
	}
	dlm, err := b.provider.DeflectionAlm(idx)
	if err != nil {
		return sht.Alm{}, fmt.Errorf("deflection of %d: %w", idx, err)
	}
	klm := dlm.Copy(dlm.Lmax, dlm.Mmax)
	d2k := make([]float64, klm.Lmax+1)
	for l := range d2k {
		fl := float64(l)
		d2k[l] = math.Sqrt(fl*(fl+1)) * 0.5
	}
	klm.Almxfl(d2k)
	return klm, nil
}
