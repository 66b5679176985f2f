package skysim

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/interp"
)

// linear is an order-1 interpolant over strictly increasing abscissae that
// extrapolates with the slope of the end segments.
type linear struct {
	xs, ys []float64
	pl     interp.PiecewiseLinear
}

func newLinear(xs, ys []float64) (*linear, error) {
	l := &linear{xs: xs, ys: ys}
	if err := l.pl.Fit(xs, ys); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *linear) at(x float64) float64 {
	n := len(l.xs)
	switch {
	case x < l.xs[0]:
		slope := (l.ys[1] - l.ys[0]) / (l.xs[1] - l.xs[0])
		return l.ys[0] + slope*(x-l.xs[0])
	case x > l.xs[n-1]:
		slope := (l.ys[n-1] - l.ys[n-2]) / (l.xs[n-1] - l.xs[n-2])
		return l.ys[n-1] + slope*(x-l.xs[n-1])
	}
	if i, ok := slices.BinarySearch(l.xs, x); ok {
		return l.ys[i]
	}
	return l.pl.Predict(x)
}

// Interpolator maps a frequency to the knee multipole and slope of the
// intensity and polarization noise spectra.
type Interpolator struct {
	kneeI, kneeP   *linear
	alphaI, alphaP *linear
}

// NewInterpolator fits the reference tables. The tables are copied.
func NewInterpolator(tables ReferenceTables) (*Interpolator, error) {
	if err := tables.Validate(); err != nil {
		return nil, err
	}
	fit := func(name string, ys []float64) (*linear, error) {
		l, err := newLinear(slices.Clone(tables.Frequencies), slices.Clone(ys))
		if err != nil {
			return nil, fmt.Errorf("%w: fitting %s: %v", ErrConfiguration, name, err)
		}
		return l, nil
	}
	var (
		it  Interpolator
		err error
	)
	if it.kneeI, err = fit("knee_I", tables.KneeI); err != nil {
		return nil, err
	}
	if it.kneeP, err = fit("knee_P", tables.KneeP); err != nil {
		return nil, err
	}
	if it.alphaI, err = fit("alpha_I", tables.AlphaI); err != nil {
		return nil, err
	}
	if it.alphaP, err = fit("alpha_P", tables.AlphaP); err != nil {
		return nil, err
	}
	return &it, nil
}

// Params returns the spectrum parameters at freqGHz. Frequencies outside the
// table are extrapolated linearly.
func (it *Interpolator) Params(freqGHz float64, field Field) (NoiseSpectrumParameters, error) {
	switch field {
	case FieldIntensity:
		return NoiseSpectrumParameters{Knee: it.kneeI.at(freqGHz), Alpha: it.alphaI.at(freqGHz)}, nil
	case FieldPolarization:
		return NoiseSpectrumParameters{Knee: it.kneeP.at(freqGHz), Alpha: it.alphaP.at(freqGHz)}, nil
	default:
		return NoiseSpectrumParameters{}, &ErrInvalidField{Tag: field.String()}
	}
}
