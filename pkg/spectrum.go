package skysim

import (
	"fmt"
	"math"
)

const arcminToRad = math.Pi / 180 / 60

type spectrumOptions struct {
	beamFWHM float64
}

// SpectrumOption configures BuildSpectrum.
type SpectrumOption func(*spectrumOptions)

// WithBeamDeconvolution divides the spectrum by the squared transfer function
// of a Gaussian beam of the given FWHM in arcminutes.
func WithBeamDeconvolution(fwhmArcmin float64) SpectrumOption {
	return func(o *spectrumOptions) {
		o.beamFWHM = fwhmArcmin
	}
}

// BuildSpectrum returns white² · [1 + ((l+1)/knee)^(-alpha)] for l = 0..lmax,
// with the white level given in µK·arcmin. Polarization entries l < 2 are
// zero.
func BuildSpectrum(params NoiseSpectrumParameters, lmax int, whiteLevel float64, field Field, opts ...SpectrumOption) ([]float64, error) {
	if err := checkSpectrumInput(params, lmax, field); err != nil {
		return nil, err
	}
	var o spectrumOptions
	for _, opt := range opts {
		opt(&o)
	}

	w := whiteLevel * arcminToRad
	w2 := w * w
	cl := RedSpectrum(params, lmax, field)
	for l := range cl {
		cl[l] = w2 * (1 + cl[l])
	}
	if field == FieldPolarization {
		zeroLowMultipoles(cl)
	}
	if o.beamFWHM > 0 {
		bl := GaussBeam(o.beamFWHM, lmax, false)
		for l := range cl {
			cl[l] /= bl[l] * bl[l]
		}
	}
	return cl, nil
}

// RedSpectrum returns the knee term ((l+1)/knee)^(-alpha) alone, zero below
// l = 2 for polarization.
func RedSpectrum(params NoiseSpectrumParameters, lmax int, field Field) []float64 {
	cl := make([]float64, lmax+1)
	for l := range cl {
		cl[l] = math.Pow(float64(l+1)/params.Knee, -params.Alpha)
	}
	if field == FieldPolarization {
		zeroLowMultipoles(cl)
	}
	return cl
}

// WhiteSpectrum returns a flat spectrum of the given level in µK·arcmin.
func WhiteSpectrum(lmax int, whiteLevel float64, field Field) []float64 {
	w := whiteLevel * arcminToRad
	cl := make([]float64, lmax+1)
	for l := range cl {
		cl[l] = w * w
	}
	if field == FieldPolarization {
		zeroLowMultipoles(cl)
	}
	return cl
}

// WhiteVariance is the pixel variance of a field with a unit flat spectrum:
// Σ(2l+1)/4π over l >= 0 for intensity and l >= 2 for polarization.
func WhiteVariance(lmax int, field Field) float64 {
	n := float64((lmax + 1) * (lmax + 1))
	if field == FieldPolarization {
		n -= 4
	}
	return n / (4 * math.Pi)
}

// GaussBeam returns the transfer function exp(-l(l+1)σ²/2) of a Gaussian
// beam. The polarized variant includes the exp(2σ²) spin-2 factor.
func GaussBeam(fwhmArcmin float64, lmax int, pol bool) []float64 {
	sigma := fwhmArcmin * arcminToRad / math.Sqrt(8*math.Ln2)
	s2 := sigma * sigma
	bl := make([]float64, lmax+1)
	for l := range bl {
		fl := float64(l)
		bl[l] = math.Exp(-0.5 * fl * (fl + 1) * s2)
		if pol {
			bl[l] *= math.Exp(2 * s2)
		}
	}
	return bl
}

// NoiseSpectra returns the analytic intensity and polarization noise spectra
// of a channel from its tabulated white level and beam.
func NoiseSpectra(instrument InstrumentModel, interp *Interpolator, ch Channel, lmax int, beamDeconvolved bool) ([]float64, []float64, error) {
	spec, err := instrument.Spec(ch)
	if err != nil {
		return nil, nil, err
	}
	var opts []SpectrumOption
	if beamDeconvolved {
		opts = append(opts, WithBeamDeconvolution(spec.BeamArcmin))
	}
	pI, err := interp.Params(float64(ch), FieldIntensity)
	if err != nil {
		return nil, nil, err
	}
	pP, err := interp.Params(float64(ch), FieldPolarization)
	if err != nil {
		return nil, nil, err
	}
	clI, err := BuildSpectrum(pI, lmax, spec.WhiteI, FieldIntensity, opts...)
	if err != nil {
		return nil, nil, err
	}
	clP, err := BuildSpectrum(pP, lmax, spec.WhiteP, FieldPolarization, opts...)
	if err != nil {
		return nil, nil, err
	}
	return clI, clP, nil
}

func checkSpectrumInput(params NoiseSpectrumParameters, lmax int, field Field) error {
	if lmax < 0 {
		return fmt.Errorf("%w: negative lmax %d", ErrConfiguration, lmax)
	}
	if params.Knee <= 0 || params.Alpha <= 0 {
		return fmt.Errorf("%w: knee %g and alpha %g must be positive", ErrConfiguration, params.Knee, params.Alpha)
	}
	if field != FieldIntensity && field != FieldPolarization {
		return &ErrInvalidField{Tag: field.String()}
	}
	return nil
}

func zeroLowMultipoles(cl []float64) {
	for l := 0; l < min(2, len(cl)); l++ {
		cl[l] = 0
	}
}
