package skysim

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/cmbs4/skysim_go/pkg/healpix"
	"github.com/cmbs4/skysim_go/pkg/sht"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Survey footprint in colatitude.
const (
	DefaultThetaMin = 64.0 / 180 * math.Pi
	DefaultThetaMax = 155.0 / 180 * math.Pi
)

// Stokes component indices of NoiseRealization.Maps.
const (
	StokesT = iota
	StokesQ
	StokesU
)

// Variant selects how the white noise is injected.
type Variant int

const (
	// VariantCorrelated draws the white noise per pixel from the full 2×2
	// Q/U covariance.
	VariantCorrelated Variant = iota
	// VariantLegacy adds a flat white spectrum in harmonic space and rescales
	// Q and U independently, without the QU cross term.
	VariantLegacy
)

func (v Variant) String() string {
	switch v {
	case VariantCorrelated:
		return "correlated"
	case VariantLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(s) {
	case "", "correlated":
		return VariantCorrelated, nil
	case "legacy":
		return VariantLegacy, nil
	default:
		return 0, fmt.Errorf("%w: unknown composer variant %q", ErrConfiguration, s)
	}
}

// Transform synthesizes pixel maps from harmonic coefficients.
type Transform interface {
	Synthesize(ctx context.Context, geom healpix.Geometry, alm sht.Alm) ([]float64, error)
	SynthesizeSpin2(ctx context.Context, geom healpix.Geometry, e, b sht.Alm) ([]float64, []float64, error)
}

// Diagnostics summarize the pixel bookkeeping of a realization.
type Diagnostics struct {
	ObservedT int
	// ObservedP counts pixels where both Q and U are observed.
	ObservedP int
	// FlaggedPixels have QQ·UU - QU² < 0 and are left out of Q/U.
	FlaggedPixels int
	// DegeneratePixels have exactly one of QQ and UU equal to zero. Only the
	// component with positive variance is observed there.
	DegeneratePixels int
	NegativePixels   int
}

// NoiseRealization is one T, Q, U noise simulation. Pixels whose Observed
// entry is false hold healpix.Unseen.
type NoiseRealization struct {
	Channel  Channel
	Seed     uint64
	Nside    int
	Lmax     int
	Variant  Variant
	Maps     [3][]float64
	Observed [3][]bool
	Report   Diagnostics
}

// Composer builds noise realizations for the channels of one instrument.
type Composer struct {
	instrument  InstrumentModel
	interp      *Interpolator
	covariance  CovarianceSource
	transformer Transform
	variant     Variant
	thetaMin    float64
	thetaMax    float64
	logger      Logger
	metrics     *Metrics
	tracer      trace.Tracer
}

type Option func(*Composer)

func WithVariant(v Variant) Option {
	return func(c *Composer) { c.variant = v }
}

// WithBand restricts the synthesized rings to colatitudes in [thetaMin, thetaMax].
func WithBand(thetaMin, thetaMax float64) Option {
	return func(c *Composer) {
		c.thetaMin = thetaMin
		c.thetaMax = thetaMax
	}
}

func WithLogger(l Logger) Option {
	return func(c *Composer) { c.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Composer) { c.metrics = m }
}

func NewComposer(instrument InstrumentModel, covariance CovarianceSource, transformer Transform, opts ...Option) (*Composer, error) {
	if err := instrument.Validate(); err != nil {
		return nil, err
	}
	if covariance == nil || transformer == nil {
		return nil, fmt.Errorf("%w: composer needs a covariance source and a transform", ErrConfiguration)
	}
	interp, err := NewInterpolator(instrument.Reference)
	if err != nil {
		return nil, err
	}
	c := &Composer{
		instrument:  instrument,
		interp:      interp,
		covariance:  covariance,
		transformer: transformer,
		variant:     VariantCorrelated,
		thetaMin:    DefaultThetaMin,
		thetaMax:    DefaultThetaMax,
		logger:      NopLogger(),
		tracer:      tracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = NopLogger()
	}
	if c.thetaMin > c.thetaMax {
		return nil, fmt.Errorf("%w: band [%g, %g] is empty", ErrConfiguration, c.thetaMin, c.thetaMax)
	}
	if c.variant != VariantCorrelated && c.variant != VariantLegacy {
		return nil, fmt.Errorf("%w: unknown composer variant %d", ErrConfiguration, c.variant)
	}
	return c, nil
}

func (c *Composer) Variant() Variant {
	return c.variant
}

func (c *Composer) Interpolator() *Interpolator {
	return c.interp
}

type composeOptions struct {
	kneeScale  float64
	whiteScale float64
}

type ComposeOption func(*composeOptions)

// WithKneeScale multiplies the red spectra.
func WithKneeScale(f float64) ComposeOption {
	return func(o *composeOptions) { o.kneeScale = f }
}

// WithWhiteScale multiplies the white noise amplitude.
func WithWhiteScale(f float64) ComposeOption {
	return func(o *composeOptions) { o.whiteScale = f }
}

// covarianceSet holds the maps used by one realization.
type covarianceSet struct {
	II, QQ, UU, QU []float64
	negative       int
}

// ComposeNoiseRealization simulates the noise of channel at resolution nside
// with red noise synthesized up to lmax. The realization is fully determined
// by its arguments; the generator is owned by the call.
func (c *Composer) ComposeNoiseRealization(ctx context.Context, ch Channel, seed uint64, nside, lmax int, opts ...ComposeOption) (*NoiseRealization, error) {
	o := composeOptions{kneeScale: 1, whiteScale: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := c.instrument.Spec(ch); err != nil {
		return nil, err
	}
	if err := healpix.CheckNside(nside); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if lmax < 2 {
		return nil, fmt.Errorf("%w: lmax %d is below 2", ErrConfiguration, lmax)
	}
	if o.kneeScale < 0 || o.whiteScale < 0 {
		return nil, fmt.Errorf("%w: negative spectral scale", ErrConfiguration)
	}

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "ComposeNoiseRealization", trace.WithAttributes(
		attribute.Int("channel", int(ch)),
		attribute.String("seed", strconv.FormatUint(seed, 10)),
		attribute.Int("nside", nside),
		attribute.Int("lmax", lmax),
		attribute.String("variant", c.variant.String()),
	))
	defer span.End()

	pI, err := c.interp.Params(float64(ch), FieldIntensity)
	if err != nil {
		return nil, err
	}
	pP, err := c.interp.Params(float64(ch), FieldPolarization)
	if err != nil {
		return nil, err
	}
	c.logger.Info(fmt.Sprintf("Channel %d: knee I %.1f alpha I %.2f, knee P %.1f alpha P %.2f",
		ch, pI.Knee, pI.Alpha, pP.Knee, pP.Alpha), "compose")

	cov, err := c.loadCovariance(ctx, ch, nside)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	geom := healpix.NewGeometry(nside).Restrict(c.thetaMin, c.thetaMax)
	span.SetAttributes(attribute.Int("band_pixels", geom.Npix()))
	rng := NewRand(seed)

	var r *NoiseRealization
	switch c.variant {
	case VariantLegacy:
		r, err = c.composeLegacy(ctx, rng, geom, cov, pI, pP, lmax, o)
	default:
		r, err = c.composeCorrelated(ctx, rng, geom, cov, pI, pP, lmax, o)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	r.Channel = ch
	r.Seed = seed
	r.Nside = nside
	r.Lmax = lmax
	r.Variant = c.variant
	r.Report.NegativePixels = cov.negative

	if r.Report.FlaggedPixels > 0 {
		c.logger.Warn(fmt.Sprintf("Channel %d seed %d: %d pixels with non positive semi-definite QU covariance excluded",
			ch, seed, r.Report.FlaggedPixels), "compose")
	}
	span.SetAttributes(
		attribute.Int("observed_t", r.Report.ObservedT),
		attribute.Int("observed_p", r.Report.ObservedP),
		attribute.Int("flagged", r.Report.FlaggedPixels),
	)
	c.metrics.observe(r, time.Since(start))
	return r, nil
}

func (c *Composer) loadCovariance(ctx context.Context, ch Channel, nside int) (covarianceSet, error) {
	_, span := c.tracer.Start(ctx, "LoadCovariance")
	defer span.End()

	var set covarianceSet
	for _, item := range []struct {
		pair StokesPair
		dst  *[]float64
	}{
		{PairII, &set.II},
		{PairQQ, &set.QQ},
		{PairUU, &set.UU},
		{PairQU, &set.QU},
	} {
		m, err := c.covariance.CovarianceAt(ch, item.pair, nside)
		if err != nil {
			return covarianceSet{}, fmt.Errorf("loading %v covariance of channel %d: %w", item.pair, ch, err)
		}
		if want := healpix.NsideToNpix(nside); len(m.Pixels) != want {
			return covarianceSet{}, &ErrPixelCount{Path: fmt.Sprintf("%v@%d", item.pair, ch), Got: len(m.Pixels), Want: want}
		}
		*item.dst = m.Pixels
		set.negative += m.Negative
	}
	return set, nil
}

// synthesizeRed draws the T, E, B coefficients in that order and returns the
// T, Q, U maps on the band.
func (c *Composer) synthesizeRed(ctx context.Context, rng *rand.Rand, geom healpix.Geometry, clI, clP []float64) ([3][]float64, error) {
	ctx, span := c.tracer.Start(ctx, "SynthesizeRed")
	defer span.End()

	tlm := SynthesizeAlm(rng, clI)
	elm := SynthesizeAlm(rng, clP)
	blm := SynthesizeAlm(rng, clP)

	var maps [3][]float64
	var err error
	if maps[StokesT], err = c.transformer.Synthesize(ctx, geom, tlm); err != nil {
		return maps, err
	}
	if maps[StokesQ], maps[StokesU], err = c.transformer.SynthesizeSpin2(ctx, geom, elm, blm); err != nil {
		return maps, err
	}
	return maps, nil
}

func scaled(cl []float64, f float64) []float64 {
	for l := range cl {
		cl[l] *= f
	}
	return cl
}

func rescaleRed(red []float64, variance []float64, observed []bool, s2 float64) {
	for p := range red {
		if !observed[p] || variance[p] <= 0 {
			red[p] = 0
			continue
		}
		red[p] *= math.Sqrt(variance[p] / s2)
	}
}

func (c *Composer) composeCorrelated(ctx context.Context, rng *rand.Rand, geom healpix.Geometry, cov covarianceSet,
	pI, pP NoiseSpectrumParameters, lmax int, o composeOptions) (*NoiseRealization, error) {
	clI := scaled(RedSpectrum(pI, lmax, FieldIntensity), o.kneeScale)
	clP := scaled(RedSpectrum(pP, lmax, FieldPolarization), o.kneeScale)

	maps, err := c.synthesizeRed(ctx, rng, geom, clI, clP)
	if err != nil {
		return nil, err
	}

	r := &NoiseRealization{}
	band := geom.Covered()
	npix := len(band)
	observedT := make([]bool, npix)
	observedQ := make([]bool, npix)
	observedU := make([]bool, npix)
	det := make([]float64, npix)
	for p := 0; p < npix; p++ {
		if !band[p] {
			continue
		}
		observedT[p] = cov.II[p] > 0
		qq, uu := cov.QQ[p] > 0, cov.UU[p] > 0
		if !qq && !uu {
			continue
		}
		if qq != uu {
			r.Report.DegeneratePixels++
		}
		det[p] = cov.QQ[p]*cov.UU[p] - cov.QU[p]*cov.QU[p]
		if det[p] < 0 {
			r.Report.FlaggedPixels++
			continue
		}
		observedQ[p] = qq
		observedU[p] = uu
	}

	rescaleRed(maps[StokesT], cov.II, observedT, WhiteVariance(lmax, FieldIntensity))
	rescaleRed(maps[StokesQ], cov.QQ, observedQ, WhiteVariance(lmax, FieldPolarization))
	rescaleRed(maps[StokesU], cov.UU, observedU, WhiteVariance(lmax, FieldPolarization))

	_, span := c.tracer.Start(ctx, "WhiteNoise")
	w := o.whiteScale
	for p := 0; p < npix; p++ {
		if observedT[p] {
			maps[StokesT][p] += math.Sqrt(cov.II[p]) * w * rng.NormFloat64()
		}
	}
	x0 := make([]float64, npix)
	for p := 0; p < npix; p++ {
		if observedQ[p] {
			x0[p] = rng.NormFloat64()
		}
	}
	for p := 0; p < npix; p++ {
		if !observedQ[p] && !observedU[p] {
			continue
		}
		x1 := rng.NormFloat64()
		switch {
		case !observedQ[p]:
			// QQ = 0 forces QU = 0, so U is independent of Q.
			maps[StokesU][p] += math.Sqrt(cov.UU[p]) * x1 * w
		case !observedU[p]:
			maps[StokesQ][p] += math.Sqrt(cov.QQ[p]) * x0[p] * w
		default:
			sq := math.Sqrt(cov.QQ[p])
			maps[StokesQ][p] += sq * x0[p] * w
			maps[StokesU][p] += (cov.QU[p]*x0[p] + math.Sqrt(det[p])*x1) / sq * w
		}
	}
	span.End()

	r.Maps = maps
	r.Observed = [3][]bool{observedT, observedQ, observedU}
	applySentinel(r)
	return r, nil
}

func (c *Composer) composeLegacy(ctx context.Context, rng *rand.Rand, geom healpix.Geometry, cov covarianceSet,
	pI, pP NoiseSpectrumParameters, lmax int, o composeOptions) (*NoiseRealization, error) {
	white := o.whiteScale * o.whiteScale
	clI := scaled(RedSpectrum(pI, lmax, FieldIntensity), o.kneeScale)
	clP := scaled(RedSpectrum(pP, lmax, FieldPolarization), o.kneeScale)
	for l := range clI {
		clI[l] += white
		if l >= 2 {
			clP[l] += white
		}
	}

	maps, err := c.synthesizeRed(ctx, rng, geom, clI, clP)
	if err != nil {
		return nil, err
	}

	band := geom.Covered()
	npix := len(band)
	var observed [3][]bool
	for i, variance := range [][]float64{cov.II, cov.QQ, cov.UU} {
		observed[i] = make([]bool, npix)
		for p := range band {
			observed[i][p] = band[p] && variance[p] > 0
		}
	}

	r := &NoiseRealization{}
	for p := range band {
		if band[p] && (cov.QQ[p] > 0) != (cov.UU[p] > 0) {
			r.Report.DegeneratePixels++
		}
	}
	rescaleRed(maps[StokesT], cov.II, observed[StokesT], WhiteVariance(lmax, FieldIntensity))
	rescaleRed(maps[StokesQ], cov.QQ, observed[StokesQ], WhiteVariance(lmax, FieldPolarization))
	rescaleRed(maps[StokesU], cov.UU, observed[StokesU], WhiteVariance(lmax, FieldPolarization))

	r.Maps = maps
	r.Observed = observed
	applySentinel(r)
	return r, nil
}

// applySentinel writes healpix.Unseen where a component is unobserved and
// fills the observed pixel counts.
func applySentinel(r *NoiseRealization) {
	for i := range r.Maps {
		for p, ok := range r.Observed[i] {
			if !ok {
				r.Maps[i][p] = healpix.Unseen
			}
		}
	}
	for _, ok := range r.Observed[StokesT] {
		if ok {
			r.Report.ObservedT++
		}
	}
	for p := range r.Observed[StokesQ] {
		if r.Observed[StokesQ][p] && r.Observed[StokesU][p] {
			r.Report.ObservedP++
		}
	}
}
