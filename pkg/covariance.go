package skysim

import (
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cmbs4/skysim_go/pkg/healpix"
)

// MapStore reads one field of a pixelized map file.
type MapStore interface {
	ReadField(path string, field int) ([]float64, error)
}

// CovariancePaths locate the covariance and hit maps of every channel. The
// templates take the channel in GHz.
type CovariancePaths struct {
	BaseDir      string
	CovTemplate  string
	HitsTemplate string
}

// DefaultCovariancePaths uses the cov_%03d.h5 and hits_%03d.h5 naming.
func DefaultCovariancePaths(baseDir string) CovariancePaths {
	return CovariancePaths{
		BaseDir:      baseDir,
		CovTemplate:  "cov_%03d.h5",
		HitsTemplate: "hits_%03d.h5",
	}
}

func (p CovariancePaths) Cov(ch Channel) string {
	return filepath.Join(p.BaseDir, fmt.Sprintf(p.CovTemplate, int(ch)))
}

func (p CovariancePaths) Hits(ch Channel) string {
	return filepath.Join(p.BaseDir, fmt.Sprintf(p.HitsTemplate, int(ch)))
}

type AdapterOptions struct {
	NativeNside int
	// UnitScale converts file values to µK² (1e12 for K²).
	UnitScale float64
	Channels  []Channel
	Logger    Logger
}

// DefaultAdapterOptions match the survey covariance products.
func DefaultAdapterOptions(channels []Channel) AdapterOptions {
	return AdapterOptions{
		NativeNside: 128,
		UnitScale:   1e12,
		Channels:    channels,
	}
}

// CovarianceMap is a covariance map in µK² with the number of negative
// variances that were reset to zero (unobserved) when it was loaded.
type CovarianceMap struct {
	healpix.Map
	Negative int
}

// CovarianceSource provides covariance maps at a requested resolution.
type CovarianceSource interface {
	CovarianceAt(ch Channel, pair StokesPair, nside int) (CovarianceMap, error)
}

type cacheKey struct {
	channel Channel
	pair    StokesPair
	nside   int
	hits    bool
}

// CovarianceAdapter loads and rescales the per-pixel covariance and hit maps.
// Loaded maps are cached and shared read-only between callers.
type CovarianceAdapter struct {
	store  MapStore
	paths  CovariancePaths
	opts   AdapterOptions
	logger Logger

	mu    sync.Mutex
	cache map[cacheKey]CovarianceMap
}

func NewCovarianceAdapter(store MapStore, paths CovariancePaths, opts AdapterOptions) (*CovarianceAdapter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil map store", ErrConfiguration)
	}
	if err := healpix.CheckNside(opts.NativeNside); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if opts.UnitScale == 0 {
		opts.UnitScale = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = NopLogger()
	}
	return &CovarianceAdapter{
		store:  store,
		paths:  paths,
		opts:   opts,
		logger: logger,
		cache:  make(map[cacheKey]CovarianceMap),
	}, nil
}

// NativeNside is the resolution of the stored covariance maps.
func (a *CovarianceAdapter) NativeNside() int {
	return a.opts.NativeNside
}

func (a *CovarianceAdapter) checkChannel(ch Channel) error {
	if !slices.Contains(a.opts.Channels, ch) {
		return &ErrUnsupportedChannel{Channel: ch}
	}
	return nil
}

func (a *CovarianceAdapter) readNative(path string, field int) ([]float64, error) {
	pixels, err := a.store.ReadField(path, field)
	if err != nil {
		return nil, fmt.Errorf("reading field %d of %s: %w", field, path, err)
	}
	if want := healpix.NsideToNpix(a.opts.NativeNside); len(pixels) != want {
		return nil, &ErrPixelCount{Path: path, Got: len(pixels), Want: want}
	}
	return pixels, nil
}

// LoadCovariance returns a covariance map at native resolution in µK².
// Negative variances mark unobserved pixels and are set to zero.
func (a *CovarianceAdapter) LoadCovariance(ch Channel, pair StokesPair) (CovarianceMap, error) {
	return a.CovarianceAt(ch, pair, a.opts.NativeNside)
}

func (a *CovarianceAdapter) loadCovariance(ch Channel, pair StokesPair) (CovarianceMap, error) {
	path := a.paths.Cov(ch)
	pixels, err := a.readNative(path, int(pair))
	if err != nil {
		return CovarianceMap{}, err
	}
	out := make([]float64, len(pixels))
	negative := 0
	for i, v := range pixels {
		switch {
		case healpix.IsUnseen(v):
			out[i] = 0
		case pair.IsVariance() && v < 0:
			out[i] = 0
			negative++
		default:
			out[i] = v * a.opts.UnitScale
		}
	}
	if negative > 0 {
		a.logger.Warn(fmt.Sprintf("%d negative %v variances in %s treated as unobserved", negative, pair, path), "covariance")
	}
	return CovarianceMap{Map: healpix.Map{Nside: a.opts.NativeNside, Pixels: out}, Negative: negative}, nil
}

// Resample changes the resolution of a map, averaging on degrade and copying
// on upgrade.
func Resample(m healpix.Map, nside int) (healpix.Map, error) {
	out, err := healpix.UdGrade(m, nside)
	if err != nil {
		return healpix.Map{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return out, nil
}

// CovarianceAt returns the covariance resampled to nside and scaled by
// (nside/native)² so that it describes the variance of the new pixels.
func (a *CovarianceAdapter) CovarianceAt(ch Channel, pair StokesPair, nside int) (CovarianceMap, error) {
	if err := a.checkChannel(ch); err != nil {
		return CovarianceMap{}, err
	}
	if pair < PairII || pair > PairUU {
		return CovarianceMap{}, &ErrInvalidStokesPair{Tag: pair.String()}
	}
	key := cacheKey{channel: ch, pair: pair, nside: nside}

	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.cache[key]; ok {
		return m, nil
	}

	nativeKey := cacheKey{channel: ch, pair: pair, nside: a.opts.NativeNside}
	native, ok := a.cache[nativeKey]
	if !ok {
		var err error
		native, err = a.loadCovariance(ch, pair)
		if err != nil {
			return CovarianceMap{}, err
		}
		a.cache[nativeKey] = native
	}
	if nside == a.opts.NativeNside {
		return native, nil
	}

	resampled, err := Resample(native.Map, nside)
	if err != nil {
		return CovarianceMap{}, err
	}
	ratio := float64(nside) / float64(a.opts.NativeNside)
	scale := ratio * ratio
	for i, v := range resampled.Pixels {
		if healpix.IsUnseen(v) {
			resampled.Pixels[i] = 0
			continue
		}
		resampled.Pixels[i] = v * scale
	}
	out := CovarianceMap{Map: resampled, Negative: native.Negative}
	a.cache[key] = out
	return out, nil
}

// LoadHits returns the hit map at native resolution normalized to its
// maximum.
func (a *CovarianceAdapter) LoadHits(ch Channel) (healpix.Map, error) {
	return a.HitsAt(ch, a.opts.NativeNside)
}

// HitsAt returns the normalized hit map resampled to nside.
func (a *CovarianceAdapter) HitsAt(ch Channel, nside int) (healpix.Map, error) {
	if err := a.checkChannel(ch); err != nil {
		return healpix.Map{}, err
	}
	key := cacheKey{channel: ch, nside: nside, hits: true}

	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.cache[key]; ok {
		return m.Map, nil
	}

	path := a.paths.Hits(ch)
	pixels, err := a.readNative(path, 0)
	if err != nil {
		return healpix.Map{}, err
	}
	peak := 0.0
	for _, v := range pixels {
		if !healpix.IsUnseen(v) && v > peak {
			peak = v
		}
	}
	if peak <= 0 {
		return healpix.Map{}, fmt.Errorf("%w: hit map %s has no positive entry", ErrDataIntegrity, path)
	}
	norm := make([]float64, len(pixels))
	for i, v := range pixels {
		if healpix.IsUnseen(v) || v < 0 {
			continue
		}
		norm[i] = v / peak
	}
	out, err := Resample(healpix.Map{Nside: a.opts.NativeNside, Pixels: norm}, nside)
	if err != nil {
		return healpix.Map{}, err
	}
	a.cache[key] = CovarianceMap{Map: out}
	return out, nil
}

// NoiseLevel estimates the white noise level in µK·arcmin from the mean of
// the well observed pixels, those below threshold² times the smallest
// positive variance.
func (a *CovarianceAdapter) NoiseLevel(ch Channel, pair StokesPair, threshold float64, nside int) (float64, error) {
	if !pair.IsVariance() {
		return 0, &ErrInvalidStokesPair{Tag: pair.String()}
	}
	cov, err := a.CovarianceAt(ch, pair, nside)
	if err != nil {
		return 0, err
	}
	positive := make([]float64, 0, len(cov.Pixels))
	for _, v := range cov.Pixels {
		if v > 0 {
			positive = append(positive, v)
		}
	}
	if len(positive) == 0 {
		return 0, fmt.Errorf("%w: channel %d has no observed %v pixel", ErrDataIntegrity, ch, pair)
	}
	limit := threshold * threshold * slices.Min(positive)
	sum, n := 0.0, 0
	for _, v := range positive {
		if v < limit {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: threshold %g selects no pixel", ErrConfiguration, threshold)
	}
	return math.Sqrt(sum/float64(n)) * math.Sqrt(healpix.PixelAreaArcmin2(nside)), nil
}

// BuildMask keeps the pixels observed in every channel with a variance not
// larger than threshold² times the channel minimum.
func (a *CovarianceAdapter) BuildMask(pair StokesPair, nside int, channels []Channel, threshold float64) ([]bool, error) {
	mask := make([]bool, healpix.NsideToNpix(nside))
	for i := range mask {
		mask[i] = true
	}
	for _, ch := range channels {
		cov, err := a.CovarianceAt(ch, pair, nside)
		if err != nil {
			return nil, err
		}
		covMin := math.Inf(1)
		for _, v := range cov.Pixels {
			if v != 0 && v < covMin {
				covMin = v
			}
		}
		limit := threshold * threshold * covMin
		for i, v := range cov.Pixels {
			mask[i] = mask[i] && v > 0 && v <= limit
		}
	}
	return mask, nil
}
