package skysim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"
	"testing"

	"github.com/cmbs4/skysim_go/pkg/healpix"
	"github.com/cmbs4/skysim_go/pkg/sht"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore serves map fields from memory and counts the reads.
type memStore struct {
	mu    sync.Mutex
	files map[string][][]float64
	reads int
}

func newMemStore() *memStore {
	return &memStore{files: make(map[string][][]float64)}
}

func (s *memStore) ReadField(path string, field int) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file %s", path)
	}
	if field < 0 || field >= len(fields) {
		return nil, fmt.Errorf("%s has no field %d", path, field)
	}
	s.reads++
	out := make([]float64, len(fields[field]))
	copy(out, fields[field])
	return out, nil
}

// covFields returns the six covariance fields of nside with value(pair, pix).
func covFields(nside int, value func(pair StokesPair, pix int) float64) [][]float64 {
	npix := healpix.NsideToNpix(nside)
	fields := make([][]float64, 6)
	for pair := PairII; pair <= PairUU; pair++ {
		fields[pair] = make([]float64, npix)
		for p := range fields[pair] {
			fields[pair][p] = value(pair, p)
		}
	}
	return fields
}

func constCov(ii, qq, uu, qu float64) func(StokesPair, int) float64 {
	return func(pair StokesPair, _ int) float64 {
		switch pair {
		case PairII:
			return ii
		case PairQQ:
			return qq
		case PairUU:
			return uu
		case PairQU:
			return qu
		default:
			return 0
		}
	}
}

func newTestAdapter(t *testing.T, store MapStore, native int, channels ...Channel) *CovarianceAdapter {
	t.Helper()
	opts := DefaultAdapterOptions(channels)
	opts.NativeNside = native
	opts.UnitScale = 1
	a, err := NewCovarianceAdapter(store, DefaultCovariancePaths("sim"), opts)
	require.NoError(t, err)
	return a
}

func TestCovariancePaths(t *testing.T) {
	p := DefaultCovariancePaths("/data/cov")
	assert.Equal(t, "/data/cov/cov_090.h5", p.Cov(90))
	assert.Equal(t, "/data/cov/hits_150.h5", p.Hits(150))
}

func TestLoadCovarianceScalesAndClearsNegative(t *testing.T) {
	store := newMemStore()
	store.files["sim/cov_150.h5"] = covFields(8, func(pair StokesPair, p int) float64 {
		switch {
		case p == 3 && pair == PairQQ:
			return -2e-12
		case p == 4:
			return healpix.Unseen
		case pair == PairQU:
			return -1e-12
		}
		return 2e-12
	})
	opts := DefaultAdapterOptions([]Channel{150})
	opts.NativeNside = 8
	a, err := NewCovarianceAdapter(store, DefaultCovariancePaths("sim"), opts)
	require.NoError(t, err)

	qq, err := a.LoadCovariance(150, PairQQ)
	require.NoError(t, err)
	assert.Equal(t, 8, qq.Nside)
	assert.Equal(t, 1, qq.Negative)
	assert.Equal(t, 0.0, qq.Pixels[3])
	assert.Equal(t, 0.0, qq.Pixels[4])
	assert.InDelta(t, 2.0, qq.Pixels[0], 1e-12)

	// Off-diagonal elements keep their sign.
	qu, err := a.LoadCovariance(150, PairQU)
	require.NoError(t, err)
	assert.Equal(t, 0, qu.Negative)
	assert.InDelta(t, -1.0, qu.Pixels[0], 1e-12)
}

func TestLoadCovarianceRejectsWrongPixelCount(t *testing.T) {
	store := newMemStore()
	store.files["sim/cov_150.h5"] = covFields(4, constCov(1, 1, 1, 0))
	a := newTestAdapter(t, store, 8, 150)

	_, err := a.LoadCovariance(150, PairII)
	var countErr *ErrPixelCount
	require.ErrorAs(t, err, &countErr)
	assert.Equal(t, 192, countErr.Got)
	assert.Equal(t, 768, countErr.Want)
	assert.True(t, errors.Is(err, ErrDataIntegrity))
}

func TestCovarianceRejectsUnknownInput(t *testing.T) {
	a := newTestAdapter(t, newMemStore(), 8, 150)

	_, err := a.CovarianceAt(90, PairII, 8)
	var chErr *ErrUnsupportedChannel
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, Channel(90), chErr.Channel)

	_, err = a.CovarianceAt(150, StokesPair(9), 8)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = a.CovarianceAt(150, PairII, 8)
	assert.Error(t, err)

	_, err = NewCovarianceAdapter(nil, DefaultCovariancePaths("."), DefaultAdapterOptions(nil))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestCovarianceAtScalesWithResolution(t *testing.T) {
	store := newMemStore()
	store.files["sim/cov_150.h5"] = covFields(8, constCov(4, 4, 4, 1))
	a := newTestAdapter(t, store, 8, 150)

	low, err := a.CovarianceAt(150, PairII, 4)
	require.NoError(t, err)
	require.Len(t, low.Pixels, healpix.NsideToNpix(4))
	for _, v := range low.Pixels {
		require.InDelta(t, 1.0, v, 1e-12)
	}

	high, err := a.CovarianceAt(150, PairQU, 16)
	require.NoError(t, err)
	require.Len(t, high.Pixels, healpix.NsideToNpix(16))
	for _, v := range high.Pixels {
		require.InDelta(t, 4.0, v, 1e-12)
	}
}

func TestCovarianceAtDegradesUnobservedChildrenAsZero(t *testing.T) {
	store := newMemStore()
	unobserved := healpix.Nest2Ring(8, 0)
	store.files["sim/cov_150.h5"] = covFields(8, func(_ StokesPair, p int) float64 {
		if p == unobserved {
			return 0
		}
		return 4
	})
	a := newTestAdapter(t, store, 8, 150)

	low, err := a.CovarianceAt(150, PairII, 4)
	require.NoError(t, err)
	parent := healpix.Nest2Ring(4, 0)
	assert.InDelta(t, 3.0/4, low.Pixels[parent], 1e-12)
}

func TestCovarianceAtCachesMaps(t *testing.T) {
	store := newMemStore()
	store.files["sim/cov_150.h5"] = covFields(8, constCov(1, 2, 3, 0))
	a := newTestAdapter(t, store, 8, 150)

	for range 3 {
		_, err := a.CovarianceAt(150, PairUU, 4)
		require.NoError(t, err)
		_, err = a.CovarianceAt(150, PairUU, 8)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.reads)
}

func TestHitsAreNormalized(t *testing.T) {
	store := newMemStore()
	npix := healpix.NsideToNpix(8)
	hits := make([]float64, npix)
	for p := range hits {
		hits[p] = float64(p % 10)
	}
	hits[5] = healpix.Unseen
	store.files["sim/hits_150.h5"] = [][]float64{hits}
	a := newTestAdapter(t, store, 8, 150)

	m, err := a.LoadHits(150)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.Pixels[9])
	assert.InDelta(t, 4.0/9, m.Pixels[4], 1e-12)
	assert.Equal(t, 0.0, m.Pixels[5])

	store.files["sim/hits_150.h5"] = [][]float64{make([]float64, npix)}
	b := newTestAdapter(t, store, 8, 150)
	_, err = b.HitsAt(150, 4)
	assert.ErrorIs(t, err, ErrDataIntegrity)
}

func TestNoiseLevel(t *testing.T) {
	store := newMemStore()
	store.files["sim/cov_150.h5"] = covFields(16, func(pair StokesPair, p int) float64 {
		switch {
		case p%4 == 0:
			return 0
		case p%4 == 1:
			return 100
		}
		return 9
	})
	a := newTestAdapter(t, store, 16, 150)

	level, err := a.NoiseLevel(150, PairQQ, 2, 16)
	require.NoError(t, err)
	assert.InEpsilon(t, 3*math.Sqrt(healpix.PixelAreaArcmin2(16)), level, 1e-12)

	_, err = a.NoiseLevel(150, PairQU, 2, 16)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestBuildMask(t *testing.T) {
	store := newMemStore()
	store.files["sim/cov_090.h5"] = covFields(4, func(_ StokesPair, p int) float64 {
		if p == 0 {
			return 0
		}
		if p == 1 {
			return 10
		}
		return 1
	})
	store.files["sim/cov_150.h5"] = covFields(4, func(_ StokesPair, p int) float64 {
		if p == 2 {
			return 0
		}
		return 2
	})
	a := newTestAdapter(t, store, 4, 90, 150)

	mask, err := a.BuildMask(PairII, 4, []Channel{90, 150}, 2)
	require.NoError(t, err)
	assert.False(t, mask[0])
	assert.False(t, mask[1])
	assert.False(t, mask[2])
	for p := 3; p < len(mask); p++ {
		require.True(t, mask[p], "pixel %d", p)
	}
}

func TestResamplePreservesLargeScales(t *testing.T) {
	const (
		nside = 32
		lmax  = 8
	)
	alm := SynthesizeAlm(NewRand(5), flat(lmax, 1))
	tr := sht.NewTransformer(2)
	ctx := context.Background()
	pixels, err := tr.Synthesize(ctx, healpix.NewGeometry(nside), alm)
	require.NoError(t, err)

	low, err := Resample(healpix.Map{Nside: nside, Pixels: pixels}, nside/2)
	require.NoError(t, err)
	back, err := Resample(low, nside)
	require.NoError(t, err)

	a0, err := tr.Analyze(ctx, pixels, nside, lmax, lmax)
	require.NoError(t, err)
	a1, err := tr.Analyze(ctx, back.Pixels, nside, lmax, lmax)
	require.NoError(t, err)

	var diff, norm float64
	for i := range a0.Coeffs {
		d := cmplx.Abs(a1.Coeffs[i] - a0.Coeffs[i])
		n := cmplx.Abs(a0.Coeffs[i])
		diff += d * d
		norm += n * n
	}
	assert.Less(t, math.Sqrt(diff/norm), 0.1)

	_, err = Resample(healpix.Map{Nside: nside, Pixels: pixels}, 3)
	assert.ErrorIs(t, err, ErrConfiguration)
}
