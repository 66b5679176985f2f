package sht

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"os"
	"runtime"
	"strconv"

	"github.com/cmbs4/skysim_go/pkg/healpix"
	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/dsp/fourier"
)

// analysisBlocks is the fixed number of partial sums used by Analyze, so the
// floating point result does not depend on the worker count.
const analysisBlocks = 16

// Transformer runs harmonic transforms ring by ring on a bounded number of
// goroutines.
type Transformer struct {
	Workers int
}

// NewTransformer returns a transformer. workers <= 0 selects DefaultWorkers.
func NewTransformer(workers int) *Transformer {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	return &Transformer{Workers: workers}
}

// DefaultWorkers reads OMP_NUM_THREADS, then the physical core count, then
// the logical CPU count.
func DefaultWorkers() int {
	if v, err := strconv.Atoi(os.Getenv("OMP_NUM_THREADS")); err == nil && v > 0 {
		return v
	}
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func (t *Transformer) group(ctx context.Context) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	workers := t.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	return g, gctx
}

// Synthesize evaluates a spin-0 expansion on the rings of geom. Pixels outside
// geom are left at zero.
func (t *Transformer) Synthesize(ctx context.Context, geom healpix.Geometry, alm Alm) ([]float64, error) {
	if err := alm.Validate(); err != nil {
		return nil, err
	}
	out := make([]float64, healpix.NsideToNpix(geom.Nside))
	rec := newRecursion(alm.Lmax, alm.Mmax)

	g, gctx := t.group(ctx)
	for _, ring := range geom.Rings {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			lam := make([]float64, alm.Lmax+1)
			fm := make([]complex128, alm.Mmax+1)
			for m := 0; m <= alm.Mmax; m++ {
				rec.lambda(m, ring.Cos, ring.Sin, lam)
				var acc complex128
				for l := m; l <= alm.Lmax; l++ {
					acc += alm.Coeffs[alm.Index(l, m)] * complex(lam[l-m], 0)
				}
				fm[m] = acc
			}
			ringToPixels(ring, fm, out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("sht: synthesis: %w", err)
	}
	return out, nil
}

// SynthesizeSpin2 evaluates the Q and U maps of the E and B expansions using
// the HEALPix polarization convention. Multipoles l < 2 do not contribute.
func (t *Transformer) SynthesizeSpin2(ctx context.Context, geom healpix.Geometry, e, b Alm) ([]float64, []float64, error) {
	if err := e.Validate(); err != nil {
		return nil, nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, nil, err
	}
	if e.Lmax != b.Lmax || e.Mmax != b.Mmax {
		return nil, nil, fmt.Errorf("sht: E (%d,%d) and B (%d,%d) bounds differ", e.Lmax, e.Mmax, b.Lmax, b.Mmax)
	}
	npix := healpix.NsideToNpix(geom.Nside)
	q := make([]float64, npix)
	u := make([]float64, npix)
	rec := newRecursion(e.Lmax, e.Mmax)
	lmax, mmax := e.Lmax, e.Mmax

	g, gctx := t.group(ctx)
	for _, ring := range geom.Rings {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			lam := make([]float64, lmax+1)
			qm := make([]complex128, mmax+1)
			um := make([]complex128, mmax+1)
			c, s := ring.Cos, ring.Sin
			invS2 := 1 / (s * s)
			for m := 0; m <= mmax; m++ {
				rec.lambda(m, c, s, lam)
				fm := float64(m)
				var accQ, accU complex128
				for l := max(m, 2); l <= lmax; l++ {
					fl := float64(l)
					lamLM := lam[l-m]
					lamL1 := 0.0
					if l > m {
						lamL1 = lam[l-m-1]
					}
					lamFact := math.Sqrt((2*fl + 1) / (2*fl - 1) * (fl*fl - fm*fm))
					norm := 1 / math.Sqrt((fl+2)*(fl+1)*fl*(fl-1))

					f1 := 2 * norm * (-((fl-fm*fm)*invS2+fl*(fl-1)/2)*lamLM + lamFact*c*invS2*lamL1)
					f2 := 2 * fm * norm * invS2 * (-(fl-1)*c*lamLM + lamFact*lamL1)

					idx := e.Index(l, m)
					ea, ba := e.Coeffs[idx], b.Coeffs[idx]
					accQ -= ea*complex(f1, 0) + complex(0, f2)*ba
					accU -= ba*complex(f1, 0) - complex(0, f2)*ea
				}
				qm[m] = accQ
				um[m] = accU
			}
			ringToPixels(ring, qm, q)
			ringToPixels(ring, um, u)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("sht: spin-2 synthesis: %w", err)
	}
	return q, u, nil
}

// ringToPixels writes f(φ) = Σ_m F_m e^{imφ} + c.c. on the ring pixels.
func ringToPixels(ring healpix.Ring, fm []complex128, out []float64) {
	n := ring.Nphi
	coeff := make([]complex128, n)
	for m, v := range fm {
		shifted := v * cmplx.Exp(complex(0, float64(m)*ring.Phi0))
		coeff[m%n] += shifted
		if m > 0 {
			coeff[(n-m%n)%n] += cmplx.Conj(shifted)
		}
	}
	fft := fourier.NewCmplxFFT(n)
	seq := fft.Sequence(nil, coeff)
	for j := 0; j < n; j++ {
		out[ring.Start+j] = real(seq[j])
	}
}

// Analyze computes the expansion of a full-sky RING map up to lmax, mmax
// using pixel-area quadrature. Unseen pixels are treated as zero.
func (t *Transformer) Analyze(ctx context.Context, pixels []float64, nside, lmax, mmax int) (Alm, error) {
	if err := healpix.CheckNside(nside); err != nil {
		return Alm{}, err
	}
	if len(pixels) != healpix.NsideToNpix(nside) {
		return Alm{}, fmt.Errorf("sht: map has %d pixels, nside %d needs %d",
			len(pixels), nside, healpix.NsideToNpix(nside))
	}
	alm := NewAlm(lmax, mmax)
	mmax = alm.Mmax
	rec := newRecursion(lmax, mmax)
	omega := healpix.PixelArea(nside)
	rings := healpix.NewGeometry(nside).Rings

	partial := make([][]complex128, analysisBlocks)
	g, gctx := t.group(ctx)
	for b := 0; b < analysisBlocks; b++ {
		lo := b * len(rings) / analysisBlocks
		hi := (b + 1) * len(rings) / analysisBlocks
		if lo == hi {
			continue
		}
		g.Go(func() error {
			acc := make([]complex128, len(alm.Coeffs))
			lam := make([]float64, lmax+1)
			for _, ring := range rings[lo:hi] {
				if err := gctx.Err(); err != nil {
					return err
				}
				gm := pixelsToRing(ring, pixels, mmax)
				for m := 0; m <= mmax; m++ {
					rec.lambda(m, ring.Cos, ring.Sin, lam)
					w := gm[m] * complex(omega, 0)
					for l := m; l <= lmax; l++ {
						acc[alm.Index(l, m)] += w * complex(lam[l-m], 0)
					}
				}
			}
			partial[b] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Alm{}, fmt.Errorf("sht: analysis: %w", err)
	}
	for _, acc := range partial {
		for i, v := range acc {
			alm.Coeffs[i] += v
		}
	}
	return alm, nil
}

// pixelsToRing returns G_m = Σ_j f_j e^{-imφ_j} for m = 0..mmax.
func pixelsToRing(ring healpix.Ring, pixels []float64, mmax int) []complex128 {
	n := ring.Nphi
	seq := make([]complex128, n)
	for j := 0; j < n; j++ {
		v := pixels[ring.Start+j]
		if healpix.IsUnseen(v) {
			continue
		}
		seq[j] = complex(v, 0)
	}
	fft := fourier.NewCmplxFFT(n)
	coeff := fft.Coefficients(nil, seq)
	gm := make([]complex128, mmax+1)
	for m := range gm {
		gm[m] = coeff[m%n] * cmplx.Exp(complex(0, -float64(m)*ring.Phi0))
	}
	return gm
}
