package skysim

import (
	"math"
	"math/rand/v2"

	"github.com/cmbs4/skysim_go/pkg/sht"
)

// seedStream fixes the second PCG word so a realization depends on its seed
// only.
const seedStream = 0x9e3779b97f4a7c15

// NewRand returns the generator owned by one realization.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seedStream))
}

// SynthesizeAlm draws a Gaussian isotropic field with spectrum cl. The
// imaginary parts of all coefficients are drawn first, then the real parts;
// both are scaled by sqrt(cl/2). The m = 0 coefficients are replaced by
// Re·√2 with zero imaginary part.
func SynthesizeAlm(rng *rand.Rand, cl []float64) sht.Alm {
	lmax := len(cl) - 1
	alm := sht.NewAlm(lmax, lmax)
	n := len(alm.Coeffs)

	im := make([]float64, n)
	for i := range im {
		im[i] = rng.NormFloat64()
	}
	re := make([]float64, n)
	for i := range re {
		re[i] = rng.NormFloat64()
	}

	for m := 0; m <= lmax; m++ {
		for l := m; l <= lmax; l++ {
			idx := alm.Index(l, m)
			scale := math.Sqrt(cl[l] * 0.5)
			if m == 0 {
				alm.Coeffs[idx] = complex(re[idx]*scale*math.Sqrt2, 0)
				continue
			}
			alm.Coeffs[idx] = complex(re[idx]*scale, im[idx]*scale)
		}
	}
	return alm
}
