// Package sht implements spherical harmonic transforms on HEALPix ring
// geometries: spin-0 synthesis and analysis, and spin-2 synthesis of Q/U maps
// from E/B coefficients.
package sht

import (
	"fmt"
	"math/cmplx"
)

// Alm holds harmonic coefficients for 0 <= m <= min(l, Mmax), l <= Lmax, in
// the healpy ordering.
type Alm struct {
	Lmax   int
	Mmax   int
	Coeffs []complex128
}

// AlmSize returns the number of coefficients of an expansion.
func AlmSize(lmax, mmax int) int {
	return ((mmax+1)*(mmax+2))/2 + (mmax+1)*(lmax-mmax)
}

// NewAlm allocates zero coefficients. mmax < 0 means mmax = lmax.
func NewAlm(lmax, mmax int) Alm {
	if mmax < 0 || mmax > lmax {
		mmax = lmax
	}
	return Alm{Lmax: lmax, Mmax: mmax, Coeffs: make([]complex128, AlmSize(lmax, mmax))}
}

// Index returns the position of (l, m) in Coeffs.
func (a Alm) Index(l, m int) int {
	return m*(2*a.Lmax+1-m)/2 + l
}

// At returns the coefficient for (l, m).
func (a Alm) At(l, m int) complex128 {
	return a.Coeffs[a.Index(l, m)]
}

// Set stores the coefficient for (l, m).
func (a Alm) Set(l, m int, v complex128) {
	a.Coeffs[a.Index(l, m)] = v
}

// Validate checks the coefficient count against Lmax and Mmax.
func (a Alm) Validate() error {
	if a.Lmax < 0 || a.Mmax < 0 || a.Mmax > a.Lmax {
		return fmt.Errorf("sht: invalid alm bounds lmax=%d mmax=%d", a.Lmax, a.Mmax)
	}
	if want := AlmSize(a.Lmax, a.Mmax); len(a.Coeffs) != want {
		return fmt.Errorf("sht: alm has %d coefficients, lmax=%d mmax=%d needs %d",
			len(a.Coeffs), a.Lmax, a.Mmax, want)
	}
	return nil
}

// Almxfl multiplies every coefficient of multipole l by fl[l] in place.
// Multipoles beyond len(fl) are set to zero.
func (a Alm) Almxfl(fl []float64) {
	for m := 0; m <= a.Mmax; m++ {
		for l := m; l <= a.Lmax; l++ {
			f := 0.0
			if l < len(fl) {
				f = fl[l]
			}
			idx := a.Index(l, m)
			a.Coeffs[idx] = a.Coeffs[idx] * complex(f, 0)
		}
	}
}

// Copy returns the coefficients truncated or zero padded to lmax, mmax.
func (a Alm) Copy(lmax, mmax int) Alm {
	out := NewAlm(lmax, mmax)
	for m := 0; m <= min(a.Mmax, out.Mmax); m++ {
		for l := m; l <= min(a.Lmax, out.Lmax); l++ {
			out.Set(l, m, a.At(l, m))
		}
	}
	return out
}

// Add accumulates b into a. Both must share the same bounds.
func (a Alm) Add(b Alm) error {
	if a.Lmax != b.Lmax || a.Mmax != b.Mmax {
		return fmt.Errorf("sht: cannot add alm (%d,%d) to (%d,%d)", b.Lmax, b.Mmax, a.Lmax, a.Mmax)
	}
	for i := range a.Coeffs {
		a.Coeffs[i] += b.Coeffs[i]
	}
	return nil
}

// AlmToCl returns the angular power spectrum estimated from the coefficients.
func AlmToCl(a Alm) []float64 {
	cl := make([]float64, a.Lmax+1)
	for l := 0; l <= a.Lmax; l++ {
		v := cmplx.Abs(a.At(l, 0))
		sum := v * v
		for m := 1; m <= min(l, a.Mmax); m++ {
			v = cmplx.Abs(a.At(l, m))
			sum += 2 * v * v
		}
		cl[l] = sum / float64(2*l+1)
	}
	return cl
}
