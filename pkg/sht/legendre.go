package sht

import "math"

// recursion holds the l-recursion factors sqrt((4l²-1)/(l²-m²)) for every m.
type recursion struct {
	lmax int
	mmax int
	fac  [][]float64 // fac[m][l-m]
	// logNorm[m] = 0.5 log((2m+1)/4π) + 0.5 Σ log((2k-1)/2k)
	logNorm []float64
}

func newRecursion(lmax, mmax int) *recursion {
	r := &recursion{
		lmax:    lmax,
		mmax:    mmax,
		fac:     make([][]float64, mmax+1),
		logNorm: make([]float64, mmax+1),
	}
	acc := 0.0
	for m := 0; m <= mmax; m++ {
		if m > 0 {
			acc += 0.5 * math.Log(float64(2*m-1)/float64(2*m))
		}
		r.logNorm[m] = 0.5*math.Log(float64(2*m+1)/(4*math.Pi)) + acc

		f := make([]float64, lmax-m+1)
		for l := m + 1; l <= lmax; l++ {
			fl, fm := float64(l), float64(m)
			f[l-m] = math.Sqrt((4*fl*fl - 1) / (fl*fl - fm*fm))
		}
		r.fac[m] = f
	}
	return r
}

// lambda fills out[l-m], l = m..lmax, with the normalized associated Legendre
// functions λ_lm(cos θ) including the Condon-Shortley phase.
func (r *recursion) lambda(m int, cos, sin float64, out []float64) {
	n := r.lmax - m + 1
	out = out[:n]
	var start float64
	if m == 0 {
		start = math.Exp(r.logNorm[0])
	} else if sin > 0 {
		start = math.Exp(r.logNorm[m] + float64(m)*math.Log(sin))
		if m&1 == 1 {
			start = -start
		}
	}
	out[0] = start
	if n == 1 {
		return
	}
	f := r.fac[m]
	out[1] = f[1] * cos * start
	for k := 2; k < n; k++ {
		out[k] = f[k] * (cos*out[k-1] - out[k-2]/f[k-1])
	}
}
