package healpix

import "math"

// Ring describes one iso-latitude ring of a HEALPix map.
type Ring struct {
	Index int // 1-based ring number from the north pole
	Theta float64
	Cos   float64
	Sin   float64
	Nphi  int
	Start int     // first RING pixel of the ring
	Phi0  float64 // longitude of the first pixel
}

// Geometry is the list of rings a transform visits.
type Geometry struct {
	Nside int
	Rings []Ring
}

// NewGeometry returns the full-sky ring geometry of a map.
func NewGeometry(nside int) Geometry {
	nrings := 4*nside - 1
	rings := make([]Ring, 0, nrings)
	npix := NsideToNpix(nside)
	fnside := float64(nside)
	for i := 1; i <= nrings; i++ {
		var r Ring
		r.Index = i
		switch {
		case i < nside:
			r.Nphi = 4 * i
			r.Start = 2 * i * (i - 1)
			r.Phi0 = math.Pi / (4 * float64(i))
			frac := float64(i*i) / (3 * fnside * fnside)
			r.Cos = 1 - frac
			r.Sin = math.Sqrt(frac * (2 - frac))
		case i <= 3*nside:
			r.Nphi = 4 * nside
			r.Start = 2*nside*(nside-1) + (i-nside)*4*nside
			if (i-nside)&1 == 0 {
				r.Phi0 = math.Pi / (4 * fnside)
			}
			r.Cos = (2*fnside - float64(i)) * 2 / (3 * fnside)
			r.Sin = math.Sqrt((1 - r.Cos) * (1 + r.Cos))
		default:
			s := 4*nside - i
			r.Nphi = 4 * s
			r.Start = npix - 2*s*(s+1)
			r.Phi0 = math.Pi / (4 * float64(s))
			frac := float64(s*s) / (3 * fnside * fnside)
			r.Cos = frac - 1
			r.Sin = math.Sqrt(frac * (2 - frac))
		}
		r.Theta = math.Atan2(r.Sin, r.Cos)
		rings = append(rings, r)
	}
	return Geometry{Nside: nside, Rings: rings}
}

// Restrict keeps the rings whose colatitude lies in [thetaMin, thetaMax].
func (g Geometry) Restrict(thetaMin, thetaMax float64) Geometry {
	rings := make([]Ring, 0, len(g.Rings))
	for _, r := range g.Rings {
		if r.Theta >= thetaMin && r.Theta <= thetaMax {
			rings = append(rings, r)
		}
	}
	return Geometry{Nside: g.Nside, Rings: rings}
}

// Npix returns the number of pixels covered by the geometry.
func (g Geometry) Npix() int {
	n := 0
	for _, r := range g.Rings {
		n += r.Nphi
	}
	return n
}

// Covered returns a RING mask of the pixels covered by the geometry.
func (g Geometry) Covered() []bool {
	mask := make([]bool, NsideToNpix(g.Nside))
	for _, r := range g.Rings {
		for j := 0; j < r.Nphi; j++ {
			mask[r.Start+j] = true
		}
	}
	return mask
}
