// Package healpix implements the parts of the HEALPix equal-area pixelization
// used by the noise simulations: RING ordered maps, ring geometry, conversion
// between RING and NESTED ordering and resolution changes.
package healpix

import (
	"fmt"
	"math"
)

// Unseen marks pixels that are not observed.
const Unseen = -1.6375e30

// Map is a RING ordered HEALPix map.
type Map struct {
	Nside  int
	Pixels []float64
}

// NewMap allocates a zero filled map.
func NewMap(nside int) Map {
	return Map{Nside: nside, Pixels: make([]float64, NsideToNpix(nside))}
}

// Copy returns a deep copy of the map.
func (m Map) Copy() Map {
	pixels := make([]float64, len(m.Pixels))
	copy(pixels, m.Pixels)
	return Map{Nside: m.Nside, Pixels: pixels}
}

// IsUnseen reports whether v carries the sentinel value.
func IsUnseen(v float64) bool {
	return math.Abs(v/Unseen-1) < 1e-7
}

// ValidNside reports whether nside is a positive power of two.
func ValidNside(nside int) bool {
	return nside > 0 && nside&(nside-1) == 0
}

// CheckNside returns an error when nside is not a valid resolution.
func CheckNside(nside int) error {
	if !ValidNside(nside) {
		return fmt.Errorf("healpix: invalid nside %d (must be a positive power of 2)", nside)
	}
	return nil
}

// NsideToNpix returns the number of pixels of a map.
func NsideToNpix(nside int) int {
	return 12 * nside * nside
}

// NpixToNside returns the resolution of a map with npix pixels.
func NpixToNside(npix int) (int, error) {
	nside := int(math.Round(math.Sqrt(float64(npix) / 12)))
	if NsideToNpix(nside) != npix || !ValidNside(nside) {
		return 0, fmt.Errorf("healpix: %d is not a valid number of pixels", npix)
	}
	return nside, nil
}

// PixelArea returns the solid angle of one pixel in steradians.
func PixelArea(nside int) float64 {
	return 4 * math.Pi / float64(NsideToNpix(nside))
}

// PixelAreaArcmin2 returns the pixel area in square arcminutes.
func PixelAreaArcmin2(nside int) float64 {
	deg := PixelArea(nside) * (180 / math.Pi) * (180 / math.Pi)
	return deg * 3600
}

func order(nside int) uint {
	o := uint(0)
	for (1 << o) < nside {
		o++
	}
	return o
}

func isqrt(v int) int {
	r := int(math.Sqrt(float64(v) + 0.5))
	for r*r > v {
		r--
	}
	for (r+1)*(r+1) <= v {
		r++
	}
	return r
}

// Pix2Ang returns the colatitude and longitude (radians) of a RING pixel centre.
func Pix2Ang(nside, pix int) (theta, phi float64) {
	npix := NsideToNpix(nside)
	ncap := 2 * nside * (nside - 1)
	fnside := float64(nside)

	switch {
	case pix < ncap:
		iring := (1 + isqrt(1+2*pix)) >> 1
		iphi := pix + 1 - 2*iring*(iring-1)
		z := 1 - float64(iring*iring)/(3*fnside*fnside)
		theta = math.Acos(z)
		phi = (float64(iphi) - 0.5) * math.Pi / (2 * float64(iring))
	case pix < npix-ncap:
		ip := pix - ncap
		iring := ip/(4*nside) + nside
		iphi := ip%(4*nside) + 1
		fodd := 0.5
		if (iring+nside)&1 == 1 {
			fodd = 1
		}
		z := (2*fnside - float64(iring)) * 2 / (3 * fnside)
		theta = math.Acos(z)
		phi = (float64(iphi) - fodd) * math.Pi / (2 * fnside)
	default:
		ip := npix - pix
		iring := (1 + isqrt(2*ip-1)) >> 1
		iphi := 4*iring + 1 - (ip - 2*iring*(iring-1))
		z := -1 + float64(iring*iring)/(3*fnside*fnside)
		theta = math.Acos(z)
		phi = (float64(iphi) - 0.5) * math.Pi / (2 * float64(iring))
	}
	return theta, phi
}

var (
	jrll = [12]int{2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	jpll = [12]int{1, 3, 5, 7, 0, 2, 4, 6, 1, 3, 5, 7}
)

func spreadBits(v int) int {
	r := 0
	for b := 0; v>>b != 0; b++ {
		r |= ((v >> b) & 1) << (2 * b)
	}
	return r
}

func compressBits(v int) int {
	r := 0
	for b := 0; v>>(2*b) != 0; b++ {
		r |= ((v >> (2 * b)) & 1) << b
	}
	return r
}

func nest2xyf(nside, pix int) (ix, iy, face int) {
	o := order(nside)
	face = pix >> (2 * o)
	pix &= nside*nside - 1
	return compressBits(pix), compressBits(pix >> 1), face
}

func xyf2nest(nside, ix, iy, face int) int {
	o := order(nside)
	return face<<(2*o) + spreadBits(ix) + spreadBits(iy)<<1
}

func ring2xyf(nside, pix int) (ix, iy, face int) {
	npix := NsideToNpix(nside)
	ncap := 2 * nside * (nside - 1)
	nl2 := 2 * nside
	nl4 := 4 * nside

	var iring, iphi, kshift, nr int
	switch {
	case pix < ncap:
		iring = (1 + isqrt(1+2*pix)) >> 1
		iphi = pix + 1 - 2*iring*(iring-1)
		kshift = 0
		nr = iring
		face = (iphi - 1) / nr
	case pix < npix-ncap:
		ip := pix - ncap
		tmp := ip / nl4
		iring = tmp + nside
		iphi = ip - tmp*nl4 + 1
		kshift = (iring + nside) & 1
		nr = nside
		ire := tmp + 1
		irm := nl2 + 2 - ire
		ifm := (iphi - ire>>1 + nside - 1) / nside
		ifp := (iphi - irm>>1 + nside - 1) / nside
		switch {
		case ifp == ifm:
			face = ifp | 4
		case ifp < ifm:
			face = ifp
		default:
			face = ifm + 8
		}
	default:
		ip := npix - pix
		iring = (1 + isqrt(2*ip-1)) >> 1
		iphi = 4*iring + 1 - (ip - 2*iring*(iring-1))
		kshift = 0
		nr = iring
		iring = 2*nl2 - iring
		face = 8 + (iphi-1)/nr
	}

	irt := iring - jrll[face]*nside + 1
	ipt := 2*iphi - jpll[face]*nr - kshift - 1
	if ipt >= nl2 {
		ipt -= 8 * nside
	}
	ix = (ipt - irt) >> 1
	iy = (-ipt - irt) >> 1
	return ix, iy, face
}

func xyf2ring(nside, ix, iy, face int) int {
	npix := NsideToNpix(nside)
	ncap := 2 * nside * (nside - 1)
	nl4 := 4 * nside
	jr := jrll[face]*nside - ix - iy - 1

	var nr, kshift, nBefore int
	switch {
	case jr < nside:
		nr = jr
		nBefore = 2 * nr * (nr - 1)
	case jr > 3*nside:
		nr = nl4 - jr
		nBefore = npix - 2*(nr+1)*nr
	default:
		nr = nside
		nBefore = ncap + (jr-nside)*nl4
		kshift = (jr - nside) & 1
	}

	jp := (jpll[face]*nr + ix - iy + 1 + kshift) / 2
	if jp > nl4 {
		jp -= nl4
	} else if jp < 1 {
		jp += nl4
	}
	return nBefore + jp - 1
}

// Ring2Nest converts a RING pixel index to NESTED ordering.
func Ring2Nest(nside, pix int) int {
	ix, iy, face := ring2xyf(nside, pix)
	return xyf2nest(nside, ix, iy, face)
}

// Nest2Ring converts a NESTED pixel index to RING ordering.
func Nest2Ring(nside, pix int) int {
	ix, iy, face := nest2xyf(nside, pix)
	return xyf2ring(nside, ix, iy, face)
}

// Reorder returns a copy of a RING map in NESTED ordering, or the reverse
// when toNest is false.
func Reorder(pixels []float64, nside int, toNest bool) []float64 {
	out := make([]float64, len(pixels))
	for p := range pixels {
		if toNest {
			out[Ring2Nest(nside, p)] = pixels[p]
		} else {
			out[Nest2Ring(nside, p)] = pixels[p]
		}
	}
	return out
}
