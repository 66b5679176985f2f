package healpix

import "fmt"

// UdGrade changes the resolution of a RING map. Degrading averages the valid
// children of each parent pixel (Unseen when none is valid); upgrading copies
// the parent value into its children.
func UdGrade(m Map, nsideOut int) (Map, error) {
	if err := CheckNside(m.Nside); err != nil {
		return Map{}, err
	}
	if err := CheckNside(nsideOut); err != nil {
		return Map{}, err
	}
	if len(m.Pixels) != NsideToNpix(m.Nside) {
		return Map{}, fmt.Errorf("healpix: map has %d pixels, nside %d needs %d",
			len(m.Pixels), m.Nside, NsideToNpix(m.Nside))
	}
	if nsideOut == m.Nside {
		return m.Copy(), nil
	}

	nest := Reorder(m.Pixels, m.Nside, true)
	out := make([]float64, NsideToNpix(nsideOut))

	if nsideOut < m.Nside {
		ratio := m.Nside / nsideOut
		children := ratio * ratio
		for parent := range out {
			sum, n := 0.0, 0
			for _, v := range nest[parent*children : (parent+1)*children] {
				if IsUnseen(v) {
					continue
				}
				sum += v
				n++
			}
			if n == 0 {
				out[parent] = Unseen
			} else {
				out[parent] = sum / float64(n)
			}
		}
	} else {
		ratio := nsideOut / m.Nside
		children := ratio * ratio
		for parent, v := range nest {
			for c := 0; c < children; c++ {
				out[parent*children+c] = v
			}
		}
	}

	return Map{Nside: nsideOut, Pixels: Reorder(out, nsideOut, false)}, nil
}
