package lensing

import (
	"context"
	"fmt"

	skysim "github.com/cmbs4/skysim_go/pkg"
	"github.com/cmbs4/skysim_go/pkg/sht"
)

// Unlensed is a Remapper that ignores the deflection field. It truncates the
// input to the output bounds and returns a zero curl part for spin 2, so the
// export runs the beam and tensor steps on unlensed skies.
type Unlensed struct{}

func (Unlensed) Lens(ctx context.Context, _, alm sht.Alm, spin, lmaxOut, mmaxOut int) ([]sht.Alm, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lmaxOut > alm.Lmax || mmaxOut > lmaxOut {
		return nil, fmt.Errorf("%w: cannot truncate lmax %d to lmax %d mmax %d", skysim.ErrConfiguration, alm.Lmax, lmaxOut, mmaxOut)
	}
	out := alm.Copy(lmaxOut, mmaxOut)
	switch spin {
	case 0:
		return []sht.Alm{out}, nil
	case 2:
		return []sht.Alm{out, sht.NewAlm(lmaxOut, mmaxOut)}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported spin %d", skysim.ErrConfiguration, spin)
	}
}
