package h5io

import (
	"fmt"
	"math"
	"path/filepath"
	"sync"

	skysim "github.com/cmbs4/skysim_go/pkg"
	"github.com/cmbs4/skysim_go/pkg/sht"
)

// UnlensedStore serves unlensed simulations from alm files. Each scalar file
// holds T, E and the deflection potential, in that order; each tensor file
// holds T, E, B for a tensor-to-scalar ratio of one.
type UnlensedStore struct {
	Dir            string
	ScalarTemplate string
	TensorTemplate string

	lmax int

	mu     sync.Mutex
	cached int
	scalar []sht.Alm
}

func NewUnlensedStore(dir string, lmax int) *UnlensedStore {
	return &UnlensedStore{
		Dir:            dir,
		ScalarTemplate: "unlensed_%04d.h5",
		TensorTemplate: "tensor_%04d.h5",
		lmax:           lmax,
		cached:         -1,
	}
}

func (s *UnlensedStore) Lmax() int {
	return s.lmax
}

// load reads a file expected to hold three expansions of at least lmax.
func (s *UnlensedStore) load(path string) ([]sht.Alm, error) {
	alms, err := ReadAlms(path)
	if err != nil {
		return nil, err
	}
	if len(alms) != 3 {
		return nil, fmt.Errorf("%w: %s holds %d expansions, want 3", skysim.ErrDataIntegrity, path, len(alms))
	}
	for i, a := range alms {
		if a.Lmax < s.lmax {
			return nil, fmt.Errorf("%w: %s expansion %d has lmax %d below %d", skysim.ErrDataIntegrity, path, i, a.Lmax, s.lmax)
		}
	}
	return alms, nil
}

// scalarAlms keeps the last index read, since a lensed build and a
// convergence build both ask for it.
func (s *UnlensedStore) scalarAlms(idx int) ([]sht.Alm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == idx {
		return s.scalar, nil
	}
	alms, err := s.load(filepath.Join(s.Dir, fmt.Sprintf(s.ScalarTemplate, idx)))
	if err != nil {
		return nil, err
	}
	s.cached, s.scalar = idx, alms
	return alms, nil
}

func (s *UnlensedStore) TLM(idx int) (sht.Alm, error) {
	alms, err := s.scalarAlms(idx)
	if err != nil {
		return sht.Alm{}, err
	}
	return alms[0].Copy(alms[0].Lmax, alms[0].Mmax), nil
}

func (s *UnlensedStore) ELM(idx int) (sht.Alm, error) {
	alms, err := s.scalarAlms(idx)
	if err != nil {
		return sht.Alm{}, err
	}
	return alms[1].Copy(alms[1].Lmax, alms[1].Mmax), nil
}

func (s *UnlensedStore) DeflectionAlm(idx int) (sht.Alm, error) {
	alms, err := s.scalarAlms(idx)
	if err != nil {
		return sht.Alm{}, err
	}
	return alms[2].Copy(alms[2].Lmax, alms[2].Mmax), nil
}

// TensorAlms scales the r=1 tensor expansions by sqrt(r).
func (s *UnlensedStore) TensorAlms(idx int, r float64) (sht.Alm, sht.Alm, sht.Alm, error) {
	if r < 0 {
		return sht.Alm{}, sht.Alm{}, sht.Alm{}, fmt.Errorf("%w: negative tensor ratio %g", skysim.ErrConfiguration, r)
	}
	alms, err := s.load(filepath.Join(s.Dir, fmt.Sprintf(s.TensorTemplate, idx)))
	if err != nil {
		return sht.Alm{}, sht.Alm{}, sht.Alm{}, err
	}
	amp := math.Sqrt(r)
	for _, a := range alms {
		for i := range a.Coeffs {
			a.Coeffs[i] *= complex(amp, 0)
		}
	}
	return alms[0], alms[1], alms[2], nil
}
