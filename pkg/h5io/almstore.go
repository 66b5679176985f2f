package h5io

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmbenlloch/go-hdf5"

	skysim "github.com/cmbs4/skysim_go/pkg"
	"github.com/cmbs4/skysim_go/pkg/sht"
)

// AlmDataset holds one expansion per row, real and imaginary parts
// interleaved.
const AlmDataset = "alm"

type almInfoHDF5 struct {
	lmax int32
	mmax int32
}

// AlmStore writes the lensed T, E, B expansions and the convergence field of
// each simulation index.
type AlmStore struct {
	Dir           string
	TEBTemplate   string
	KappaTemplate string
	Compression   int
}

func NewAlmStore(dir string, compression int) AlmStore {
	return AlmStore{
		Dir:           dir,
		TEBTemplate:   "lcdm_teb_%04d.h5",
		KappaTemplate: "lcdm_k_%04d.h5",
		Compression:   compression,
	}
}

func (s AlmStore) TEBPath(idx int) string {
	return filepath.Join(s.Dir, fmt.Sprintf(s.TEBTemplate, idx))
}

func (s AlmStore) KappaPath(idx int) string {
	return filepath.Join(s.Dir, fmt.Sprintf(s.KappaTemplate, idx))
}

func (s AlmStore) HasTEB(idx int) (bool, error) {
	return fileExists(s.TEBPath(idx))
}

func (s AlmStore) HasConvergence(idx int) (bool, error) {
	return fileExists(s.KappaPath(idx))
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s AlmStore) WriteTEB(idx int, t, e, b sht.Alm) error {
	return s.writeAtomic(s.TEBPath(idx), t, e, b)
}

func (s AlmStore) WriteConvergence(idx int, kappa sht.Alm) error {
	return s.writeAtomic(s.KappaPath(idx), kappa)
}

// writeAtomic only exposes path once the file is complete, so an interrupted
// export is redone on the next run.
func (s AlmStore) writeAtomic(path string, alms ...sht.Alm) error {
	tmp := path + ".part"
	if err := WriteAlms(tmp, s.Compression, alms...); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// WriteAlms stores expansions sharing lmax and mmax in one file.
func WriteAlms(path string, compression int, alms ...sht.Alm) (err error) {
	if len(alms) == 0 {
		return fmt.Errorf("%w: no expansion to write", skysim.ErrConfiguration)
	}
	lmax, mmax := alms[0].Lmax, alms[0].Mmax
	for _, a := range alms {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: %v", skysim.ErrConfiguration, err)
		}
		if a.Lmax != lmax || a.Mmax != mmax {
			return fmt.Errorf("%w: expansions of %s differ in size", skysim.ErrConfiguration, path)
		}
	}

	f, err := createFile(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	run, err := createGroup(f, "Run")
	if err != nil {
		return err
	}
	defer run.Close()
	info, err := createTable(run, "info", almInfoHDF5{}, compression)
	if err != nil {
		return err
	}
	defer info.Close()
	if err := writeEntryToTable(info, almInfoHDF5{lmax: int32(lmax), mmax: int32(mmax)}); err != nil {
		return err
	}

	dset, err := createRowArray(f, AlmDataset, hdf5.T_NATIVE_DOUBLE, 2*sht.AlmSize(lmax, mmax), compression)
	if err != nil {
		return err
	}
	defer dset.Close()
	for _, a := range alms {
		row := make([]float64, 2*len(a.Coeffs))
		for i, c := range a.Coeffs {
			row[2*i] = real(c)
			row[2*i+1] = imag(c)
		}
		if err := appendRow(dset, &row); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}

// ReadAlms loads every expansion stored by WriteAlms.
func ReadAlms(path string) ([]sht.Alm, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, &skysim.ErrOpenFile{Filename: path, Err: err}
	}
	defer f.Close()

	info, err := f.OpenDataset("Run/info")
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no info table: %v", skysim.ErrDataIntegrity, path, err)
	}
	defer info.Close()
	rows, err := readTable[almInfoHDF5](info)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("%w: %s info table has %d rows", skysim.ErrDataIntegrity, path, len(rows))
	}
	lmax, mmax := int(rows[0].lmax), int(rows[0].mmax)

	dset, err := f.OpenDataset(AlmDataset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no %s dataset: %v", skysim.ErrDataIntegrity, path, AlmDataset, err)
	}
	defer dset.Close()
	space := dset.Space()
	dims, _, err := space.SimpleExtentDims()
	space.Close()
	if err != nil {
		return nil, err
	}

	out := make([]sht.Alm, dims[0])
	for i := range out {
		row, err := readRow[float64](dset, uint(i))
		if err != nil {
			return nil, err
		}
		a := sht.NewAlm(lmax, mmax)
		if len(row) != 2*len(a.Coeffs) {
			return nil, &skysim.ErrPixelCount{Path: path, Got: len(row) / 2, Want: len(a.Coeffs)}
		}
		for j := range a.Coeffs {
			a.Coeffs[j] = complex(row[2*j], row[2*j+1])
		}
		out[i] = a
	}
	return out, nil
}
