package h5io

import (
	"fmt"

	"github.com/jmbenlloch/go-hdf5"

	skysim "github.com/cmbs4/skysim_go/pkg"
	"github.com/cmbs4/skysim_go/pkg/healpix"
)

// MapDataset holds the fields of a map file as rows of a [fields, npix]
// array in RING order.
const MapDataset = "maps"

// MapStore reads map fields from HDF5 files.
type MapStore struct{}

var _ skysim.MapStore = MapStore{}

// ReadField returns row field of the maps dataset of path.
func (MapStore) ReadField(path string, field int) ([]float64, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, &skysim.ErrOpenFile{Filename: path, Err: err}
	}
	defer f.Close()

	dset, err := f.OpenDataset(MapDataset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no %s dataset: %v", skysim.ErrDataIntegrity, path, MapDataset, err)
	}
	defer dset.Close()

	if field < 0 {
		return nil, fmt.Errorf("negative field index %d", field)
	}
	pixels, err := readFloatRow(dset, uint(field))
	if err != nil {
		return nil, fmt.Errorf("%w: %s field %d: %v", skysim.ErrDataIntegrity, path, field, err)
	}
	if _, err := healpix.NpixToNside(len(pixels)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", skysim.ErrDataIntegrity, path, err)
	}
	return pixels, nil
}

// WriteMapFile writes fields (all of the same length) as a float64 map file.
func WriteMapFile(path string, fields [][]float64, compression int) (err error) {
	if len(fields) == 0 {
		return fmt.Errorf("%w: no field to write", skysim.ErrConfiguration)
	}
	npix := len(fields[0])
	for i, field := range fields {
		if len(field) != npix {
			return &skysim.ErrPixelCount{Path: fmt.Sprintf("%s[%d]", path, i), Got: len(field), Want: npix}
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

	dset, err := createRowArray(f, MapDataset, hdf5.T_NATIVE_DOUBLE, npix, compression)
	if err != nil {
		return err
	}
	defer dset.Close()

	for _, field := range fields {
		row := field
		if err := appendRow(dset, &row); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}
