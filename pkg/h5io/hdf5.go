// Package h5io stores pixel maps, noise realizations and harmonic
// coefficients in HDF5 files.
package h5io

import (
	"fmt"

	"github.com/jmbenlloch/go-hdf5"
	"golang.org/x/exp/constraints"
)

// H5S_UNLIMITED is -1L
const unlimited = ^uint(0)

const maxChunk = 32768

// location is a file or a group.
type location interface {
	CreateDatasetWith(name string, dtype *hdf5.Datatype, dspace *hdf5.Dataspace, dcpl *hdf5.PropList) (*hdf5.Dataset, error)
	OpenDataset(name string) (*hdf5.Dataset, error)
}

func createFile(fname string) (*hdf5.File, error) {
	f, err := hdf5.CreateFile(fname, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", fname, err)
	}
	return f, nil
}

func createGroup(file *hdf5.File, groupName string) (*hdf5.Group, error) {
	g, err := file.CreateGroup(groupName)
	if err != nil {
		return nil, fmt.Errorf("creating group %s: %w", groupName, err)
	}
	return g, nil
}

func datasetPlist(chunks []uint, compression int) (*hdf5.PropList, error) {
	plist, err := hdf5.NewPropList(hdf5.P_DATASET_CREATE)
	if err != nil {
		return nil, err
	}
	if err := plist.SetChunk(chunks); err != nil {
		plist.Close()
		return nil, err
	}
	if compression > 0 {
		if err := plist.SetDeflate(compression); err != nil {
			plist.Close()
			return nil, err
		}
	}
	return plist, nil
}

// createRowArray creates an extendable [rows, width] array.
func createRowArray(group location, name string, dtype *hdf5.Datatype, width int, compression int) (*hdf5.Dataset, error) {
	dims := []uint{0, uint(width)}
	maxDims := []uint{unlimited, uint(width)}
	space, err := hdf5.CreateSimpleDataspace(dims, maxDims)
	if err != nil {
		return nil, err
	}
	defer space.Close()

	chunks := []uint{1, maxChunk}
	if width < maxChunk {
		chunks[1] = uint(width)
	}
	plist, err := datasetPlist(chunks, compression)
	if err != nil {
		return nil, err
	}
	defer plist.Close()

	dset, err := group.CreateDatasetWith(name, dtype, space, plist)
	if err != nil {
		return nil, fmt.Errorf("creating dataset %s: %w", name, err)
	}
	return dset, nil
}

func createTable(group location, name string, datatype interface{}, compression int) (*hdf5.Dataset, error) {
	space, err := hdf5.CreateSimpleDataspace([]uint{0}, []uint{unlimited})
	if err != nil {
		return nil, err
	}
	defer space.Close()

	plist, err := datasetPlist([]uint{1024}, compression)
	if err != nil {
		return nil, err
	}
	defer plist.Close()

	dtype, err := hdf5.NewDatatypeFromValue(datatype)
	if err != nil {
		return nil, fmt.Errorf("creating datatype for %s: %w", name, err)
	}
	dset, err := group.CreateDatasetWith(name, dtype, space, plist)
	if err != nil {
		return nil, fmt.Errorf("creating table %s: %w", name, err)
	}
	return dset, nil
}

func writeEntryToTable[T any](dataset *hdf5.Dataset, data T) error {
	array := []T{data}
	return writeArrayToTable(dataset, &array)
}

func writeArrayToTable[T any](dataset *hdf5.Dataset, data *[]T) error {
	length := uint(len(*data))
	dataspace, err := hdf5.CreateSimpleDataspace([]uint{length}, nil)
	if err != nil {
		return err
	}
	defer dataspace.Close()

	// extend
	dimsGot, _, err := dataset.Space().SimpleExtentDims()
	if err != nil {
		return err
	}
	rowsInFile := dimsGot[0]
	if err := dataset.Resize([]uint{rowsInFile + length}); err != nil {
		return err
	}
	filespace := dataset.Space()
	defer filespace.Close()

	if err := filespace.SelectHyperslab([]uint{rowsInFile}, nil, []uint{length}, nil); err != nil {
		return err
	}
	return dataset.WriteSubset(data, dataspace, filespace)
}

// appendRow extends a [rows, width] array by one row.
func appendRow[T any](dataset *hdf5.Dataset, data *[]T) error {
	dimsGot, _, err := dataset.Space().SimpleExtentDims()
	if err != nil {
		return err
	}
	rowsInFile, width := dimsGot[0], dimsGot[1]
	if uint(len(*data)) != width {
		return fmt.Errorf("row has %d values, dataset width is %d", len(*data), width)
	}
	if err := dataset.Resize([]uint{rowsInFile + 1, width}); err != nil {
		return err
	}
	filespace := dataset.Space()
	defer filespace.Close()

	count := []uint{1, width}
	if err := filespace.SelectHyperslab([]uint{rowsInFile, 0}, nil, count, nil); err != nil {
		return err
	}
	dataspace, err := hdf5.CreateSimpleDataspace(count, nil)
	if err != nil {
		return err
	}
	defer dataspace.Close()

	return dataset.WriteSubset(data, dataspace, filespace)
}

// readRow reads one row of a [rows, width] array stored with element type T.
func readRow[T constraints.Integer | constraints.Float](dataset *hdf5.Dataset, row uint) ([]float64, error) {
	filespace := dataset.Space()
	defer filespace.Close()
	dims, _, err := filespace.SimpleExtentDims()
	if err != nil {
		return nil, err
	}
	if len(dims) != 2 {
		return nil, fmt.Errorf("expected a 2d dataset, got %d dimensions", len(dims))
	}
	if row >= dims[0] {
		return nil, fmt.Errorf("row %d out of range, dataset has %d rows", row, dims[0])
	}

	count := []uint{1, dims[1]}
	if err := filespace.SelectHyperslab([]uint{row, 0}, nil, count, nil); err != nil {
		return nil, err
	}
	memspace, err := hdf5.CreateSimpleDataspace(count, nil)
	if err != nil {
		return nil, err
	}
	defer memspace.Close()

	buf := make([]T, dims[1])
	if err := dataset.ReadSubset(&buf, memspace, filespace); err != nil {
		return nil, err
	}
	out := make([]float64, len(buf))
	for i, v := range buf {
		out[i] = float64(v)
	}
	return out, nil
}

// readFloatRow dispatches on the stored float width.
func readFloatRow(dataset *hdf5.Dataset, row uint) ([]float64, error) {
	dtype, err := dataset.Datatype()
	if err != nil {
		return nil, err
	}
	defer dtype.Close()
	switch dtype.Size() {
	case 4:
		return readRow[float32](dataset, row)
	case 8:
		return readRow[float64](dataset, row)
	default:
		return nil, fmt.Errorf("unsupported element size %d", dtype.Size())
	}
}

func readTable[T any](dataset *hdf5.Dataset) ([]T, error) {
	space := dataset.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, err
	}
	rows := make([]T, dims[0])
	if len(rows) == 0 {
		return rows, nil
	}
	if err := dataset.Read(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}
