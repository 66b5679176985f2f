package h5io

import (
	"errors"
	"fmt"

	"github.com/jmbenlloch/go-hdf5"

	skysim "github.com/cmbs4/skysim_go/pkg"
	"github.com/cmbs4/skysim_go/pkg/healpix"
)

var stokesNames = [3]string{"T", "Q", "U"}

// RealizationRow is one catalog entry. Row i of the catalog describes row i
// of every maps and mask dataset.
type RealizationRow struct {
	Channel    skysim.Channel
	Seed       uint64
	Nside      int
	Lmax       int
	Variant    skysim.Variant
	ObservedT  int
	ObservedP  int
	Flagged    int
	Degenerate int
	Negative   int
}

type realizationRowHDF5 struct {
	channel    int32
	nside      int32
	seed       uint64
	lmax       int32
	variant    int32
	observedT  int64
	observedP  int64
	flagged    int64
	degenerate int64
	negative   int64
}

func toHDF5Row(r *skysim.NoiseRealization) realizationRowHDF5 {
	return realizationRowHDF5{
		channel:    int32(r.Channel),
		nside:      int32(r.Nside),
		seed:       r.Seed,
		lmax:       int32(r.Lmax),
		variant:    int32(r.Variant),
		observedT:  int64(r.Report.ObservedT),
		observedP:  int64(r.Report.ObservedP),
		flagged:    int64(r.Report.FlaggedPixels),
		degenerate: int64(r.Report.DegeneratePixels),
		negative:   int64(r.Report.NegativePixels),
	}
}

func (h realizationRowHDF5) row() RealizationRow {
	return RealizationRow{
		Channel:    skysim.Channel(h.channel),
		Seed:       h.seed,
		Nside:      int(h.nside),
		Lmax:       int(h.lmax),
		Variant:    skysim.Variant(h.variant),
		ObservedT:  int(h.observedT),
		ObservedP:  int(h.observedP),
		Flagged:    int(h.flagged),
		Degenerate: int(h.degenerate),
		Negative:   int(h.negative),
	}
}

// Writer appends noise realizations of one resolution to an HDF5 file.
type Writer struct {
	File      *hdf5.File
	Filename  string
	Nside     int
	RunGroup  *hdf5.Group
	MapsGroup *hdf5.Group
	MaskGroup *hdf5.Group
	Catalog   *hdf5.Dataset
	Maps      [3]*hdf5.Dataset
	Masks     [3]*hdf5.Dataset
	Count     int
	logger    skysim.Logger
}

// NewWriter creates filename with empty maps/T|Q|U and mask/T|Q|U arrays and
// the Run/realizations catalog.
func NewWriter(filename string, nside int, compression int, logger skysim.Logger) (*Writer, error) {
	if err := healpix.CheckNside(nside); err != nil {
		return nil, fmt.Errorf("%w: %v", skysim.ErrConfiguration, err)
	}
	if logger == nil {
		logger = skysim.NopLogger()
	}
	npix := healpix.NsideToNpix(nside)

	w := &Writer{Filename: filename, Nside: nside, logger: logger}
	var err error
	logger.Info(fmt.Sprintf("Creating file %s", filename), "h5io")
	if w.File, err = createFile(filename); err != nil {
		return nil, err
	}
	if err := w.init(npix, compression); err != nil {
		return nil, errors.Join(err, w.Close())
	}
	return w, nil
}

func (w *Writer) init(npix, compression int) error {
	var err error
	if w.RunGroup, err = createGroup(w.File, "Run"); err != nil {
		return err
	}
	if w.MapsGroup, err = createGroup(w.File, "maps"); err != nil {
		return err
	}
	if w.MaskGroup, err = createGroup(w.File, "mask"); err != nil {
		return err
	}
	if w.Catalog, err = createTable(w.RunGroup, "realizations", realizationRowHDF5{}, compression); err != nil {
		return err
	}
	for i, name := range stokesNames {
		if w.Maps[i], err = createRowArray(w.MapsGroup, name, hdf5.T_NATIVE_FLOAT, npix, compression); err != nil {
			return err
		}
		if w.Masks[i], err = createRowArray(w.MaskGroup, name, hdf5.T_NATIVE_INT8, npix, compression); err != nil {
			return err
		}
	}
	return nil
}

// WriteRealization appends the maps, masks and catalog row of r.
func (w *Writer) WriteRealization(r *skysim.NoiseRealization) error {
	if r.Nside != w.Nside {
		return fmt.Errorf("%w: realization nside %d written to a file of nside %d", skysim.ErrConfiguration, r.Nside, w.Nside)
	}
	for i, name := range stokesNames {
		pixels := make([]float32, len(r.Maps[i]))
		for p, v := range r.Maps[i] {
			pixels[p] = float32(v)
		}
		if err := appendRow(w.Maps[i], &pixels); err != nil {
			return fmt.Errorf("writing maps/%s: %w", name, err)
		}
		mask := make([]int8, len(r.Observed[i]))
		for p, ok := range r.Observed[i] {
			if ok {
				mask[p] = 1
			}
		}
		if err := appendRow(w.Masks[i], &mask); err != nil {
			return fmt.Errorf("writing mask/%s: %w", name, err)
		}
	}
	if err := writeEntryToTable(w.Catalog, toHDF5Row(r)); err != nil {
		return fmt.Errorf("writing catalog: %w", err)
	}
	w.Count++
	return nil
}

func (w *Writer) Close() error {
	w.logger.Info(fmt.Sprintf("Closing file %s with %d realizations", w.Filename, w.Count), "h5io")
	var errs []error

	for i, name := range stokesNames {
		if w.Maps[i] != nil {
			if err := w.Maps[i].Close(); err != nil {
				errs = append(errs, fmt.Errorf("error closing maps/%s: %w", name, err))
			}
		}
		if w.Masks[i] != nil {
			if err := w.Masks[i].Close(); err != nil {
				errs = append(errs, fmt.Errorf("error closing mask/%s: %w", name, err))
			}
		}
	}
	if w.Catalog != nil {
		if err := w.Catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing catalog: %w", err))
		}
	}
	for _, g := range []*hdf5.Group{w.RunGroup, w.MapsGroup, w.MaskGroup} {
		if g != nil {
			if err := g.Close(); err != nil {
				errs = append(errs, fmt.Errorf("error closing group: %w", err))
			}
		}
	}
	if w.File != nil {
		if err := w.File.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing file: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ReadCatalog returns the catalog of a realization file.
func ReadCatalog(filename string) ([]RealizationRow, error) {
	f, err := hdf5.OpenFile(filename, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, &skysim.ErrOpenFile{Filename: filename, Err: err}
	}
	defer f.Close()

	dset, err := f.OpenDataset("Run/realizations")
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no catalog: %v", skysim.ErrDataIntegrity, filename, err)
	}
	defer dset.Close()

	rows, err := readTable[realizationRowHDF5](dset)
	if err != nil {
		return nil, err
	}
	out := make([]RealizationRow, len(rows))
	for i, r := range rows {
		out[i] = r.row()
	}
	return out, nil
}

// ReadRealization loads row index of a realization file.
func ReadRealization(filename string, index int) (*skysim.NoiseRealization, error) {
	catalog, err := ReadCatalog(filename)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(catalog) {
		return nil, fmt.Errorf("realization %d out of range, %s holds %d", index, filename, len(catalog))
	}
	row := catalog[index]

	f, err := hdf5.OpenFile(filename, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, &skysim.ErrOpenFile{Filename: filename, Err: err}
	}
	defer f.Close()

	r := &skysim.NoiseRealization{
		Channel: row.Channel,
		Seed:    row.Seed,
		Nside:   row.Nside,
		Lmax:    row.Lmax,
		Variant: row.Variant,
		Report: skysim.Diagnostics{
			ObservedT:        row.ObservedT,
			ObservedP:        row.ObservedP,
			FlaggedPixels:    row.Flagged,
			DegeneratePixels: row.Degenerate,
			NegativePixels:   row.Negative,
		},
	}
	for i, name := range stokesNames {
		if r.Maps[i], err = readDatasetRow(f, "maps/"+name, index, readRow[float32]); err != nil {
			return nil, err
		}
		mask, err := readDatasetRow(f, "mask/"+name, index, readRow[int8])
		if err != nil {
			return nil, err
		}
		r.Observed[i] = make([]bool, len(mask))
		for p, v := range mask {
			r.Observed[i][p] = v != 0
		}
	}
	return r, nil
}

func readDatasetRow(f *hdf5.File, name string, index int, read func(*hdf5.Dataset, uint) ([]float64, error)) ([]float64, error) {
	dset, err := f.OpenDataset(name)
	if err != nil {
		return nil, fmt.Errorf("%w: missing dataset %s: %v", skysim.ErrDataIntegrity, name, err)
	}
	defer dset.Close()
	out, err := read(dset, uint(index))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return out, nil
}
