// Package dxfile reads tomographic projection data from HDF5 files laid out
// in the DataExchange convention: /exchange/data holds the projections with
// shape (angles, rows, cols), /exchange/data_white the flat fields and
// /exchange/data_dark the dark fields. Row ranges are read on demand via
// hyperslab selections so a full scan never has to fit in memory.
package dxfile

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/hdf5"

	"tomorec/internal/models"
)

// ErrInputData marks a malformed or incomplete input file. It is returned
// (wrapped) on the first access attempt, before any output is created.
var ErrInputData = errors.New("invalid input data")

// Dataset paths within the input file.
const (
	dataPath  = "exchange/data"
	whitePath = "exchange/data_white"
	darkPath  = "exchange/data_dark"
	thetaPath = "exchange/theta"
)

// File is an open DataExchange input file. It keeps the projection, flat and
// dark datasets open across reads and must be closed by the caller.
type File struct {
	path string
	f    *hdf5.File

	data  *hdf5.Dataset
	white *hdf5.Dataset
	dark  *hdf5.Dataset

	numAngles int
	numRows   int
	numCols   int
	numWhite  int
	numDark   int

	theta []float64
}

// RowBlock is the per-chunk read result: a block of projection rows plus the
// matching averaged flat and dark fields, all binned to the same resolution.
// Flat and Dark have length NumRows*NumCols of the projection block.
type RowBlock struct {
	Proj *models.ProjectionBlock
	Flat []float32
	Dark []float32
}

// Open opens an input file and validates the presence and shape of the
// required datasets. Problems are reported wrapping ErrInputData.
func Open(path string) (*File, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open %s: %v", ErrInputData, path, err)
	}

	d := &File{path: path, f: f}
	if err := d.init(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *File) init() error {
	var err error
	d.data, err = d.f.OpenDataset(dataPath)
	if err != nil {
		return fmt.Errorf("%w: %s: missing dataset /%s: %v", ErrInputData, d.path, dataPath, err)
	}
	dims, err := datasetDims(d.data)
	if err != nil {
		return fmt.Errorf("%w: %s: /%s: %v", ErrInputData, d.path, dataPath, err)
	}
	if len(dims) != 3 {
		return fmt.Errorf("%w: %s: /%s has %d dimensions, want 3", ErrInputData, d.path, dataPath, len(dims))
	}
	d.numAngles = int(dims[0])
	d.numRows = int(dims[1])
	d.numCols = int(dims[2])

	d.white, err = d.f.OpenDataset(whitePath)
	if err != nil {
		return fmt.Errorf("%w: %s: missing dataset /%s: %v", ErrInputData, d.path, whitePath, err)
	}
	whiteDims, err := datasetDims(d.white)
	if err != nil {
		return fmt.Errorf("%w: %s: /%s: %v", ErrInputData, d.path, whitePath, err)
	}
	if len(whiteDims) != 3 || int(whiteDims[1]) != d.numRows || int(whiteDims[2]) != d.numCols {
		return fmt.Errorf("%w: %s: /%s shape %v does not match projections (rows %d, cols %d)",
			ErrInputData, d.path, whitePath, whiteDims, d.numRows, d.numCols)
	}
	d.numWhite = int(whiteDims[0])

	d.dark, err = d.f.OpenDataset(darkPath)
	if err != nil {
		return fmt.Errorf("%w: %s: missing dataset /%s: %v", ErrInputData, d.path, darkPath, err)
	}
	darkDims, err := datasetDims(d.dark)
	if err != nil {
		return fmt.Errorf("%w: %s: /%s: %v", ErrInputData, d.path, darkPath, err)
	}
	if len(darkDims) != 3 || int(darkDims[1]) != d.numRows || int(darkDims[2]) != d.numCols {
		return fmt.Errorf("%w: %s: /%s shape %v does not match projections (rows %d, cols %d)",
			ErrInputData, d.path, darkPath, darkDims, d.numRows, d.numCols)
	}
	d.numDark = int(darkDims[0])

	d.theta = d.readTheta()
	return nil
}

// readTheta loads the projection angles, falling back to a uniform sweep
// over [0, pi) when the optional theta dataset is absent.
func (d *File) readTheta() []float64 {
	theta := make([]float64, d.numAngles)
	if dset, err := d.f.OpenDataset(thetaPath); err == nil {
		defer dset.Close()
		buf := make([]float64, d.numAngles)
		if err := dset.Read(&buf); err == nil {
			copy(theta, buf)
			return theta
		}
	}
	for i := range theta {
		theta[i] = math.Pi * float64(i) / float64(d.numAngles)
	}
	return theta
}

// Dims returns the projection dataset shape as (angles, rows, cols).
func (d *File) Dims() (numAngles, numRows, numCols int) {
	return d.numAngles, d.numRows, d.numCols
}

// Theta returns the projection angles in radians.
func (d *File) Theta() []float64 { return d.theta }

// ReadRows reads the unbinned sinogram rows [lo, hi) of the projections plus
// the matching flat and dark rows, averages the flat/dark exposures, and
// bins everything down by 2^binning in both rows and columns.
func (d *File) ReadRows(lo, hi, binning int) (*RowBlock, error) {
	if lo < 0 || hi > d.numRows || lo >= hi {
		return nil, fmt.Errorf("%w: %s: row range [%d, %d) outside [0, %d)",
			ErrInputData, d.path, lo, hi, d.numRows)
	}

	rows := hi - lo
	proj, err := d.readRange(d.data, dataPath, d.numAngles, lo, rows)
	if err != nil {
		return nil, err
	}
	white, err := d.readRange(d.white, whitePath, d.numWhite, lo, rows)
	if err != nil {
		return nil, err
	}
	dark, err := d.readRange(d.dark, darkPath, d.numDark, lo, rows)
	if err != nil {
		return nil, err
	}

	flatMean := frameMean(white, d.numWhite, rows*d.numCols)
	darkMean := frameMean(dark, d.numDark, rows*d.numCols)

	block := &models.ProjectionBlock{
		Data:      proj,
		NumAngles: d.numAngles,
		NumRows:   rows,
		NumCols:   d.numCols,
		Theta:     d.theta,
	}
	if binning > 0 {
		block = binProjections(block, binning)
		flatMean = binFrame(flatMean, rows, d.numCols, binning)
		darkMean = binFrame(darkMean, rows, d.numCols, binning)
	}
	return &RowBlock{Proj: block, Flat: flatMean, Dark: darkMean}, nil
}

// readRange reads rows [lo, lo+rows) across all frames of a 3D dataset.
func (d *File) readRange(dset *hdf5.Dataset, name string, frames, lo, rows int) ([]float32, error) {
	filespace := dset.Space()
	defer filespace.Close()

	offset := []uint{0, uint(lo), 0}
	count := []uint{uint(frames), uint(rows), uint(d.numCols)}
	if err := filespace.SelectHyperslab(offset, nil, count, nil); err != nil {
		return nil, fmt.Errorf("%w: %s: /%s: selecting rows [%d, %d): %v",
			ErrInputData, d.path, name, lo, lo+rows, err)
	}
	memspace, err := hdf5.CreateSimpleDataspace(count, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: /%s: %v", ErrInputData, d.path, name, err)
	}
	defer memspace.Close()

	buf := make([]float32, frames*rows*d.numCols)
	if err := dset.ReadSubset(&buf, memspace, filespace); err != nil {
		return nil, fmt.Errorf("%w: %s: /%s: reading rows [%d, %d): %v",
			ErrInputData, d.path, name, lo, lo+rows, err)
	}
	return buf, nil
}

// Close releases the open datasets and the file handle.
func (d *File) Close() error {
	for _, dset := range []*hdf5.Dataset{d.data, d.white, d.dark} {
		if dset != nil {
			dset.Close()
		}
	}
	d.data, d.white, d.dark = nil, nil, nil
	if d.f != nil {
		err := d.f.Close()
		d.f = nil
		return err
	}
	return nil
}

func datasetDims(dset *hdf5.Dataset) ([]uint, error) {
	space := dset.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, err
	}
	return dims, nil
}

// frameMean averages a (frames, n) array over its first axis.
func frameMean(data []float32, frames, n int) []float32 {
	mean := make([]float32, n)
	if frames == 0 {
		return mean
	}
	for f := 0; f < frames; f++ {
		base := f * n
		for i := 0; i < n; i++ {
			mean[i] += data[base+i]
		}
	}
	inv := 1 / float32(frames)
	for i := range mean {
		mean[i] *= inv
	}
	return mean
}

// binProjections block-averages a projection block by 2^binning in rows and
// columns. Rows and columns that do not fill a whole bin are dropped.
func binProjections(b *models.ProjectionBlock, binning int) *models.ProjectionBlock {
	step := 1 << binning
	rows := b.NumRows / step
	cols := b.NumCols / step
	out := models.NewProjectionBlock(b.NumAngles, rows, cols)
	out.Theta = b.Theta
	for a := 0; a < b.NumAngles; a++ {
		frame := b.Data[a*b.NumRows*b.NumCols : (a+1)*b.NumRows*b.NumCols]
		binInto(out.Data[a*rows*cols:(a+1)*rows*cols], frame, b.NumRows, b.NumCols, binning)
	}
	return out
}

// binFrame block-averages a single (rows, cols) frame by 2^binning.
func binFrame(frame []float32, rows, cols, binning int) []float32 {
	step := 1 << binning
	out := make([]float32, (rows/step)*(cols/step))
	binInto(out, frame, rows, cols, binning)
	return out
}

func binInto(dst, src []float32, rows, cols, binning int) {
	step := 1 << binning
	outRows := rows / step
	outCols := cols / step
	norm := 1 / float32(step*step)
	for r := 0; r < outRows; r++ {
		for c := 0; c < outCols; c++ {
			var sum float32
			for dr := 0; dr < step; dr++ {
				base := (r*step+dr)*cols + c*step
				for dc := 0; dc < step; dc++ {
					sum += src[base+dc]
				}
			}
			dst[r*outCols+c] = sum * norm
		}
	}
}
