// Package output writes reconstructed slice blocks to disk, either as a
// directory of per-slice TIFF images or as a single HDF5 volume dataset
// addressed by absolute slice index. Both strategies sit behind the Writer
// capability so the reconstruction driver never cares which one is active.
package output

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"
	"gonum.org/v1/hdf5"

	"tomorec/internal/models"
)

// ErrOutput marks a filesystem or write failure. It aborts the run with the
// same semantics as a reconstruction failure: partial output stays on disk,
// success is never reported.
var ErrOutput = errors.New("output write failed")

// Writer accumulates per-chunk slice blocks into one output artifact.
// WriteChunk stores a block at the given absolute slice offset; Finalize
// releases the underlying resource. In a successful full run every slice
// index is written by exactly one chunk before Finalize.
type Writer interface {
	WriteChunk(sliceOffset int, block *models.SliceBlock) error
	Finalize() error
}

// TiffStack writes one Gray16 TIFF per slice into a directory, named by
// zero-padded absolute slice index. Pre-existing files with the same names
// are overwritten deterministically. Finalize is a no-op.
type TiffStack struct {
	dir     string
	created bool
}

// NewTiffStack returns a TIFF-stack writer rooted at dir. The directory is
// created (with parents) on the first WriteChunk call.
func NewTiffStack(dir string) *TiffStack {
	return &TiffStack{dir: dir}
}

// WriteChunk writes each slice of the block as dir/recon_NNNNN.tiff at
// absolute index sliceOffset+i.
func (w *TiffStack) WriteChunk(sliceOffset int, block *models.SliceBlock) error {
	if !w.created {
		if err := os.MkdirAll(w.dir, 0755); err != nil {
			return fmt.Errorf("%w: creating %s: %v", ErrOutput, w.dir, err)
		}
		w.created = true
	}
	for i := 0; i < block.NumSlices; i++ {
		name := filepath.Join(w.dir, fmt.Sprintf("recon_%05d.tiff", sliceOffset+i))
		if err := SaveSlice(name, block.Slice(i), block.Height, block.Width); err != nil {
			return err
		}
	}
	return nil
}

// Finalize implements Writer; the TIFF stack needs no teardown.
func (w *TiffStack) Finalize() error { return nil }

// SaveSlice writes a single slice as a deflate-compressed Gray16 TIFF,
// rescaled to the slice's own value range.
func SaveSlice(path string, slice []float32, height, width int) error {
	img := sliceToGray16(slice, height, width)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrOutput, path, err)
	}
	defer f.Close()
	opts := &tiff.Options{Compression: tiff.Deflate, Predictor: true}
	if err := tiff.Encode(f, img, opts); err != nil {
		return fmt.Errorf("%w: encoding %s: %v", ErrOutput, path, err)
	}
	return nil
}

// sliceToGray16 maps the slice's [min, max] range onto the full 16-bit
// grayscale range. A constant slice maps to black.
func sliceToGray16(slice []float32, height, width int) *image.Gray16 {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range slice {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	scale := float32(0)
	if hi > lo {
		scale = 65535 / (hi - lo)
	}

	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := (slice[y*width+x] - lo) * scale
			if v < 0 {
				v = 0
			} else if v > 65535 {
				v = 65535
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}
	return img
}

// HDF5Volume writes all chunks into a single float32 dataset /volume of
// shape (totalSlices, height, width). The dataset is created on the first
// WriteChunk and filled with NaN, so a chunk that never arrives is visible
// as NaN output instead of silent zeros. A pre-existing file at the same
// path is truncated.
type HDF5Volume struct {
	path        string
	totalSlices int

	f    *hdf5.File
	dset *hdf5.Dataset

	height, width int
}

// NewHDF5Volume returns an HDF5 volume writer for the given file path and
// total slice count.
func NewHDF5Volume(path string, totalSlices int) *HDF5Volume {
	return &HDF5Volume{path: path, totalSlices: totalSlices}
}

// WriteChunk writes the block into rows [sliceOffset, sliceOffset+n) of the
// volume dataset, creating the file and dataset on first call.
func (w *HDF5Volume) WriteChunk(sliceOffset int, block *models.SliceBlock) error {
	if w.f == nil {
		if err := w.create(block.Height, block.Width); err != nil {
			return err
		}
	}
	if block.Height != w.height || block.Width != w.width {
		return fmt.Errorf("%w: chunk slice size %dx%d does not match volume %dx%d",
			ErrOutput, block.Height, block.Width, w.height, w.width)
	}
	if sliceOffset < 0 || sliceOffset+block.NumSlices > w.totalSlices {
		return fmt.Errorf("%w: slice range [%d, %d) outside volume of %d slices",
			ErrOutput, sliceOffset, sliceOffset+block.NumSlices, w.totalSlices)
	}
	return w.writeRows(sliceOffset, block.NumSlices, block.Data)
}

// create opens the output file and allocates the NaN-filled volume dataset.
func (w *HDF5Volume) create(height, width int) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrOutput, filepath.Dir(w.path), err)
	}
	f, err := hdf5.CreateFile(w.path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrOutput, w.path, err)
	}
	dims := []uint{uint(w.totalSlices), uint(height), uint(width)}
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %s: %v", ErrOutput, w.path, err)
	}
	defer space.Close()
	dset, err := f.CreateDataset("volume", hdf5.T_NATIVE_FLOAT, space)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %s: creating /volume: %v", ErrOutput, w.path, err)
	}
	w.f = f
	w.dset = dset
	w.height = height
	w.width = width

	// One slice of NaN at a time keeps memory bounded by slice size,
	// not volume size.
	nan := make([]float32, height*width)
	for i := range nan {
		nan[i] = float32(math.NaN())
	}
	for s := 0; s < w.totalSlices; s++ {
		if err := w.writeRows(s, 1, nan); err != nil {
			return err
		}
	}
	return nil
}

// writeRows writes n slices of data at slice offset lo via a hyperslab
// selection.
func (w *HDF5Volume) writeRows(lo, n int, data []float32) error {
	filespace := w.dset.Space()
	defer filespace.Close()

	offset := []uint{uint(lo), 0, 0}
	count := []uint{uint(n), uint(w.height), uint(w.width)}
	if err := filespace.SelectHyperslab(offset, nil, count, nil); err != nil {
		return fmt.Errorf("%w: %s: selecting slices [%d, %d): %v", ErrOutput, w.path, lo, lo+n, err)
	}
	memspace, err := hdf5.CreateSimpleDataspace(count, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOutput, w.path, err)
	}
	defer memspace.Close()

	if err := w.dset.WriteSubset(&data, memspace, filespace); err != nil {
		return fmt.Errorf("%w: %s: writing slices [%d, %d): %v", ErrOutput, w.path, lo, lo+n, err)
	}
	return nil
}

// Finalize closes the dataset and file. It is safe to call when no chunk was
// ever written.
func (w *HDF5Volume) Finalize() error {
	if w.dset != nil {
		w.dset.Close()
		w.dset = nil
	}
	if w.f != nil {
		err := w.f.Close()
		w.f = nil
		if err != nil {
			return fmt.Errorf("%w: closing %s: %v", ErrOutput, w.path, err)
		}
	}
	return nil
}
