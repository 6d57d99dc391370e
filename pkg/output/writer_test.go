package output

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/tiff"
	"gonum.org/v1/hdf5"

	"tomorec/internal/models"
)

// gradientBlock builds a slice block with distinct, slice-dependent values.
func gradientBlock(numSlices, size int) *models.SliceBlock {
	block := models.NewSliceBlock(numSlices, size, size)
	for s := 0; s < numSlices; s++ {
		slice := block.Slice(s)
		for i := range slice {
			slice[i] = float32(s*1000 + i)
		}
	}
	return block
}

func TestTiffStackWriteChunk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stack")
	w := NewTiffStack(dir)

	if err := w.WriteChunk(5, gradientBlock(3, 8)); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	// Slices land at absolute indices 5, 6, 7 with zero-padded names.
	for _, name := range []string{"recon_00005.tiff", "recon_00006.tiff", "recon_00007.tiff"} {
		path := filepath.Join(dir, name)
		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("Expected output file %s: %v", name, err)
		}
		img, err := tiff.Decode(f)
		f.Close()
		if err != nil {
			t.Fatalf("File %s is not a valid TIFF: %v", name, err)
		}
		bounds := img.Bounds()
		if bounds.Dx() != 8 || bounds.Dy() != 8 {
			t.Errorf("File %s: expected 8x8 image, got %dx%d", name, bounds.Dx(), bounds.Dy())
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read output directory: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Expected exactly 3 output files, got %d", len(entries))
	}
}

func TestTiffStackLazyDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never_written")
	NewTiffStack(dir)
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("Directory must not exist before the first WriteChunk")
	}
}

func readVolume(t *testing.T, path string) ([]float32, []uint) {
	t.Helper()
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()

	dset, err := f.OpenDataset("volume")
	if err != nil {
		t.Fatalf("Missing /volume dataset in %s: %v", path, err)
	}
	defer dset.Close()

	space := dset.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		t.Fatalf("Failed to read dataset shape: %v", err)
	}

	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	buf := make([]float32, n)
	if err := dset.Read(&buf); err != nil {
		t.Fatalf("Failed to read volume data: %v", err)
	}
	return buf, dims
}

func TestHDF5VolumeChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.hdf")
	w := NewHDF5Volume(path, 8)

	first := gradientBlock(4, 8)
	second := gradientBlock(4, 8)
	for i := range second.Data {
		second.Data[i] += 100000
	}
	if err := w.WriteChunk(0, first); err != nil {
		t.Fatalf("WriteChunk(0) failed: %v", err)
	}
	if err := w.WriteChunk(4, second); err != nil {
		t.Fatalf("WriteChunk(4) failed: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	data, dims := readVolume(t, path)
	if len(dims) != 3 || dims[0] != 8 || dims[1] != 8 || dims[2] != 8 {
		t.Fatalf("Expected volume shape (8, 8, 8), got %v", dims)
	}
	for i, v := range data {
		if math.IsNaN(float64(v)) {
			t.Fatalf("Unexpected NaN at index %d after writing all chunks", i)
		}
	}
	sliceSize := 8 * 8
	for i := 0; i < 4*sliceSize; i++ {
		if data[i] != first.Data[i] {
			t.Fatalf("First chunk mismatch at index %d: %g vs %g", i, data[i], first.Data[i])
		}
	}
	for i := 0; i < 4*sliceSize; i++ {
		if data[4*sliceSize+i] != second.Data[i] {
			t.Fatalf("Second chunk mismatch at index %d: %g vs %g", i, data[4*sliceSize+i], second.Data[i])
		}
	}
}

func TestHDF5VolumeMissingChunkLeavesNaN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.hdf")
	w := NewHDF5Volume(path, 8)

	if err := w.WriteChunk(0, gradientBlock(4, 8)); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	data, _ := readVolume(t, path)
	sliceSize := 8 * 8
	for i := 0; i < 4*sliceSize; i++ {
		if math.IsNaN(float64(data[i])) {
			t.Fatalf("Written region contains NaN at index %d", i)
		}
	}
	// The never-written half must still carry the NaN sentinel, so a
	// missing chunk cannot masquerade as valid output.
	for i := 4 * sliceSize; i < 8*sliceSize; i++ {
		if !math.IsNaN(float64(data[i])) {
			t.Fatalf("Unwritten region should be NaN, got %g at index %d", data[i], i)
		}
	}
}

func TestHDF5VolumeBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.hdf")
	w := NewHDF5Volume(path, 4)
	defer w.Finalize()

	if err := w.WriteChunk(2, gradientBlock(4, 8)); err == nil {
		t.Fatal("Expected an error for a chunk extending past the volume")
	}
	if err := w.WriteChunk(0, gradientBlock(2, 8)); err != nil {
		t.Fatalf("In-bounds chunk failed: %v", err)
	}
	if err := w.WriteChunk(0, gradientBlock(2, 4)); err == nil {
		t.Fatal("Expected an error for a mismatched slice size")
	}
}

func TestSliceToGray16(t *testing.T) {
	slice := []float32{0, 1, 2, 3}
	img := sliceToGray16(slice, 2, 2)
	if img.Gray16At(0, 0).Y != 0 {
		t.Errorf("Minimum value should map to 0, got %d", img.Gray16At(0, 0).Y)
	}
	if img.Gray16At(1, 1).Y != 65535 {
		t.Errorf("Maximum value should map to 65535, got %d", img.Gray16At(1, 1).Y)
	}

	flat := sliceToGray16([]float32{5, 5, 5, 5}, 2, 2)
	if flat.Gray16At(0, 1).Y != 0 {
		t.Errorf("Constant slice should map to black, got %d", flat.Gray16At(0, 1).Y)
	}
}
