package recon

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/hdf5"

	"tomorec/internal/models"
	"tomorec/pkg/dxfile"
	"tomorec/pkg/engine"
	"tomorec/pkg/params"
)

// writePhantom creates a DataExchange fixture of the given cubic size: the
// projections are the analytic transmission of a centered absorbing disk
// whose radius varies slowly with the sinogram row, flats are ones and darks
// are zeros. Values stay in (0, 1], so standard flat correction yields a
// clean sinogram.
func writePhantom(t *testing.T, path string, size int) {
	t.Helper()

	writeDataset := func(g *hdf5.Group, name string, data []float32, dims []uint) {
		space, err := hdf5.CreateSimpleDataspace(dims, nil)
		if err != nil {
			t.Fatalf("Failed to create dataspace for %s: %v", name, err)
		}
		defer space.Close()
		dset, err := g.CreateDataset(name, hdf5.T_NATIVE_FLOAT, space)
		if err != nil {
			t.Fatalf("Failed to create dataset %s: %v", name, err)
		}
		defer dset.Close()
		if err := dset.Write(&data); err != nil {
			t.Fatalf("Failed to write dataset %s: %v", name, err)
		}
	}

	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		t.Fatalf("Failed to create phantom file: %v", err)
	}
	defer f.Close()
	g, err := f.CreateGroup("exchange")
	if err != nil {
		t.Fatalf("Failed to create exchange group: %v", err)
	}
	defer g.Close()

	proj := make([]float32, size*size*size)
	half := float64(size-1) / 2
	for a := 0; a < size; a++ {
		for r := 0; r < size; r++ {
			radius := float64(size)/4 + float64(r%8)
			for c := 0; c < size; c++ {
				s := float64(c) - half
				var chord float64
				if d := radius*radius - s*s; d > 0 {
					chord = 2 * math.Sqrt(d)
				}
				proj[(a*size+r)*size+c] = float32(math.Exp(-0.02 * chord))
			}
		}
	}
	writeDataset(g, "data", proj, []uint{uint(size), uint(size), uint(size)})

	flat := make([]float32, 2*size*size)
	for i := range flat {
		flat[i] = 1
	}
	writeDataset(g, "data_white", flat, []uint{2, uint(size), uint(size)})
	writeDataset(g, "data_dark", make([]float32, 2*size*size), []uint{2, uint(size), uint(size)})
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
		t.Fatalf("Failed to read volume shape: %v", err)
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

func phantomParams(t *testing.T, size int) *params.Params {
	dir := t.TempDir()
	path := filepath.Join(dir, "phantom.h5")
	writePhantom(t, path, size)

	p := params.Default()
	p.FileName = path
	p.OutputFolder = "{file_name_parent}/_rec"
	p.ReconstructionType = params.TypeFull
	p.NumCores = 4
	return p
}

func TestFullReconstructionHDF5(t *testing.T) {
	p := phantomParams(t, 64)
	p.OutputFormat = params.FormatHDF5

	if err := Rec(p, engine.NewBuiltin()); err != nil {
		t.Fatalf("Rec failed: %v", err)
	}

	outDir := filepath.Join(filepath.Dir(p.FileName), "_rec")
	hdfPath := filepath.Join(outDir, "phantom_rec.hdf")
	tiffDir := filepath.Join(outDir, "phantom_rec")

	if _, err := os.Stat(tiffDir); !os.IsNotExist(err) {
		t.Errorf("HDF5 mode must not create a TIFF directory at %s", tiffDir)
	}
	if _, err := os.Stat(hdfPath); err != nil {
		t.Fatalf("Expected HDF5 output at %s: %v", hdfPath, err)
	}

	data, dims := readVolume(t, hdfPath)
	if len(dims) != 3 || dims[0] != 64 || dims[1] != 64 || dims[2] != 64 {
		t.Fatalf("Expected volume shape (64, 64, 64), got %v", dims)
	}
	for i, v := range data {
		if math.IsNaN(float64(v)) {
			t.Fatalf("Volume contains NaN at index %d", i)
		}
	}
}

func TestChunkedMatchesUnchunked(t *testing.T) {
	run := func(nsino int) []float32 {
		p := phantomParams(t, 64)
		p.OutputFormat = params.FormatHDF5
		p.NSinoPerChunk = nsino
		if err := Rec(p, engine.NewBuiltin()); err != nil {
			t.Fatalf("Rec with nsino %d failed: %v", nsino, err)
		}
		hdfPath := filepath.Join(filepath.Dir(p.FileName), "_rec", "phantom_rec.hdf")
		data, dims := readVolume(t, hdfPath)
		if dims[0] != 64 || dims[1] != 64 || dims[2] != 64 {
			t.Fatalf("nsino %d: expected shape (64, 64, 64), got %v", nsino, dims)
		}
		return data
	}

	whole := run(256) // one chunk
	split := run(16)  // four chunks

	for i := range whole {
		if math.IsNaN(float64(whole[i])) || math.IsNaN(float64(split[i])) {
			t.Fatalf("NaN at index %d", i)
		}
		if whole[i] != split[i] {
			t.Fatalf("Chunk size changed the result at index %d: %g vs %g",
				i, whole[i], split[i])
		}
	}
}

func TestFullReconstructionTiffStack(t *testing.T) {
	p := phantomParams(t, 32)
	p.OutputFormat = params.FormatTiffStack

	if err := Rec(p, engine.NewBuiltin()); err != nil {
		t.Fatalf("Rec failed: %v", err)
	}

	outDir := filepath.Join(filepath.Dir(p.FileName), "_rec")
	tiffDir := filepath.Join(outDir, "phantom_rec")
	hdfPath := filepath.Join(outDir, "phantom_rec.hdf")

	if _, err := os.Stat(hdfPath); !os.IsNotExist(err) {
		t.Errorf("TIFF mode must not create an HDF5 file at %s", hdfPath)
	}
	entries, err := os.ReadDir(tiffDir)
	if err != nil {
		t.Fatalf("Expected TIFF directory at %s: %v", tiffDir, err)
	}
	if len(entries) != 32 {
		t.Errorf("Expected 32 slice files, got %d", len(entries))
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "recon_") || !strings.HasSuffix(e.Name(), ".tiff") {
			t.Errorf("Unexpected output file name %q", e.Name())
		}
	}
}

func TestSliceReconstruction(t *testing.T) {
	p := phantomParams(t, 32)
	p.ReconstructionType = params.TypeSlice

	if err := Rec(p, engine.NewBuiltin()); err != nil {
		t.Fatalf("Rec failed: %v", err)
	}

	// The preview reconstructs the middle row only.
	preview := filepath.Join(filepath.Dir(p.FileName), "_rec", "phantom_rec", "recon_00016.tiff")
	if _, err := os.Stat(preview); err != nil {
		t.Fatalf("Expected preview slice at %s: %v", preview, err)
	}
}

func TestTryCenterSearch(t *testing.T) {
	p := phantomParams(t, 32)
	p.ReconstructionType = params.TypeTry
	p.CenterSearchWidth = 4
	p.CenterSearchStep = 1

	if err := Rec(p, engine.NewBuiltin()); err != nil {
		t.Fatalf("Rec failed: %v", err)
	}

	tryDir := filepath.Join(filepath.Dir(p.FileName), "_rec", "phantom_try")
	entries, err := os.ReadDir(tryDir)
	if err != nil {
		t.Fatalf("Expected trial directory at %s: %v", tryDir, err)
	}
	// Default center is 16, so the sweep covers 12..20 in steps of 1.
	if len(entries) != 9 {
		t.Errorf("Expected 9 trial files, got %d", len(entries))
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "center_") {
			t.Errorf("Unexpected trial file name %q", e.Name())
		}
	}
}

func TestRecParameterFileOverrides(t *testing.T) {
	p := phantomParams(t, 16)
	p.OutputFormat = params.FormatHDF5

	yamlPath := filepath.Join(filepath.Dir(p.FileName), "my_files.yaml")
	doc := "phantom.h5:\n  spam: foo\n  nsino-per-chunk: 4\n  rotation-axis: 8\n"
	if err := os.WriteFile(yamlPath, []byte(doc), 0644); err != nil {
		t.Fatalf("Failed to write parameter file: %v", err)
	}
	p.ParameterFile = yamlPath

	if err := Rec(p, engine.NewBuiltin()); err != nil {
		t.Fatalf("Rec failed: %v", err)
	}
	if p.NSinoPerChunk != 4 {
		t.Errorf("Parameter file override not applied: nsino per chunk = %d", p.NSinoPerChunk)
	}

	data, dims := readVolume(t, filepath.Join(filepath.Dir(p.FileName), "_rec", "phantom_rec.hdf"))
	if dims[0] != 16 {
		t.Fatalf("Expected 16 slices, got %d", dims[0])
	}
	for i, v := range data {
		if math.IsNaN(float64(v)) {
			t.Fatalf("Volume contains NaN at index %d", i)
		}
	}
}

func TestRecBinning(t *testing.T) {
	p := phantomParams(t, 32)
	p.OutputFormat = params.FormatHDF5
	p.Binning = 1

	if err := Rec(p, engine.NewBuiltin()); err != nil {
		t.Fatalf("Rec failed: %v", err)
	}

	_, dims := readVolume(t, filepath.Join(filepath.Dir(p.FileName), "_rec", "phantom_rec.hdf"))
	if dims[0] != 16 || dims[1] != 16 || dims[2] != 16 {
		t.Errorf("Expected binned volume shape (16, 16, 16), got %v", dims)
	}
}

func TestRecRowRange(t *testing.T) {
	p := phantomParams(t, 32)
	p.OutputFormat = params.FormatHDF5
	p.StartRow = 8
	p.EndRow = 24

	if err := Rec(p, engine.NewBuiltin()); err != nil {
		t.Fatalf("Rec failed: %v", err)
	}

	_, dims := readVolume(t, filepath.Join(filepath.Dir(p.FileName), "_rec", "phantom_rec.hdf"))
	if dims[0] != 16 {
		t.Errorf("Expected 16 slices for rows [8, 24), got %d", dims[0])
	}
}

func TestRecConfigurationErrors(t *testing.T) {
	p := phantomParams(t, 16)
	p.NSinoPerChunk = 0
	err := Rec(p, engine.NewBuiltin())
	if !errors.Is(err, params.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for zero chunk size, got %v", err)
	}

	p = phantomParams(t, 16)
	p.OutputFolder = "{bogus_token}"
	err = Rec(p, engine.NewBuiltin())
	if !errors.Is(err, params.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for a bad template, got %v", err)
	}
}

func TestRecMissingInput(t *testing.T) {
	p := params.Default()
	p.FileName = filepath.Join(t.TempDir(), "no_such.h5")
	p.OutputFolder = "{file_name_parent}/_rec"

	err := Rec(p, engine.NewBuiltin())
	if !errors.Is(err, dxfile.ErrInputData) {
		t.Errorf("Expected ErrInputData, got %v", err)
	}

	// No output may be created when the input cannot be read.
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(p.FileName), "_rec")); !os.IsNotExist(statErr) {
		t.Errorf("No output directory may exist after an input failure")
	}
}

// failingEngine fails on every call, standing in for an engine crash
// mid-run.
type failingEngine struct{}

func (failingEngine) Reconstruct(_ *models.ProjectionBlock, _ engine.Options) (*models.SliceBlock, error) {
	return nil, fmt.Errorf("%w: synthetic failure", engine.ErrReconstruction)
}

func TestRecEngineFailureAborts(t *testing.T) {
	p := phantomParams(t, 16)
	p.OutputFormat = params.FormatHDF5

	err := Rec(p, failingEngine{})
	if err == nil {
		t.Fatal("Expected the run to fail")
	}
	if !errors.Is(err, engine.ErrReconstruction) {
		t.Errorf("Expected ErrReconstruction, got %v", err)
	}
	// The error must carry the chunk context for diagnosis.
	if !strings.Contains(err.Error(), "chunk 0") {
		t.Errorf("Expected chunk context in error, got %q", err.Error())
	}
}

// shapeLyingEngine returns a block with the wrong number of slices.
type shapeLyingEngine struct{}

func (shapeLyingEngine) Reconstruct(block *models.ProjectionBlock, _ engine.Options) (*models.SliceBlock, error) {
	return models.NewSliceBlock(block.NumRows+1, block.NumCols, block.NumCols), nil
}

func TestRecRejectsMalformedEngineOutput(t *testing.T) {
	p := phantomParams(t, 16)
	p.OutputFormat = params.FormatHDF5

	err := Rec(p, shapeLyingEngine{})
	if !errors.Is(err, engine.ErrReconstruction) {
		t.Errorf("Expected ErrReconstruction for a wrong-shape block, got %v", err)
	}
}
