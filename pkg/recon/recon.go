// Package recon orchestrates tomographic reconstruction runs: it resolves
// the templated output location, plans row chunks, streams projection data
// through the reconstruction engine one chunk at a time, and hands the
// results to an output writer. Peak memory stays at roughly one chunk of
// projection data plus one chunk of reconstructed slices regardless of the
// total volume size.
package recon

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/stat"

	"tomorec/internal/models"
	"tomorec/pkg/dxfile"
	"tomorec/pkg/engine"
	"tomorec/pkg/output"
	"tomorec/pkg/params"
)

// Rec runs one reconstruction for the input file described by p, using eng
// as the reconstruction engine. The mode is selected by
// p.ReconstructionType:
//
//   - "slice" reconstructs the middle row of the configured range as a quick
//     preview TIFF
//   - "full" reconstructs every planned chunk in order into a TIFF stack or
//     an HDF5 volume
//   - "try" sweeps candidate rotation centers over one row, writing one
//     labeled TIFF per candidate
//
// Pre-existing output at the resolved location is overwritten
// deterministically. Any failure aborts the run; output written so far stays
// on disk but the error is always reported.
func Rec(p *params.Params, eng engine.Engine) error {
	if err := params.LoadOverrides(p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	folder, err := ReconstructionFolder(p)
	if err != nil {
		return err
	}

	in, err := dxfile.Open(p.FileName)
	if err != nil {
		return err
	}
	defer in.Close()

	numAngles, numRows, numCols := in.Dims()
	fmt.Printf("Input %s: %d angles, %d rows, %d cols\n", p.FileName, numAngles, numRows, numCols)

	step := 1 << p.Binning
	center := p.RotationAxis
	if center < 0 {
		center = float64(numCols) / 2
	}
	opts := engine.Options{
		Algorithm:  p.ReconstructionAlgorithm,
		Filter:     p.GridrecFilter,
		Center:     center / float64(step),
		MaskRatio:  p.ReconstructionMaskRatio,
		NumWorkers: p.NumCores,
	}

	switch p.ReconstructionType {
	case params.TypeSlice:
		return recSlice(p, in, eng, opts, folder)
	case params.TypeFull:
		return recFull(p, in, eng, opts, folder)
	case params.TypeTry:
		return recTry(p, in, eng, opts, folder)
	}
	return fmt.Errorf("%w: unknown reconstruction type %q", params.ErrConfiguration, p.ReconstructionType)
}

// effectiveRange resolves the configured row range to binned coordinates.
func effectiveRange(p *params.Params, totalRows int) (lo, hi int, err error) {
	size := totalRows
	if size < 1 {
		size = 1
	}
	span, err := PlanChunks(p.StartRow, p.EndRow, totalRows, p.Binning, size)
	if err != nil {
		return 0, 0, err
	}
	return span[0].Lo, span[len(span)-1].Hi, nil
}

// loadRows reads and flat-corrects one binned row interval [lo, hi).
func loadRows(p *params.Params, in *dxfile.File, lo, hi int) (*models.ProjectionBlock, error) {
	step := 1 << p.Binning
	rb, err := in.ReadRows(lo*step, hi*step, p.Binning)
	if err != nil {
		return nil, err
	}
	if err := engine.Normalize(rb.Proj, rb.Flat, rb.Dark, p.FlatCorrectionMethod); err != nil {
		return nil, err
	}
	return rb.Proj, nil
}

// checkBlock validates the engine output for one chunk: expected shape and
// no non-finite values.
func checkBlock(block *models.SliceBlock, wantSlices, wantSize int) error {
	if block.NumSlices != wantSlices || block.Height != wantSize || block.Width != wantSize {
		return fmt.Errorf("%w: engine returned %dx%dx%d, want %dx%dx%d",
			engine.ErrReconstruction, block.NumSlices, block.Height, block.Width,
			wantSlices, wantSize, wantSize)
	}
	for _, v := range block.Data {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: engine returned non-finite values", engine.ErrReconstruction)
		}
	}
	return nil
}

// recSlice reconstructs the middle row of the configured range as a preview.
func recSlice(p *params.Params, in *dxfile.File, eng engine.Engine, opts engine.Options, folder string) error {
	_, numRows, _ := in.Dims()
	lo, hi, err := effectiveRange(p, numRows)
	if err != nil {
		return err
	}
	mid := lo + (hi-lo)/2

	fmt.Printf("Reconstructing preview slice at row %d\n", mid)
	proj, err := loadRows(p, in, mid, mid+1)
	if err != nil {
		return err
	}
	block, err := eng.Reconstruct(proj, opts)
	if err != nil {
		return err
	}
	if err := checkBlock(block, 1, proj.NumCols); err != nil {
		return err
	}

	writer := output.NewTiffStack(filepath.Join(folder, baseName(p.FileName)+"_rec"))
	if err := writer.WriteChunk(mid, block); err != nil {
		return err
	}
	return writer.Finalize()
}

// recFull reconstructs every planned chunk in order and assembles the
// results into the configured output artifact.
func recFull(p *params.Params, in *dxfile.File, eng engine.Engine, opts engine.Options, folder string) error {
	_, numRows, _ := in.Dims()
	chunks, err := PlanChunks(p.StartRow, p.EndRow, numRows, p.Binning, p.NSinoPerChunk)
	if err != nil {
		return err
	}
	totalSlices := chunks[len(chunks)-1].Hi - chunks[0].Lo

	if err := os.MkdirAll(folder, 0755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", output.ErrOutput, folder, err)
	}

	base := baseName(p.FileName)
	var writer output.Writer
	switch p.OutputFormat {
	case params.FormatHDF5:
		writer = output.NewHDF5Volume(filepath.Join(folder, base+"_rec.hdf"), totalSlices)
	default:
		writer = output.NewTiffStack(filepath.Join(folder, base+"_rec"))
	}
	finalized := false
	defer func() {
		if !finalized {
			writer.Finalize()
		}
	}()

	fmt.Printf("Reconstructing %d slices in %d chunks of up to %d rows\n",
		totalSlices, len(chunks), p.NSinoPerChunk)

	var agg volumeStats
	for i, c := range chunks {
		fmt.Printf("Chunk %d/%d: rows [%d, %d)\n", i+1, len(chunks), c.Lo, c.Hi)

		proj, err := loadRows(p, in, c.Lo, c.Hi)
		if err != nil {
			return fmt.Errorf("chunk %d rows [%d, %d): %w", i, c.Lo, c.Hi, err)
		}
		block, err := eng.Reconstruct(proj, opts)
		if err != nil {
			return fmt.Errorf("chunk %d rows [%d, %d): %w", i, c.Lo, c.Hi, err)
		}
		if err := checkBlock(block, c.Rows(), proj.NumCols); err != nil {
			return fmt.Errorf("chunk %d rows [%d, %d): %w", i, c.Lo, c.Hi, err)
		}
		if err := writer.WriteChunk(c.SliceOffset, block); err != nil {
			return fmt.Errorf("chunk %d rows [%d, %d): %w", i, c.Lo, c.Hi, err)
		}
		agg.add(block.Data)
	}

	if err := writer.Finalize(); err != nil {
		return err
	}
	finalized = true

	fmt.Printf("Reconstructed %d slices: min %.4g, max %.4g, mean %.4g, stddev %.4g\n",
		totalSlices, agg.min, agg.max, agg.mean(), agg.stddev())
	return nil
}

// recTry sweeps candidate rotation centers over the middle row, writing one
// labeled preview per candidate and reporting the sharpest one.
func recTry(p *params.Params, in *dxfile.File, eng engine.Engine, opts engine.Options, folder string) error {
	_, numRows, _ := in.Dims()
	lo, hi, err := effectiveRange(p, numRows)
	if err != nil {
		return err
	}
	mid := lo + (hi-lo)/2

	proj, err := loadRows(p, in, mid, mid+1)
	if err != nil {
		return err
	}

	tryDir := filepath.Join(folder, baseName(p.FileName)+"_try")
	if err := os.MkdirAll(tryDir, 0755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", output.ErrOutput, tryDir, err)
	}

	step := float64(int(1) << p.Binning)
	baseCenter := opts.Center * step
	fmt.Printf("Trying rotation centers %.2f to %.2f in steps of %.2f\n",
		baseCenter-p.CenterSearchWidth, baseCenter+p.CenterSearchWidth, p.CenterSearchStep)

	var (
		bestCenter   float64
		bestVariance = math.Inf(-1)
		buf          []float64
	)
	for c := baseCenter - p.CenterSearchWidth; c <= baseCenter+p.CenterSearchWidth+1e-9; c += p.CenterSearchStep {
		opts.Center = c / step
		block, err := eng.Reconstruct(proj, opts)
		if err != nil {
			return fmt.Errorf("center %.2f: %w", c, err)
		}
		if err := checkBlock(block, 1, proj.NumCols); err != nil {
			return fmt.Errorf("center %.2f: %w", c, err)
		}

		name := filepath.Join(tryDir, fmt.Sprintf("center_%07.2f.tiff", c))
		if err := output.SaveSlice(name, block.Slice(0), block.Height, block.Width); err != nil {
			return err
		}

		// Sharper reconstructions have more in-slice contrast; use the
		// variance as the focus score for the sweep summary.
		slice := block.Slice(0)
		if buf == nil {
			buf = make([]float64, len(slice))
		}
		for i, v := range slice {
			buf[i] = float64(v)
		}
		if v := stat.Variance(buf, nil); v > bestVariance {
			bestVariance = v
			bestCenter = c
		}
	}

	fmt.Printf("Sharpest trial reconstruction at center %.2f\n", bestCenter)
	return nil
}

// volumeStats accumulates summary statistics across chunks without holding
// the volume in memory.
type volumeStats struct {
	n          int
	sum, sumSq float64
	min, max   float64
}

func (s *volumeStats) add(data []float32) {
	for _, v := range data {
		f := float64(v)
		if s.n == 0 || f < s.min {
			s.min = f
		}
		if s.n == 0 || f > s.max {
			s.max = f
		}
		s.sum += f
		s.sumSq += f * f
		s.n++
	}
}

func (s *volumeStats) mean() float64 {
	if s.n == 0 {
		return 0
	}
	return s.sum / float64(s.n)
}

func (s *volumeStats) stddev() float64 {
	if s.n < 2 {
		return 0
	}
	m := s.mean()
	v := (s.sumSq - float64(s.n)*m*m) / float64(s.n-1)
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}
