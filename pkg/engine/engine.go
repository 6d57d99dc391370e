// Package engine provides the reconstruction engine boundary for tomorec.
// The driver talks to an Engine through explicit per-call options, never
// through package-level state, so chunks can be processed independently.
// The built-in engine implements filtered backprojection (serving both the
// "gridrec" and "fbp" algorithm identifiers) and a basic SIRT iteration.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"tomorec/internal/models"
)

// ErrReconstruction marks a failed reconstruction call or malformed engine
// output. It aborts the run; chunks already written stay on disk.
var ErrReconstruction = errors.New("reconstruction failed")

// sirtIterations is the fixed iteration count of the built-in SIRT loop.
const sirtIterations = 10

// Options carries the full per-call configuration of a reconstruction.
type Options struct {
	// Algorithm selects the reconstruction method: "gridrec", "fbp" or
	// "sirt".
	Algorithm string

	// Filter is the frequency filter for gridrec/fbp: "parzen", "shepp",
	// "ramlak" or "none".
	Filter string

	// Center is the rotation axis position in (binned) detector columns.
	Center float64

	// MaskRatio is the circular mask diameter as a fraction of the slice
	// width; values <= 0 disable the mask.
	MaskRatio float64

	// NumWorkers is the number of sinogram rows reconstructed concurrently.
	// Values < 1 mean single-threaded.
	NumWorkers int
}

// Engine reconstructs a block of sinogram rows into a block of slices.
// Implementations must be pure given their inputs: identical block and
// options always produce identical output.
type Engine interface {
	Reconstruct(block *models.ProjectionBlock, opts Options) (*models.SliceBlock, error)
}

// Builtin is the built-in reconstruction engine.
type Builtin struct{}

// NewBuiltin returns the built-in engine.
func NewBuiltin() *Builtin { return &Builtin{} }

// Reconstruct reconstructs every sinogram row of the block into one slice of
// size NumCols x NumCols. Rows are fanned out over opts.NumWorkers goroutines;
// the rows are independent, so ordering only affects scheduling.
func (e *Builtin) Reconstruct(block *models.ProjectionBlock, opts Options) (*models.SliceBlock, error) {
	if block.NumAngles < 2 || block.NumCols < 2 {
		return nil, fmt.Errorf("%w: degenerate projection block %dx%dx%d",
			ErrReconstruction, block.NumAngles, block.NumRows, block.NumCols)
	}
	if len(block.Theta) < block.NumAngles {
		return nil, fmt.Errorf("%w: %d angles but %d theta values",
			ErrReconstruction, block.NumAngles, len(block.Theta))
	}
	switch opts.Algorithm {
	case "gridrec", "fbp", "sirt":
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrReconstruction, opts.Algorithm)
	}

	out := models.NewSliceBlock(block.NumRows, block.NumCols, block.NumCols)

	workers := opts.NumWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > block.NumRows {
		workers = block.NumRows
	}

	// The channel is filled and closed up front so a worker that bails out
	// on an error can never strand the producer.
	rowCh := make(chan int, block.NumRows)
	for row := 0; row < block.NumRows; row++ {
		rowCh <- row
	}
	close(rowCh)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := newRowReconstructor(block, opts)
			for row := range rowCh {
				if err := rec.reconstruct(row, out.Slice(row)); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// rowReconstructor holds the per-worker scratch state for reconstructing
// single sinogram rows.
type rowReconstructor struct {
	block *models.ProjectionBlock
	opts  Options

	fft     *fourier.FFT
	fftSize int
	weights []float64

	sino     []float32
	filtered []float64
	seq      []float64
}

func newRowReconstructor(block *models.ProjectionBlock, opts Options) *rowReconstructor {
	r := &rowReconstructor{block: block, opts: opts}
	if opts.Algorithm != "sirt" && opts.Filter != "none" {
		// Zero-pad to at least twice the detector width to avoid
		// convolution wrap-around.
		r.fftSize = nextPow2(2 * block.NumCols)
		r.fft = fourier.NewFFT(r.fftSize)
		r.weights = filterWeights(opts.Filter, r.fftSize)
		r.seq = make([]float64, r.fftSize)
	}
	r.sino = make([]float32, block.NumAngles*block.NumCols)
	r.filtered = make([]float64, block.NumAngles*block.NumCols)
	return r
}

// reconstruct reconstructs one sinogram row into dst (NumCols*NumCols).
func (r *rowReconstructor) reconstruct(row int, dst []float32) error {
	b := r.block
	r.sino = b.Sinogram(row, r.sino)
	for i, v := range r.sino {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite projection value at row %d", ErrReconstruction, row)
		}
		r.filtered[i] = float64(r.sino[i])
	}

	if r.opts.Algorithm == "sirt" {
		r.sirt(dst)
	} else {
		if r.fft != nil {
			r.applyFilter()
		}
		r.backproject(r.filtered, dst, math.Pi/float64(2*b.NumAngles))
	}

	applyMask(dst, b.NumCols, r.opts.MaskRatio)
	return nil
}

// applyFilter applies the configured frequency filter to each angle's
// detector row of the working sinogram, in place.
func (r *rowReconstructor) applyFilter() {
	b := r.block
	for a := 0; a < b.NumAngles; a++ {
		row := r.filtered[a*b.NumCols : (a+1)*b.NumCols]
		for i := range r.seq {
			r.seq[i] = 0
		}
		copy(r.seq, row)

		coeff := r.fft.Coefficients(nil, r.seq)
		for k, w := range r.weights {
			coeff[k] *= complex(w, 0)
		}
		// Sequence is unnormalized: a round trip multiplies by the
		// transform length.
		seq := r.fft.Sequence(nil, coeff)
		norm := 1 / float64(r.fftSize)
		for i := range row {
			row[i] = seq[i] * norm
		}
	}
}

// backproject smears the (filtered) sinogram back over an NumCols x NumCols
// grid with linear detector interpolation, adding scale*value per angle.
func (r *rowReconstructor) backproject(sino []float64, dst []float32, scale float64) {
	b := r.block
	n := b.NumCols
	half := float64(n-1) / 2

	for i := range dst {
		dst[i] = 0
	}
	for a := 0; a < b.NumAngles; a++ {
		sin, cos := math.Sincos(b.Theta[a])
		row := sino[a*n : (a+1)*n]
		for y := 0; y < n; y++ {
			yr := float64(y) - half
			base := yr * sin
			for x := 0; x < n; x++ {
				t := (float64(x)-half)*cos + base + (r.opts.Center - half)
				i0 := int(math.Floor(t))
				if i0 < 0 || i0 >= n-1 {
					continue
				}
				frac := t - float64(i0)
				v := row[i0]*(1-frac) + row[i0+1]*frac
				dst[y*n+x] += float32(v * scale)
			}
		}
	}
}

// forwardProject is the transpose-consistent pixel-driven projector used by
// the SIRT update: each pixel splats its value onto the two nearest detector
// bins at every angle.
func (r *rowReconstructor) forwardProject(vol []float32, est []float64) {
	b := r.block
	n := b.NumCols
	half := float64(n-1) / 2

	for i := range est {
		est[i] = 0
	}
	for a := 0; a < b.NumAngles; a++ {
		sin, cos := math.Sincos(b.Theta[a])
		row := est[a*n : (a+1)*n]
		for y := 0; y < n; y++ {
			yr := float64(y) - half
			base := yr * sin
			for x := 0; x < n; x++ {
				v := float64(vol[y*n+x])
				if v == 0 {
					continue
				}
				t := (float64(x)-half)*cos + base + (r.opts.Center - half)
				i0 := int(math.Floor(t))
				if i0 < 0 || i0 >= n-1 {
					continue
				}
				frac := t - float64(i0)
				row[i0] += v * (1 - frac)
				row[i0+1] += v * frac
			}
		}
	}
}

// sirt runs a fixed number of simultaneous iterative reconstruction steps on
// one sinogram row.
func (r *rowReconstructor) sirt(dst []float32) {
	b := r.block
	n := b.NumCols
	residual := make([]float64, b.NumAngles*n)
	update := make([]float32, n*n)
	relax := 1 / float64(b.NumAngles)

	for i := range dst {
		dst[i] = 0
	}
	for iter := 0; iter < sirtIterations; iter++ {
		r.forwardProject(dst, residual)
		for i := range residual {
			residual[i] = float64(r.sino[i]) - residual[i]
		}
		r.backproject(residual, update, relax/float64(n))
		for i := range dst {
			dst[i] += update[i]
		}
	}
}

// filterWeights returns the per-coefficient filter gain for a real FFT of
// the given length. Index k corresponds to frequency k/n cycles per sample.
func filterWeights(name string, n int) []float64 {
	weights := make([]float64, n/2+1)
	for k := range weights {
		f := float64(k) / float64(n) // 0 .. 0.5
		q := f / 0.5
		ramp := 2 * f
		switch name {
		case "shepp":
			weights[k] = ramp * sinc(q/2)
		case "parzen":
			weights[k] = ramp * parzen(q)
		default: // ramlak
			weights[k] = ramp
		}
	}
	return weights
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

// parzen is the Parzen (de la Vallee Poussin) window on [0, 1].
func parzen(q float64) float64 {
	switch {
	case q <= 0.5:
		return 1 - 6*q*q*(1-q)
	case q <= 1:
		d := 1 - q
		return 2 * d * d * d
	default:
		return 0
	}
}

// applyMask zeroes everything outside the circular reconstruction mask of
// diameter ratio*n.
func applyMask(slice []float32, n int, ratio float64) {
	if ratio <= 0 {
		return
	}
	half := float64(n-1) / 2
	r2 := ratio * float64(n) / 2
	r2 *= r2
	for y := 0; y < n; y++ {
		dy := float64(y) - half
		for x := 0; x < n; x++ {
			dx := float64(x) - half
			if dx*dx+dy*dy > r2 {
				slice[y*n+x] = 0
			}
		}
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
