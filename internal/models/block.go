package models

// ProjectionBlock holds a contiguous group of sinogram rows read from the
// input file, stored row-major as (angle, row, column).
type ProjectionBlock struct {
	// Data is the projection data as a 1D array in (angle, row, col) order
	Data []float32

	// NumAngles is the number of projection angles in the block
	NumAngles int

	// NumRows is the number of sinogram rows in the block
	NumRows int

	// NumCols is the number of detector columns per row
	NumCols int

	// Theta holds the projection angles in radians, one per angle index
	Theta []float64
}

// NewProjectionBlock allocates a zeroed projection block with the given shape.
func NewProjectionBlock(numAngles, numRows, numCols int) *ProjectionBlock {
	return &ProjectionBlock{
		Data:      make([]float32, numAngles*numRows*numCols),
		NumAngles: numAngles,
		NumRows:   numRows,
		NumCols:   numCols,
	}
}

// At returns the projection value for the given angle, row and column.
func (b *ProjectionBlock) At(angle, row, col int) float32 {
	return b.Data[(angle*b.NumRows+row)*b.NumCols+col]
}

// Set stores a projection value for the given angle, row and column.
func (b *ProjectionBlock) Set(angle, row, col int, v float32) {
	b.Data[(angle*b.NumRows+row)*b.NumCols+col] = v
}

// Sinogram gathers the (angle, column) plane for one sinogram row into dst.
// dst must have length NumAngles*NumCols; a nil dst is allocated.
func (b *ProjectionBlock) Sinogram(row int, dst []float32) []float32 {
	if dst == nil {
		dst = make([]float32, b.NumAngles*b.NumCols)
	}
	for a := 0; a < b.NumAngles; a++ {
		src := (a*b.NumRows + row) * b.NumCols
		copy(dst[a*b.NumCols:(a+1)*b.NumCols], b.Data[src:src+b.NumCols])
	}
	return dst
}

// SliceBlock holds a group of reconstructed slices, stored row-major as
// (slice, y, x).
type SliceBlock struct {
	// Data is the reconstructed data as a 1D array in (slice, y, x) order
	Data []float32

	// NumSlices is the number of reconstructed slices in the block
	NumSlices int

	// Height and Width are the in-plane dimensions of each slice
	Height, Width int
}

// NewSliceBlock allocates a zeroed slice block with the given shape.
func NewSliceBlock(numSlices, height, width int) *SliceBlock {
	return &SliceBlock{
		Data:      make([]float32, numSlices*height*width),
		NumSlices: numSlices,
		Height:    height,
		Width:     width,
	}
}

// Slice returns the backing data for one slice as a subslice (no copy).
func (s *SliceBlock) Slice(i int) []float32 {
	n := s.Height * s.Width
	return s.Data[i*n : (i+1)*n]
}
