package recon

import (
	"fmt"

	"tomorec/pkg/params"
)

// Chunk is a contiguous half-open sinogram row interval [Lo, Hi), in binned
// row coordinates, together with its zero-based output slice offset.
type Chunk struct {
	Lo, Hi int

	// SliceOffset is the index of the chunk's first slice in the output
	// volume.
	SliceOffset int
}

// Rows returns the number of rows covered by the chunk.
func (c Chunk) Rows() int { return c.Hi - c.Lo }

// PlanChunks splits the configured row range into an ordered sequence of
// chunks of at most rowsPerChunk rows each. The chunks partition the range
// exactly: ascending, no gaps, no overlaps, and the final chunk may be
// shorter than rowsPerChunk.
//
// endRow == -1 resolves to totalRows. Binning divides the effective row
// range by 2^binning (integer floor) before chunking, so the returned
// intervals address binned rows. Invalid inputs fail with an error wrapping
// params.ErrConfiguration.
func PlanChunks(startRow, endRow, totalRows, binning, rowsPerChunk int) ([]Chunk, error) {
	if rowsPerChunk <= 0 {
		return nil, fmt.Errorf("%w: rows per chunk %d must be positive", params.ErrConfiguration, rowsPerChunk)
	}
	if binning < 0 {
		return nil, fmt.Errorf("%w: binning %d must be non-negative", params.ErrConfiguration, binning)
	}
	if startRow < 0 {
		return nil, fmt.Errorf("%w: start row %d must be non-negative", params.ErrConfiguration, startRow)
	}
	if endRow == -1 {
		endRow = totalRows
	}
	if endRow > totalRows {
		return nil, fmt.Errorf("%w: end row %d exceeds available rows %d", params.ErrConfiguration, endRow, totalRows)
	}

	lo := startRow >> binning
	hi := endRow >> binning
	if lo >= hi {
		return nil, fmt.Errorf("%w: empty row range [%d, %d) after binning", params.ErrConfiguration, lo, hi)
	}

	numChunks := (hi - lo + rowsPerChunk - 1) / rowsPerChunk
	chunks := make([]Chunk, 0, numChunks)
	for cur := lo; cur < hi; cur += rowsPerChunk {
		end := cur + rowsPerChunk
		if end > hi {
			end = hi
		}
		chunks = append(chunks, Chunk{Lo: cur, Hi: end, SliceOffset: cur - lo})
	}
	return chunks, nil
}
