package engine

import (
	"fmt"
	"math"

	"tomorec/internal/models"
)

// floorVal bounds denominators and transmission values away from zero so the
// log transform stays finite for dead detector pixels.
const floorVal = 1e-6

// Normalize applies flat/dark-field correction to a projection block in
// place. The "standard" method computes -log((p - dark) / (flat - dark))
// per pixel, the usual transmission-to-attenuation transform; "none" leaves
// the block untouched. flat and dark are per-pixel means with length
// NumRows*NumCols.
func Normalize(block *models.ProjectionBlock, flat, dark []float32, method string) error {
	switch method {
	case "none":
		return nil
	case "standard":
	default:
		return fmt.Errorf("%w: unknown flat correction method %q", ErrReconstruction, method)
	}

	n := block.NumRows * block.NumCols
	if len(flat) != n || len(dark) != n {
		return fmt.Errorf("%w: flat/dark size %d/%d does not match block pixels %d",
			ErrReconstruction, len(flat), len(dark), n)
	}

	for a := 0; a < block.NumAngles; a++ {
		frame := block.Data[a*n : (a+1)*n]
		for i := range frame {
			denom := float64(flat[i] - dark[i])
			if denom < floorVal {
				denom = floorVal
			}
			v := (float64(frame[i]) - float64(dark[i])) / denom
			if v < floorVal {
				v = floorVal
			}
			frame[i] = float32(-math.Log(v))
		}
	}
	return nil
}
