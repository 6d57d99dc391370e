package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"tomorec/pkg/engine"
	"tomorec/pkg/params"
	"tomorec/pkg/recon"
)

func main() {
	p := params.Default()

	fileName := flag.String("file-name", "", "Input HDF5 file (DataExchange layout)")
	flag.StringVar(&p.OutputFolder, "output-folder", p.OutputFolder,
		"Output folder template; supports tokens such as {file_name} and {file_name_parent}")
	flag.StringVar(&p.ParameterFile, "parameter-file", "",
		"Optional YAML file with per-file parameter overrides")
	flag.Float64Var(&p.RotationAxis, "rotation-axis", p.RotationAxis,
		"Rotation axis in detector columns (negative: detector midline)")
	flag.IntVar(&p.StartRow, "start-row", p.StartRow, "First sinogram row to reconstruct")
	flag.IntVar(&p.EndRow, "end-row", p.EndRow, "Row range end, exclusive (-1: to last row)")
	flag.IntVar(&p.Binning, "binning", p.Binning, "Power-of-two binning exponent")
	flag.IntVar(&p.NSinoPerChunk, "nsino-per-chunk", p.NSinoPerChunk, "Sinogram rows per chunk")
	flag.StringVar(&p.FlatCorrectionMethod, "flat-correction-method", p.FlatCorrectionMethod,
		"Flat-field correction: standard or none")
	flag.StringVar(&p.ReconstructionAlgorithm, "reconstruction-algorithm", p.ReconstructionAlgorithm,
		"Reconstruction algorithm: gridrec, fbp or sirt")
	flag.StringVar(&p.GridrecFilter, "gridrec-filter", p.GridrecFilter,
		"Frequency filter: parzen, shepp, ramlak or none")
	flag.Float64Var(&p.ReconstructionMaskRatio, "reconstruction-mask-ratio", p.ReconstructionMaskRatio,
		"Circular mask diameter as a fraction of slice width")
	flag.StringVar(&p.ReconstructionType, "reconstruction-type", p.ReconstructionType,
		"Run mode: slice, full or try")
	flag.StringVar(&p.OutputFormat, "output-format", p.OutputFormat,
		"Output format for full mode: tiff_stack or hdf5")
	flag.Float64Var(&p.CenterSearchWidth, "center-search-width", p.CenterSearchWidth,
		"Half-width of the center sweep in try mode")
	flag.Float64Var(&p.CenterSearchStep, "center-search-step", p.CenterSearchStep,
		"Candidate spacing of the center sweep in try mode")
	numCores := flag.Int("cores", runtime.NumCPU(), "Number of CPU cores to use (default: all available)")
	flag.Parse()

	if *fileName == "" {
		flag.Usage()
		os.Exit(1)
	}
	p.FileName = *fileName
	p.NumCores = *numCores

	fmt.Printf("tomorec: %s reconstruction of %s (%s)\n",
		p.ReconstructionType, p.FileName, p.ReconstructionAlgorithm)

	start := time.Now()
	if err := recon.Rec(p, engine.NewBuiltin()); err != nil {
		log.Fatalf("Reconstruction failed: %v", err)
	}
	fmt.Printf("Reconstruction completed in %.2f seconds\n", time.Since(start).Seconds())
}
