// Package params provides the reconstruction parameter set for tomorec.
// It defines documented defaults, eager validation, and loading of per-file
// parameter overrides from YAML files.
package params

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks invalid or contradictory parameters. It is returned
// (wrapped) before any I/O takes place, so a failing configuration is never
// partially applied.
var ErrConfiguration = errors.New("invalid configuration")

// Reconstruction modes accepted by Params.ReconstructionType.
const (
	TypeSlice = "slice" // reconstruct one representative row for preview
	TypeFull  = "full"  // reconstruct the whole configured row range
	TypeTry   = "try"   // sweep candidate rotation centers on one row
)

// Output formats accepted by Params.OutputFormat.
const (
	FormatTiffStack = "tiff_stack"
	FormatHDF5      = "hdf5"
)

// Params holds the configuration for a single reconstruction run.
type Params struct {
	// FileName is the path of the input HDF5 file (DataExchange layout)
	FileName string `yaml:"file-name"`

	// OutputFolder is a path template for the output location. It may
	// contain substitution tokens such as {file_name} or {file_name_parent};
	// see recon.ReconstructionFolder.
	OutputFolder string `yaml:"output-folder"`

	// ParameterFile is an optional YAML file with per-input-file overrides.
	// A missing file is not an error.
	ParameterFile string `yaml:"parameter-file"`

	// RotationAxis is the rotation center in unbinned detector columns.
	// A negative value means "use the detector midline".
	RotationAxis float64 `yaml:"rotation-axis"`

	// StartRow and EndRow select the half-open sinogram row range
	// [StartRow, EndRow) to reconstruct. EndRow == -1 means "to the last
	// available row".
	StartRow int `yaml:"start-row"`
	EndRow   int `yaml:"end-row"`

	// Binning is the power-of-two downsampling exponent applied to rows
	// and columns (0 = none, 1 = 2x2, 2 = 4x4, ...).
	Binning int `yaml:"binning"`

	// NSinoPerChunk is the number of (binned) sinogram rows reconstructed
	// per chunk. It bounds peak memory to roughly one chunk of projection
	// data plus one chunk of output.
	NSinoPerChunk int `yaml:"nsino-per-chunk"`

	// FlatCorrectionMethod selects the flat/dark-field normalization
	// applied before reconstruction: "standard" or "none".
	FlatCorrectionMethod string `yaml:"flat-correction-method"`

	// ReconstructionAlgorithm selects the engine algorithm:
	// "gridrec", "fbp" or "sirt".
	ReconstructionAlgorithm string `yaml:"reconstruction-algorithm"`

	// GridrecFilter selects the frequency filter used by gridrec/fbp:
	// "parzen", "shepp", "ramlak" or "none".
	GridrecFilter string `yaml:"gridrec-filter"`

	// ReconstructionMaskRatio is the diameter of the circular reconstruction
	// mask as a fraction of the slice width; values <= 0 disable the mask.
	ReconstructionMaskRatio float64 `yaml:"reconstruction-mask-ratio"`

	// ReconstructionType selects the run mode: "slice", "full" or "try".
	ReconstructionType string `yaml:"reconstruction-type"`

	// OutputFormat selects the output artifact for full reconstructions:
	// "tiff_stack" or "hdf5".
	OutputFormat string `yaml:"output-format"`

	// CenterSearchWidth is the half-width, in columns, of the rotation
	// center sweep performed by "try" mode.
	CenterSearchWidth float64 `yaml:"center-search-width"`

	// CenterSearchStep is the spacing between candidate centers in "try"
	// mode.
	CenterSearchStep float64 `yaml:"center-search-step"`

	// NumCores specifies how many CPU cores the engine may use when
	// reconstructing the rows of a chunk.
	NumCores int `yaml:"num-cores"`
}

// Default returns a parameter set with documented defaults. FileName has no
// useful default and must be set by the caller.
func Default() *Params {
	return &Params{
		OutputFolder:            "{file_name_parent}_rec",
		RotationAxis:            -1,
		StartRow:                0,
		EndRow:                  -1,
		Binning:                 0,
		NSinoPerChunk:           256,
		FlatCorrectionMethod:    "standard",
		ReconstructionAlgorithm: "gridrec",
		GridrecFilter:           "parzen",
		ReconstructionMaskRatio: 1.0,
		ReconstructionType:      TypeFull,
		OutputFormat:            FormatTiffStack,
		CenterSearchWidth:       10,
		CenterSearchStep:        0.5,
		NumCores:                1,
	}
}

// Validate checks the parameter set eagerly and returns an error wrapping
// ErrConfiguration on the first problem found. It performs no I/O.
func (p *Params) Validate() error {
	if p.FileName == "" {
		return fmt.Errorf("%w: file name must be set", ErrConfiguration)
	}
	if p.OutputFolder == "" {
		return fmt.Errorf("%w: output folder must be set", ErrConfiguration)
	}
	if p.StartRow < 0 {
		return fmt.Errorf("%w: start row %d must be non-negative", ErrConfiguration, p.StartRow)
	}
	if p.EndRow != -1 && p.EndRow <= p.StartRow {
		return fmt.Errorf("%w: end row %d must be -1 or greater than start row %d",
			ErrConfiguration, p.EndRow, p.StartRow)
	}
	if p.Binning < 0 {
		return fmt.Errorf("%w: binning %d must be non-negative", ErrConfiguration, p.Binning)
	}
	if p.NSinoPerChunk <= 0 {
		return fmt.Errorf("%w: nsino per chunk %d must be positive", ErrConfiguration, p.NSinoPerChunk)
	}
	switch p.FlatCorrectionMethod {
	case "standard", "none":
	default:
		return fmt.Errorf("%w: unknown flat correction method %q", ErrConfiguration, p.FlatCorrectionMethod)
	}
	switch p.ReconstructionAlgorithm {
	case "gridrec", "fbp", "sirt":
	default:
		return fmt.Errorf("%w: unknown reconstruction algorithm %q", ErrConfiguration, p.ReconstructionAlgorithm)
	}
	switch p.GridrecFilter {
	case "parzen", "shepp", "ramlak", "none":
	default:
		return fmt.Errorf("%w: unknown gridrec filter %q", ErrConfiguration, p.GridrecFilter)
	}
	switch p.ReconstructionType {
	case TypeSlice, TypeFull, TypeTry:
	default:
		return fmt.Errorf("%w: unknown reconstruction type %q", ErrConfiguration, p.ReconstructionType)
	}
	switch p.OutputFormat {
	case FormatTiffStack, FormatHDF5:
	default:
		return fmt.Errorf("%w: unknown output format %q", ErrConfiguration, p.OutputFormat)
	}
	if p.ReconstructionType == TypeTry {
		if p.CenterSearchWidth <= 0 {
			return fmt.Errorf("%w: center search width %g must be positive", ErrConfiguration, p.CenterSearchWidth)
		}
		if p.CenterSearchStep <= 0 {
			return fmt.Errorf("%w: center search step %g must be positive", ErrConfiguration, p.CenterSearchStep)
		}
	}
	if p.NumCores <= 0 {
		return fmt.Errorf("%w: num cores %d must be positive", ErrConfiguration, p.NumCores)
	}
	return nil
}

// LoadOverrides applies per-file overrides from p.ParameterFile, if set.
// The file is a YAML map keyed by input file base name; each entry is a map
// of kebab-case option names to values:
//
//	sample_001.h5:
//	  rotation-axis: 1200
//	  reconstruction-algorithm: sirt
//
// A missing parameter file, a missing entry for the input file, and unknown
// option keys are all silently tolerated, so the file can carry options for
// other tools or other files.
func LoadOverrides(p *Params) error {
	if p.ParameterFile == "" || p.ParameterFile == os.DevNull {
		return nil
	}
	if _, err := os.Stat(p.ParameterFile); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(p.ParameterFile)
	if err != nil {
		return fmt.Errorf("error reading parameter file: %w", err)
	}

	all := make(map[string]map[string]interface{})
	if err := yaml.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("%w: error parsing parameter file %s: %v", ErrConfiguration, p.ParameterFile, err)
	}

	entry, ok := all[filepath.Base(p.FileName)]
	if !ok {
		return nil
	}
	for key, value := range entry {
		if err := p.apply(key, value); err != nil {
			return err
		}
	}
	return nil
}

// apply sets one override by its kebab-case option name. Unknown keys are
// ignored rather than rejected.
func (p *Params) apply(key string, value interface{}) error {
	bad := func(err error) error {
		return fmt.Errorf("%w: parameter %q: %v", ErrConfiguration, key, err)
	}
	switch key {
	case "output-folder":
		s, err := asString(value)
		if err != nil {
			return bad(err)
		}
		p.OutputFolder = s
	case "rotation-axis":
		f, err := asFloat(value)
		if err != nil {
			return bad(err)
		}
		p.RotationAxis = f
	case "start-row":
		n, err := asInt(value)
		if err != nil {
			return bad(err)
		}
		p.StartRow = n
	case "end-row":
		n, err := asInt(value)
		if err != nil {
			return bad(err)
		}
		p.EndRow = n
	case "binning":
		n, err := asInt(value)
		if err != nil {
			return bad(err)
		}
		p.Binning = n
	case "nsino-per-chunk":
		n, err := asInt(value)
		if err != nil {
			return bad(err)
		}
		p.NSinoPerChunk = n
	case "flat-correction-method":
		s, err := asString(value)
		if err != nil {
			return bad(err)
		}
		p.FlatCorrectionMethod = s
	case "reconstruction-algorithm":
		s, err := asString(value)
		if err != nil {
			return bad(err)
		}
		p.ReconstructionAlgorithm = s
	case "gridrec-filter":
		s, err := asString(value)
		if err != nil {
			return bad(err)
		}
		p.GridrecFilter = s
	case "reconstruction-mask-ratio":
		f, err := asFloat(value)
		if err != nil {
			return bad(err)
		}
		p.ReconstructionMaskRatio = f
	case "reconstruction-type":
		s, err := asString(value)
		if err != nil {
			return bad(err)
		}
		p.ReconstructionType = s
	case "output-format":
		s, err := asString(value)
		if err != nil {
			return bad(err)
		}
		p.OutputFormat = s
	case "center-search-width":
		f, err := asFloat(value)
		if err != nil {
			return bad(err)
		}
		p.CenterSearchWidth = f
	case "center-search-step":
		f, err := asFloat(value)
		if err != nil {
			return bad(err)
		}
		p.CenterSearchStep = f
	case "num-cores":
		n, err := asInt(value)
		if err != nil {
			return bad(err)
		}
		p.NumCores = n
	}
	return nil
}

func asString(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func asInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("expected integer, got %T (%v)", v, v)
}

func asFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, fmt.Errorf("expected number, got %T (%v)", v, v)
}
