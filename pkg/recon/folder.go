package recon

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"tomorec/pkg/params"
)

var tokenPattern = regexp.MustCompile(`\{([a-z0-9_]+)\}`)

// ReconstructionFolder expands the output-folder template of p into a
// directory path. Recognized substitution tokens:
//
//   - {file_name}: the input file's base name without extension
//   - {file_name_parent}: the absolute path of the input file's containing
//     directory; if the input path is itself a directory (with or without a
//     trailing separator), the directory path itself
//   - any other parameter field by its snake_case name, for example
//     {reconstruction_algorithm} or {rotation_axis}
//
// Unrecognized tokens fail with an error wrapping params.ErrConfiguration.
// Trailing path separators are stripped from the result. The expansion is
// deterministic and creates nothing on disk; a single read-only stat is used
// to distinguish a directory input from a file input.
func ReconstructionFolder(p *params.Params) (string, error) {
	values := map[string]string{
		"file_name":                 baseName(p.FileName),
		"reconstruction_algorithm":  p.ReconstructionAlgorithm,
		"gridrec_filter":            p.GridrecFilter,
		"flat_correction_method":    p.FlatCorrectionMethod,
		"reconstruction_type":       p.ReconstructionType,
		"output_format":             p.OutputFormat,
		"rotation_axis":             strconv.FormatFloat(p.RotationAxis, 'g', -1, 64),
		"reconstruction_mask_ratio": strconv.FormatFloat(p.ReconstructionMaskRatio, 'g', -1, 64),
		"start_row":                 strconv.Itoa(p.StartRow),
		"end_row":                   strconv.Itoa(p.EndRow),
		"binning":                   strconv.Itoa(p.Binning),
		"nsino_per_chunk":           strconv.Itoa(p.NSinoPerChunk),
	}

	var unknown []string
	expand := func(template string) string {
		return tokenPattern.ReplaceAllStringFunc(template, func(match string) string {
			name := match[1 : len(match)-1]
			if name == "file_name_parent" {
				parent, err := fileNameParent(p.FileName)
				if err != nil {
					unknown = append(unknown, name)
					return match
				}
				return parent
			}
			value, ok := values[name]
			if !ok {
				unknown = append(unknown, name)
				return match
			}
			return value
		})
	}

	folder := expand(p.OutputFolder)
	if len(unknown) > 0 {
		return "", fmt.Errorf("%w: unresolvable output folder token {%s} in %q",
			params.ErrConfiguration, unknown[0], p.OutputFolder)
	}
	folder = strings.TrimRight(folder, string(filepath.Separator))
	return folder, nil
}

// baseName returns the file's base name without its extension.
func baseName(path string) string {
	base := filepath.Base(strings.TrimRight(path, string(filepath.Separator)))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// fileNameParent resolves the {file_name_parent} token: the absolute
// containing directory for a file path, or the (trailing-separator-stripped)
// absolute path itself for a directory.
func fileNameParent(path string) (string, error) {
	trimmed := strings.TrimRight(path, string(filepath.Separator))
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return abs, nil
	}
	return filepath.Dir(abs), nil
}
