package fieldmap

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kasbohm/fmriprep/internal/dag"
	"github.com/kasbohm/fmriprep/internal/nifti"
	"github.com/kasbohm/fmriprep/internal/tool"
)

// The argument grammars below belong to the wrapped FSL/ANTs programs, not
// to the graph core: each builder maps a node's bound input ports to an
// argument vector and resolves the artifact paths the tool materializes
// under the node's work directory.

func asString(in dag.Values, port string) (string, error) {
	v, ok := in[port]
	if !ok {
		return "", fmt.Errorf("missing input %q", port)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("input %q is %T, want string", port, v)
	}
	return s, nil
}

func asStrings(in dag.Values, port string) ([]string, error) {
	switch v := in[port].(type) {
	case []string:
		return v, nil
	case string:
		return []string{v}, nil
	default:
		return nil, fmt.Errorf("input %q is %T, want string list", port, in[port])
	}
}

// mergeTool concatenates the input series along the time axis.
func mergeTool(cfg *Config) *tool.External {
	return &tool.External{
		Command: cfg.Tools.Merge,
		Launch:  cfg.Launch,
		Args: func(in dag.Values, dir string) ([]string, error) {
			files, err := asStrings(in, "in_files")
			if err != nil {
				return nil, err
			}
			return append([]string{"-t", filepath.Join(dir, "merged.nii.gz")}, files...), nil
		},
		Outputs: func(_ dag.Values, dir string) (dag.Values, error) {
			return dag.Values{"merged_file": filepath.Join(dir, "merged.nii.gz")}, nil
		},
	}
}

// motionCorrectTool aligns every volume of the merged series to the
// reference volume.
func motionCorrectTool(cfg *Config) *tool.External {
	return &tool.External{
		Command: cfg.Tools.MCFLIRT,
		Launch:  cfg.Launch,
		Args: func(in dag.Values, dir string) ([]string, error) {
			inFile, err := asString(in, "in_file")
			if err != nil {
				return nil, err
			}
			refFile, err := asString(in, "ref_file")
			if err != nil {
				return nil, err
			}
			return []string{
				"-in", inFile,
				"-reffile", refFile,
				"-out", filepath.Join(dir, "hmc"),
			}, nil
		},
		Outputs: func(_ dag.Values, dir string) (dag.Values, error) {
			return dag.Values{"out_file": filepath.Join(dir, "hmc.nii.gz")}, nil
		},
	}
}

// splitTool splits the motion-corrected series back into per-volume images.
// Its output list is resolved from the input image's volume count, matching
// the vol%04d naming the tool uses.
func splitTool(cfg *Config) *tool.External {
	return &tool.External{
		Command: cfg.Tools.Split,
		Launch:  cfg.Launch,
		Args: func(in dag.Values, dir string) ([]string, error) {
			inFile, err := asString(in, "in_file")
			if err != nil {
				return nil, err
			}
			return []string{inFile, filepath.Join(dir, "vol"), "-t"}, nil
		},
		Outputs: func(in dag.Values, dir string) (dag.Values, error) {
			inFile, err := asString(in, "in_file")
			if err != nil {
				return nil, err
			}
			vols, err := nifti.Volumes(inFile)
			if err != nil {
				return nil, err
			}
			files := make([]string, vols)
			for i := range files {
				files[i] = filepath.Join(dir, fmt.Sprintf("vol%04d.nii.gz", i))
			}
			return dag.Values{"out_files": files}, nil
		},
	}
}

// topupTool estimates the inhomogeneity field from the motion-corrected
// series and the encoding table.
func topupTool(cfg *Config) *tool.External {
	return &tool.External{
		Command: cfg.Tools.Topup,
		Launch:  cfg.Launch,
		Args: func(in dag.Values, dir string) ([]string, error) {
			inFile, err := asString(in, "in_file")
			if err != nil {
				return nil, err
			}
			encFile, err := asString(in, "encoding_file")
			if err != nil {
				return nil, err
			}
			return []string{
				"--imain=" + inFile,
				"--datain=" + encFile,
				"--out=" + filepath.Join(dir, "topup"),
				"--fout=" + filepath.Join(dir, "field.nii.gz"),
			}, nil
		},
		Outputs: func(_ dag.Values, dir string) (dag.Values, error) {
			return dag.Values{
				"out_fieldcoef": filepath.Join(dir, "topup_fieldcoef.nii.gz"),
				"out_movpar":    filepath.Join(dir, "topup_movpar.txt"),
				"out_field":     filepath.Join(dir, "field.nii.gz"),
			}, nil
		},
	}
}

// applyTopupTool corrects the split volumes with the estimated field using
// the least-squares resampling method.
func applyTopupTool(cfg *Config) *tool.External {
	return &tool.External{
		Command: cfg.Tools.ApplyTopup,
		Launch:  cfg.Launch,
		Args: func(in dag.Values, dir string) ([]string, error) {
			files, err := asStrings(in, "in_files")
			if err != nil {
				return nil, err
			}
			encFile, err := asString(in, "encoding_file")
			if err != nil {
				return nil, err
			}
			fieldcoef, err := asString(in, "in_topup_fieldcoef")
			if err != nil {
				return nil, err
			}
			return []string{
				"--imain=" + strings.Join(files, ","),
				"--datain=" + encFile,
				"--inindex=1",
				"--topup=" + strings.TrimSuffix(fieldcoef, "_fieldcoef.nii.gz"),
				"--method=lsr",
				"--out=" + filepath.Join(dir, "corrected"),
			}, nil
		},
		Outputs: func(_ dag.Values, dir string) (dag.Values, error) {
			return dag.Values{"out_corrected": filepath.Join(dir, "corrected.nii.gz")}, nil
		},
	}
}

// biasCorrectTool removes the low-frequency intensity bias from the
// corrected reference.
func biasCorrectTool(cfg *Config) *tool.External {
	return &tool.External{
		Command: cfg.Tools.BiasCorrect,
		Launch:  cfg.Launch,
		Args: func(in dag.Values, dir string) ([]string, error) {
			image, err := asString(in, "input_image")
			if err != nil {
				return nil, err
			}
			return []string{
				"-d", "3",
				"-i", image,
				"-o", filepath.Join(dir, "bias_corrected.nii.gz"),
			}, nil
		},
		Outputs: func(_ dag.Values, dir string) (dag.Values, error) {
			return dag.Values{"output_image": filepath.Join(dir, "bias_corrected.nii.gz")}, nil
		},
	}
}

// brainExtractTool skull-strips the corrected reference, producing the
// brain image and its binary mask.
func brainExtractTool(cfg *Config) *tool.External {
	return &tool.External{
		Command: cfg.Tools.BrainExtract,
		Launch:  cfg.Launch,
		Args: func(in dag.Values, dir string) ([]string, error) {
			inFile, err := asString(in, "in_file")
			if err != nil {
				return nil, err
			}
			return []string{inFile, filepath.Join(dir, "brain.nii.gz"), "-m", "-R"}, nil
		},
		Outputs: func(_ dag.Values, dir string) (dag.Values, error) {
			return dag.Values{
				"out_file":  filepath.Join(dir, "brain.nii.gz"),
				"mask_file": filepath.Join(dir, "brain_mask.nii.gz"),
			}, nil
		},
	}
}

// hzToRadians converts the estimated field from Hz to rad/s.
const hzToRadians = 6.283

// scaleTool multiplies the raw field by the Hz-to-rad/s factor.
func scaleTool(cfg *Config) *tool.External {
	return mathsTool(cfg, "scaled.nii.gz", func(inFile, outFile string) []string {
		return []string{inFile, "-mul", strconv.FormatFloat(hzToRadians, 'g', -1, 64), outFile}
	})
}

// absBinTool takes the absolute value of the scaled field and binarizes it.
func absBinTool(cfg *Config) *tool.External {
	return mathsTool(cfg, "abs_bin.nii.gz", func(inFile, outFile string) []string {
		return []string{inFile, "-abs", "-bin", outFile}
	})
}

// mathsTool is the shared shape of the single-input image-arithmetic nodes.
func mathsTool(cfg *Config, outName string, args func(inFile, outFile string) []string) *tool.External {
	return &tool.External{
		Command: cfg.Tools.Maths,
		Launch:  cfg.Launch,
		Args: func(in dag.Values, dir string) ([]string, error) {
			inFile, err := asString(in, "in_file")
			if err != nil {
				return nil, err
			}
			return args(inFile, filepath.Join(dir, outName)), nil
		},
		Outputs: func(_ dag.Values, dir string) (dag.Values, error) {
			return dag.Values{"out_file": filepath.Join(dir, outName)}, nil
		},
	}
}

// maskMultiplyTool intersects the binarized field with the brain mask.
func maskMultiplyTool(cfg *Config) *tool.External {
	return &tool.External{
		Command: cfg.Tools.Maths,
		Launch:  cfg.Launch,
		Args: func(in dag.Values, dir string) ([]string, error) {
			inFile, err := asString(in, "in_file")
			if err != nil {
				return nil, err
			}
			operand, err := asString(in, "operand_file")
			if err != nil {
				return nil, err
			}
			return []string{inFile, "-mul", operand, filepath.Join(dir, "field_mask.nii.gz")}, nil
		},
		Outputs: func(_ dag.Values, dir string) (dag.Values, error) {
			return dag.Values{"out_file": filepath.Join(dir, "field_mask.nii.gz")}, nil
		},
	}
}

// unmaskTool produces the smoothed, unmasked field from the scaled field
// and the combined mask.
func unmaskTool(cfg *Config) *tool.External {
	return &tool.External{
		Command: cfg.Tools.Fugue,
		Launch:  cfg.Launch,
		Args: func(in dag.Values, dir string) ([]string, error) {
			fmapFile, err := asString(in, "fmap_in_file")
			if err != nil {
				return nil, err
			}
			maskFile, err := asString(in, "mask_file")
			if err != nil {
				return nil, err
			}
			return []string{
				"--loadfmap=" + fmapFile,
				"--mask=" + maskFile,
				"--unwarpdir=x",
				"--dwell=" + strconv.FormatFloat(cfg.DwellTime, 'g', -1, 64),
				"--savefmap=" + filepath.Join(dir, "unmasked_field.nii.gz"),
				"--unmaskfmap",
			}, nil
		},
		Outputs: func(_ dag.Values, dir string) (dag.Values, error) {
			return dag.Values{"fmap_out_file": filepath.Join(dir, "unmasked_field.nii.gz")}, nil
		},
	}
}
