// Package config loads a run's declarative configuration from HCL: where
// the input series live, which external programs to call, and how the run
// workspace behaves. Input series are given as glob patterns and expanded
// at load time; the `env` namespace is available inside the file for
// environment-dependent paths.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/kasbohm/fmriprep/internal/dag"
	"github.com/kasbohm/fmriprep/internal/fieldmap"
)

// Config is the fully resolved run configuration.
type Config struct {
	WorkDir   string
	OutputDir string
	Retention dag.Retention
	Workers   int

	DwellTime float64
	Tools     fieldmap.Tools

	Fieldmaps       []string
	FieldmapsMeta   []string
	ReferenceVolume string
}

// file is the raw HCL shape before resolution.
type file struct {
	Workspace *workspaceBlock `hcl:"workspace,block"`
	Inputs    *inputsBlock    `hcl:"inputs,block"`
	EPI       *epiBlock       `hcl:"epi,block"`
	Tools     *toolsBlock     `hcl:"tools,block"`
}

type workspaceBlock struct {
	Dir       string `hcl:"dir"`
	OutputDir string `hcl:"output_dir,optional"`
	Retention string `hcl:"retention,optional"`
	Workers   int    `hcl:"workers,optional"`
}

type inputsBlock struct {
	Fieldmaps       string `hcl:"fieldmaps"`
	FieldmapsMeta   string `hcl:"fieldmaps_meta"`
	ReferenceVolume string `hcl:"reference_volume"`
}

type epiBlock struct {
	DwellTime float64 `hcl:"dwell_time,optional"`
}

type toolsBlock struct {
	Merge        string `hcl:"merge,optional"`
	MCFLIRT      string `hcl:"mcflirt,optional"`
	Split        string `hcl:"split,optional"`
	Topup        string `hcl:"topup,optional"`
	ApplyTopup   string `hcl:"apply_topup,optional"`
	BiasCorrect  string `hcl:"bias_correct,optional"`
	BrainExtract string `hcl:"brain_extract,optional"`
	Maths        string `hcl:"maths,optional"`
	Fugue        string `hcl:"fugue,optional"`
}

// Load parses and resolves the configuration at path.
func Load(path string) (*Config, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", path, diags)
	}

	var raw file
	if diags := gohcl.DecodeBody(hclFile.Body, evalContext(), &raw); diags.HasErrors() {
		return nil, fmt.Errorf("decoding %s: %w", path, diags)
	}
	if raw.Workspace == nil {
		return nil, fmt.Errorf("%s: missing required workspace block", path)
	}
	if raw.Inputs == nil {
		return nil, fmt.Errorf("%s: missing required inputs block", path)
	}

	cfg := &Config{
		WorkDir:         raw.Workspace.Dir,
		OutputDir:       raw.Workspace.OutputDir,
		Workers:         raw.Workspace.Workers,
		ReferenceVolume: raw.Inputs.ReferenceVolume,
	}

	retention, err := parseRetention(raw.Workspace.Retention)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Retention = retention

	if raw.EPI != nil {
		cfg.DwellTime = raw.EPI.DwellTime
	}
	if raw.Tools != nil {
		cfg.Tools = fieldmap.Tools{
			Merge:        raw.Tools.Merge,
			MCFLIRT:      raw.Tools.MCFLIRT,
			Split:        raw.Tools.Split,
			Topup:        raw.Tools.Topup,
			ApplyTopup:   raw.Tools.ApplyTopup,
			BiasCorrect:  raw.Tools.BiasCorrect,
			BrainExtract: raw.Tools.BrainExtract,
			Maths:        raw.Tools.Maths,
			Fugue:        raw.Tools.Fugue,
		}
	}

	if cfg.Fieldmaps, err = expand(raw.Inputs.Fieldmaps); err != nil {
		return nil, fmt.Errorf("%s: fieldmaps: %w", path, err)
	}
	if cfg.FieldmapsMeta, err = expand(raw.Inputs.FieldmapsMeta); err != nil {
		return nil, fmt.Errorf("%s: fieldmaps_meta: %w", path, err)
	}
	if len(cfg.Fieldmaps) != len(cfg.FieldmapsMeta) {
		return nil, fmt.Errorf("%s: %d fieldmap images but %d metadata sidecars",
			path, len(cfg.Fieldmaps), len(cfg.FieldmapsMeta))
	}
	if _, err := os.Stat(cfg.ReferenceVolume); err != nil {
		return nil, fmt.Errorf("%s: reference_volume: %w", path, err)
	}

	return cfg, nil
}

// expand resolves a doublestar glob pattern into a sorted path list. A
// pattern with no matches is an error: an empty input series can never be
// intentional here.
func expand(pattern string) ([]string, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("pattern %q matched no files", pattern)
	}
	sort.Strings(matches)
	return matches, nil
}

func parseRetention(s string) (dag.Retention, error) {
	switch s {
	case "", "keep-failures":
		return dag.RetainOnFailure, nil
	case "keep-all":
		return dag.RetainAll, nil
	default:
		return 0, fmt.Errorf("invalid retention %q: must be 'keep-all' or 'keep-failures'", s)
	}
}

// evalContext exposes the process environment to the configuration file as
// the `env` object.
func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
	}
}
