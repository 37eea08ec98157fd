// Package fieldmap assembles the fieldmap-estimation workflow: a fixed
// pipeline topology that estimates a magnetic-field-inhomogeneity
// correction from a pair of oppositely phase-encoded reference series and
// applies it to produce an undistorted reference volume, a brain mask, and
// a diagnostic overlay image.
//
// The workflow's external contract is a pair of passthrough boundary
// nodes: "inputnode" (fieldmaps, fieldmaps_meta, reference_volume) and
// "outputnode" (estimated_field, field_in_radians, field_mask,
// brain_reference, corrected_reference, unmasked_field). Everything in
// between is opaque to callers.
package fieldmap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kasbohm/fmriprep/internal/ctxlog"
	"github.com/kasbohm/fmriprep/internal/dag"
	"github.com/kasbohm/fmriprep/internal/encoding"
	"github.com/kasbohm/fmriprep/internal/nifti"
	"github.com/kasbohm/fmriprep/internal/report"
	"github.com/kasbohm/fmriprep/internal/sink"
	"github.com/kasbohm/fmriprep/internal/tool"
)

// Boundary node names exposed to callers.
const (
	InputNode  = "inputnode"
	OutputNode = "outputnode"
)

// defaultDwellTime is the effective echo spacing assumed by the unmasked
// smoothing node when the acquisition does not override it.
const defaultDwellTime = 0.000700012460221792

// Tools names the external programs each estimation stage shells out to.
// Zero values fall back to the standard FSL/ANTs names.
type Tools struct {
	Merge        string
	MCFLIRT      string
	Split        string
	Topup        string
	ApplyTopup   string
	BiasCorrect  string
	BrainExtract string
	Maths        string
	Fugue        string
}

func (t *Tools) applyDefaults() {
	def := func(s *string, name string) {
		if *s == "" {
			*s = name
		}
	}
	def(&t.Merge, "fslmerge")
	def(&t.MCFLIRT, "mcflirt")
	def(&t.Split, "fslsplit")
	def(&t.Topup, "topup")
	def(&t.ApplyTopup, "applytopup")
	def(&t.BiasCorrect, "N4BiasFieldCorrection")
	def(&t.BrainExtract, "bet")
	def(&t.Maths, "fslmaths")
	def(&t.Fugue, "fugue")
}

// Config carries everything the workflow builder needs beyond the input
// artifacts themselves.
type Config struct {
	// WorkDir hosts the run-scoped work directories. Empty means the
	// system temporary directory.
	WorkDir string
	// OutputDir is where the persistence sink stores run products. Empty
	// means WorkDir/images.
	OutputDir string
	// DwellTime overrides the effective echo spacing of the unmasked
	// smoothing node.
	DwellTime float64
	// Tools overrides external program names.
	Tools Tools
	// Launch overrides the process launcher for every external node.
	Launch tool.LaunchFunc
	// Renderer produces the diagnostic overlay image.
	Renderer report.Renderer
	// Sink persists the diagnostic image.
	Sink sink.Sink
	// Retention selects the artifact retention policy for runs.
	Retention dag.Retention
	// Workers sizes the executor pool for runs.
	Workers int
}

func (cfg *Config) applyDefaults() {
	cfg.Tools.applyDefaults()
	if cfg.DwellTime == 0 {
		cfg.DwellTime = defaultDwellTime
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(cfg.WorkDir, "images")
	}
	if cfg.Renderer == nil {
		cfg.Renderer = report.Slicer{Launch: cfg.Launch}
	}
	if cfg.Sink == nil {
		cfg.Sink = sink.Filesystem{}
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
}

// Inputs binds the workflow's input contract.
type Inputs struct {
	Fieldmaps       []string
	FieldmapsMeta   []string
	ReferenceVolume string
}

// Outputs holds the artifacts bound to the workflow's output contract
// after a successful run.
type Outputs struct {
	EstimatedField     string
	FieldInRadians     string
	FieldMask          string
	BrainReference     string
	CorrectedReference string
	UnmaskedField      string
}

// Workflow is an assembled fieldmap-estimation graph. Each call to New
// produces an independent instance; the type holds no process-wide state.
type Workflow struct {
	Graph *dag.Graph
	cfg   Config
}

// New assembles the fixed fieldmap topology. Assembly errors are
// programmer errors in the template and are returned as-is.
func New(name string, cfg Config) (*Workflow, error) {
	cfg.applyDefaults()

	g := dag.New(name)
	a := assembler{g: g}

	a.passthrough(InputNode, "fieldmaps", "fieldmaps_meta", "reference_volume")

	a.node("se_merge", []string{"in_files"}, []string{"merged_file"}, mergeTool(&cfg))
	a.node("se_head_motion_corr", []string{"in_file", "ref_file"}, []string{"out_file"}, motionCorrectTool(&cfg))
	a.node("create_parameters", []string{"fieldmaps", "fieldmaps_meta"}, []string{"parameters_file"},
		&tool.Func{Fn: createParameters})
	a.node("se_split", []string{"in_file"}, []string{"out_files"}, splitTool(&cfg))
	a.node("topup", []string{"in_file", "encoding_file"},
		[]string{"out_fieldcoef", "out_movpar", "out_field"}, topupTool(&cfg))
	a.node("topup_apply", []string{"in_files", "encoding_file", "in_topup_fieldcoef", "in_topup_movpar"},
		[]string{"out_corrected"}, applyTopupTool(&cfg))
	a.node("se_bias", []string{"input_image"}, []string{"output_image"}, biasCorrectTool(&cfg))
	a.node("se_brain", []string{"in_file"}, []string{"out_file", "mask_file"}, brainExtractTool(&cfg))
	a.node("fmap_scale", []string{"in_file"}, []string{"out_file"}, scaleTool(&cfg))
	a.node("fmap_abs", []string{"in_file"}, []string{"out_file"}, absBinTool(&cfg))
	a.node("fmap_mul_mask", []string{"in_file", "operand_file"}, []string{"out_file"}, maskMultiplyTool(&cfg))
	a.node("fmap_unmask", []string{"fmap_in_file", "mask_file"}, []string{"fmap_out_file"}, unmaskTool(&cfg))

	a.passthrough(OutputNode, "estimated_field", "field_in_radians", "field_mask",
		"brain_reference", "corrected_reference", "unmasked_field")

	a.connect(InputNode, "fieldmaps", "se_merge", "in_files")
	a.connect("se_merge", "merged_file", "se_head_motion_corr", "in_file")
	a.connect(InputNode, "reference_volume", "se_head_motion_corr", "ref_file")
	a.connect(InputNode, "fieldmaps", "create_parameters", "fieldmaps")
	a.connect(InputNode, "fieldmaps_meta", "create_parameters", "fieldmaps_meta")
	a.connect("create_parameters", "parameters_file", "topup", "encoding_file")
	a.connect("se_head_motion_corr", "out_file", "topup", "in_file")
	a.connect("topup", "out_fieldcoef", "topup_apply", "in_topup_fieldcoef")
	a.connect("topup", "out_movpar", "topup_apply", "in_topup_movpar")
	a.connect("create_parameters", "parameters_file", "topup_apply", "encoding_file")
	a.connect("se_head_motion_corr", "out_file", "se_split", "in_file")
	a.connect("se_split", "out_files", "topup_apply", "in_files")
	a.connect("topup_apply", "out_corrected", "se_bias", "input_image")
	a.connect("se_bias", "output_image", "se_brain", "in_file")
	a.connect("topup", "out_field", "fmap_scale", "in_file")
	a.connect("se_brain", "mask_file", "fmap_mul_mask", "operand_file")
	a.connect("fmap_scale", "out_file", "fmap_abs", "in_file")
	a.connect("fmap_abs", "out_file", "fmap_mul_mask", "in_file")
	a.connect("fmap_scale", "out_file", "fmap_unmask", "fmap_in_file")
	a.connect("fmap_mul_mask", "out_file", "fmap_unmask", "mask_file")

	a.connect("topup", "out_field", OutputNode, "estimated_field")
	a.connect("fmap_scale", "out_file", OutputNode, "field_in_radians")
	a.connect("se_brain", "out_file", OutputNode, "brain_reference")
	a.connect("se_brain", "mask_file", OutputNode, "field_mask")
	a.connect("topup_apply", "out_corrected", OutputNode, "corrected_reference")
	a.connect("fmap_unmask", "fmap_out_file", OutputNode, "unmasked_field")

	// Reporting section: render the corrected reference with the brain
	// mask overlaid and persist the image.
	a.node("se_report", []string{"in_file", "overlay_file"}, []string{"out_file"},
		&tool.Func{Fn: renderReport(cfg.Renderer)})
	a.node("datasink", []string{"corrected_se_and_mask"}, []string{"stored"},
		&tool.Func{Fn: storeReport(cfg.Sink, cfg.OutputDir)})
	a.connect("se_brain", "mask_file", "se_report", "in_file")
	a.connect("topup_apply", "out_corrected", "se_report", "overlay_file")
	a.connect("se_report", "out_file", "datasink", "corrected_se_and_mask")

	if a.err != nil {
		return nil, fmt.Errorf("assembling workflow %q: %w", name, a.err)
	}
	return &Workflow{Graph: g, cfg: cfg}, nil
}

// Run executes the workflow once and returns the artifacts bound to the
// output contract.
func (w *Workflow) Run(ctx context.Context, in Inputs) (*Outputs, error) {
	logger := ctxlog.FromContext(ctx).With("workflow", w.Graph.Name())
	ctx = ctxlog.WithLogger(ctx, logger)

	if len(in.Fieldmaps) != len(in.FieldmapsMeta) {
		return nil, fmt.Errorf("%d fieldmap series but %d metadata sidecars",
			len(in.Fieldmaps), len(in.FieldmapsMeta))
	}

	exec := dag.NewExecutor(w.Graph,
		dag.WithWorkers(w.cfg.Workers),
		dag.WithRetention(w.cfg.Retention),
		dag.WithWorkDir(w.cfg.WorkDir),
	)

	logger.Info("Starting fieldmap estimation run.", "run_dir", exec.RunDir())
	err := exec.Run(ctx, dag.Bindings{
		{Node: InputNode, Name: "fieldmaps"}:        in.Fieldmaps,
		{Node: InputNode, Name: "fieldmaps_meta"}:   in.FieldmapsMeta,
		{Node: InputNode, Name: "reference_volume"}: in.ReferenceVolume,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Fieldmap estimation run finished.")

	out, ok := exec.Outputs(OutputNode)
	if !ok {
		return nil, fmt.Errorf("workflow %q produced no output contract", w.Graph.Name())
	}
	result := &Outputs{}
	for port, dst := range map[string]*string{
		"estimated_field":     &result.EstimatedField,
		"field_in_radians":    &result.FieldInRadians,
		"field_mask":          &result.FieldMask,
		"brain_reference":     &result.BrainReference,
		"corrected_reference": &result.CorrectedReference,
		"unmasked_field":      &result.UnmaskedField,
	} {
		s, err := asString(out, port)
		if err != nil {
			return nil, fmt.Errorf("output contract of %q: %w", w.Graph.Name(), err)
		}
		*dst = s
	}
	return result, nil
}

// createParameters is the in-process synthesis node: it zips the raw
// series with their sidecars and writes the encoding table into the node's
// work directory.
func createParameters(ctx context.Context, in dag.Values) (dag.Values, error) {
	images, err := asStrings(in, "fieldmaps")
	if err != nil {
		return nil, err
	}
	sidecars, err := asStrings(in, "fieldmaps_meta")
	if err != nil {
		return nil, err
	}
	if len(images) != len(sidecars) {
		return nil, fmt.Errorf("%d fieldmap images but %d sidecars", len(images), len(sidecars))
	}

	series := make([]encoding.Series, len(images))
	for i := range images {
		series[i] = encoding.Series{Image: images[i], Sidecar: sidecars[i]}
	}

	dir, ok := dag.NodeDir(ctx)
	if !ok {
		return nil, fmt.Errorf("create_parameters invoked without a work directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path, err := encoding.Synthesize(series, nifti.Volumes, filepath.Join(dir, "parameters.txt"))
	if err != nil {
		return nil, err
	}
	return dag.Values{"parameters_file": path}, nil
}

// renderReport adapts the diagnostic renderer into a node function.
func renderReport(r report.Renderer) func(ctx context.Context, in dag.Values) (dag.Values, error) {
	return func(ctx context.Context, in dag.Values) (dag.Values, error) {
		image, err := asString(in, "in_file")
		if err != nil {
			return nil, err
		}
		overlay, err := asString(in, "overlay_file")
		if err != nil {
			return nil, err
		}
		dir, ok := dag.NodeDir(ctx)
		if !ok {
			return nil, fmt.Errorf("se_report invoked without a work directory")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		outFile := filepath.Join(dir, "corrected_SE_and_mask.png")
		if err := r.Render(ctx, image, overlay, outFile); err != nil {
			return nil, err
		}
		return dag.Values{"out_file": outFile}, nil
	}
}

// storeReport adapts the persistence sink into a node function.
func storeReport(s sink.Sink, baseDir string) func(ctx context.Context, in dag.Values) (dag.Values, error) {
	return func(ctx context.Context, in dag.Values) (dag.Values, error) {
		artifact, err := asString(in, "corrected_se_and_mask")
		if err != nil {
			return nil, err
		}
		stored, err := s.Store(ctx, "corrected_SE_and_mask", artifact, baseDir)
		if err != nil {
			return nil, err
		}
		return dag.Values{"stored": stored}, nil
	}
}

// assembler accumulates the first assembly error so the template wiring
// reads as a flat declaration.
type assembler struct {
	g   *dag.Graph
	err error
}

func (a *assembler) node(name string, inputs, outputs []string, inv dag.Invoker) {
	if a.err != nil {
		return
	}
	n, err := dag.NewNode(name, inputs, outputs, inv)
	if err != nil {
		a.err = err
		return
	}
	a.err = a.g.AddNode(n)
}

func (a *assembler) passthrough(name string, fields ...string) {
	if a.err != nil {
		return
	}
	n, err := dag.Passthrough(name, fields...)
	if err != nil {
		a.err = err
		return
	}
	a.err = a.g.AddNode(n)
}

func (a *assembler) connect(srcNode, srcPort, dstNode, dstPort string) {
	if a.err != nil {
		return
	}
	a.err = a.g.Connect(srcNode, srcPort, dstNode, dstPort)
}
