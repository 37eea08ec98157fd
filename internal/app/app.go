// Package app wires the application together: logger, configuration,
// workflow assembly, and execution.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/kasbohm/fmriprep/internal/config"
	"github.com/kasbohm/fmriprep/internal/ctxlog"
	"github.com/kasbohm/fmriprep/internal/fieldmap"
)

// App encapsulates the application's dependencies and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *config.Config
}

// New constructs the application: it configures an isolated logger and
// loads the run configuration. A config that fails to load is a fatal
// startup error.
func New(outW io.Writer, opts *Options) (*App, error) {
	logger := newLogger(opts.LogLevel, opts.LogFormat, outW)
	logger.Debug("Logger configured.")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Debug("Configuration loaded.",
		"fieldmaps", len(cfg.Fieldmaps), "work_dir", cfg.WorkDir)

	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}

	return &App{outW: outW, logger: logger, cfg: cfg}, nil
}

// Run assembles the fieldmap workflow from the loaded configuration and
// executes it once, reporting the stored output locations.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("Assembling fieldmap workflow.")

	wf, err := fieldmap.New("fieldmap_se_pair", fieldmap.Config{
		WorkDir:   a.cfg.WorkDir,
		OutputDir: a.cfg.OutputDir,
		DwellTime: a.cfg.DwellTime,
		Tools:     a.cfg.Tools,
		Retention: a.cfg.Retention,
		Workers:   a.cfg.Workers,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble workflow: %w", err)
	}
	a.logger.Debug("Workflow assembled.", "node_count", len(wf.Graph.Nodes()))

	out, err := wf.Run(ctx, fieldmap.Inputs{
		Fieldmaps:       a.cfg.Fieldmaps,
		FieldmapsMeta:   a.cfg.FieldmapsMeta,
		ReferenceVolume: a.cfg.ReferenceVolume,
	})
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	a.logger.Info("Fieldmap estimation complete.",
		"estimated_field", out.EstimatedField,
		"field_in_radians", out.FieldInRadians,
		"field_mask", out.FieldMask,
		"brain_reference", out.BrainReference,
		"corrected_reference", out.CorrectedReference,
		"unmasked_field", out.UnmaskedField,
	)
	fmt.Fprintf(a.outW, "corrected reference: %s\nbrain mask: %s\n",
		out.CorrectedReference, out.FieldMask)
	return nil
}
