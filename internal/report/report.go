// Package report produces the diagnostic image for a pipeline run: the
// corrected reference volume rendered with the extracted brain mask as an
// overlay. The pipeline depends only on the Renderer contract; the default
// implementation delegates to an external slicing tool.
package report

import (
	"context"

	"github.com/kasbohm/fmriprep/internal/tool"
)

// Renderer turns a base image and an overlay into a single rendered image
// at the caller-specified path.
type Renderer interface {
	Render(ctx context.Context, image, overlay, outFile string) error
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(ctx context.Context, image, overlay, outFile string) error

// Render calls the wrapped function.
func (f RendererFunc) Render(ctx context.Context, image, overlay, outFile string) error {
	return f(ctx, image, overlay, outFile)
}

// Slicer renders the overlay with the external `slicer` utility.
type Slicer struct {
	// Command overrides the program name. Empty means "slicer".
	Command string
	// Launch overrides the process launcher, for tests.
	Launch tool.LaunchFunc
}

// Render produces an axial montage of image with overlay edges at outFile.
func (s Slicer) Render(ctx context.Context, image, overlay, outFile string) error {
	command := s.Command
	if command == "" {
		command = "slicer"
	}
	launch := s.Launch
	if launch == nil {
		launch = tool.Launch
	}
	return launch(ctx, tool.Request{
		Command: command,
		Args:    []string{image, overlay, "-a", outFile},
	})
}
