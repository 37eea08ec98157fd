// Package sink persists named pipeline artifacts. The pipeline core
// depends only on the Store contract, not on where or how artifacts end up.
package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kasbohm/fmriprep/internal/ctxlog"
)

// Sink durably stores a named artifact under a base directory and returns
// the stored location.
type Sink interface {
	Store(ctx context.Context, name, artifact, baseDir string) (string, error)
}

// Filesystem stores artifacts by copying them under the base directory,
// keyed by name plus the artifact's original extension.
type Filesystem struct{}

// Store copies the artifact to baseDir/name<ext> and returns that path.
func (Filesystem) Store(ctx context.Context, name, artifact, baseDir string) (string, error) {
	logger := ctxlog.FromContext(ctx)

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", fmt.Errorf("creating sink directory %s: %w", baseDir, err)
	}
	dst := filepath.Join(baseDir, name+longExt(artifact))

	src, err := os.Open(artifact)
	if err != nil {
		return "", fmt.Errorf("storing %q: %w", name, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("storing %q: %w", name, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("storing %q: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("storing %q: %w", name, err)
	}

	logger.Debug("Stored artifact.", "name", name, "path", dst)
	return dst, nil
}

// longExt returns the full multi-part extension of a path, so that
// "field.nii.gz" keeps ".nii.gz" rather than just ".gz".
func longExt(path string) string {
	base := filepath.Base(path)
	for i, r := range base {
		if i > 0 && r == '.' {
			return base[i:]
		}
	}
	return ""
}
