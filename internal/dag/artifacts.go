package dag

import (
	"context"
	"os"
	"strings"

	"github.com/kasbohm/fmriprep/internal/ctxlog"
)

// Retention selects what happens to a run's intermediate artifacts after
// execution finishes. Artifacts referenced by terminal nodes (the graph's
// boundary outputs and sinks) are always kept.
type Retention int

const (
	// RetainOnFailure keeps everything when the run fails, for diagnosis,
	// and sweeps intermediates after a clean run. It is the zero value.
	RetainOnFailure Retention = iota
	// RetainAll keeps every artifact of the run.
	RetainAll
)

// nodeDirKey carries the per-node work directory through the invocation
// context, in the same style as ctxlog.
type nodeDirKey struct{}

// WithNodeDir returns a context carrying the work directory assigned to the
// node being invoked.
func WithNodeDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, nodeDirKey{}, dir)
}

// NodeDir extracts the invoked node's work directory from the context.
func NodeDir(ctx context.Context) (string, bool) {
	dir, ok := ctx.Value(nodeDirKey{}).(string)
	return dir, ok
}

// registerArtifacts records every file a node materialized under the run
// directory, so the retention sweep knows what each node owns.
func (e *Executor) registerArtifacts(node string, out Values) {
	runDir := e.RunDir()
	var paths []string
	for _, v := range out {
		switch val := v.(type) {
		case string:
			if strings.HasPrefix(val, runDir) {
				paths = append(paths, val)
			}
		case []string:
			for _, p := range val {
				if strings.HasPrefix(p, runDir) {
					paths = append(paths, p)
				}
			}
		}
	}
	if len(paths) == 0 {
		return
	}
	e.mu.Lock()
	e.artifacts[node] = append(e.artifacts[node], paths...)
	e.mu.Unlock()
}

// sweep applies the retention policy once the run has settled. Terminal
// nodes' values are the run's products; everything else produced under the
// run directory is fair game for eviction.
func (e *Executor) sweep(ctx context.Context, runErr error) {
	logger := ctxlog.FromContext(ctx)
	if e.retention == RetainAll {
		return
	}
	if runErr != nil {
		logger.Debug("Run failed, keeping all artifacts for diagnosis.", "dir", e.RunDir())
		return
	}

	keep := e.terminalValues()
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for _, paths := range e.artifacts {
		for _, p := range paths {
			if keep[p] {
				continue
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				logger.Warn("Failed to evict intermediate artifact.", "path", p, "error", err)
				continue
			}
			removed++
		}
	}
	logger.Debug("Swept intermediate artifacts.", "removed", removed)
}

// terminalValues collects every path referenced by nodes with no outgoing
// connections.
func (e *Executor) terminalValues() map[string]bool {
	hasConsumer := make(map[string]bool)
	for _, c := range e.graph.Connections() {
		hasConsumer[c.Src.Node] = true
	}

	keep := make(map[string]bool)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range e.graph.Nodes() {
		if hasConsumer[name] {
			continue
		}
		for _, v := range e.results[name] {
			switch val := v.(type) {
			case string:
				keep[val] = true
			case []string:
				for _, p := range val {
					keep[p] = true
				}
			}
		}
	}
	return keep
}
