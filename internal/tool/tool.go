// Package tool provides the two invoker kinds the pipeline graph runs:
// External shells out to a named program with a declared argument mapping
// and resolves its declared output artifacts, Func executes an in-process
// pure function. Both satisfy dag.Invoker.
package tool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kasbohm/fmriprep/internal/ctxlog"
	"github.com/kasbohm/fmriprep/internal/dag"
)

// Request describes one external invocation: the program, its argument
// vector, the node's work directory, and the artifact paths the node's
// output ports will resolve to after a successful exit.
type Request struct {
	Command string
	Args    []string
	Dir     string
	Outputs dag.Values
}

// LaunchFunc starts an external process and waits for it. Tests substitute
// a stub that materializes the request's declared outputs instead of
// spawning anything.
type LaunchFunc func(ctx context.Context, req Request) error

// ExitError reports a non-zero exit from an external tool.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

// ExitCode returns the process exit status. It satisfies dag.ExitCoder.
func (e *ExitError) ExitCode() int { return e.Code }

// Launch is the default LaunchFunc. It runs the command with the node's
// work directory as cwd and surfaces a non-zero exit as an ExitError
// carrying the tail of stderr.
func Launch(ctx context.Context, req Request) error {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Launching external tool.", "command", req.Command, "args", req.Args)

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &ExitError{Command: req.Command, Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return fmt.Errorf("launching %s: %w", req.Command, err)
	}
	return nil
}

// External wraps a named external program as a node invoker. Args maps the
// bound inputs and the node work directory to an argument vector; Outputs
// maps them to the artifact paths the tool is expected to have produced.
type External struct {
	Command string
	Args    func(in dag.Values, dir string) ([]string, error)
	Outputs func(in dag.Values, dir string) (dag.Values, error)

	// Launch overrides the process launcher. Nil means tool.Launch.
	Launch LaunchFunc
}

// Invoke runs the wrapped program inside the node's work directory and
// resolves its declared outputs. Every resolved path must exist afterwards;
// a tool that exits cleanly without materializing a declared artifact is an
// invocation failure, not a silent gap.
func (t *External) Invoke(ctx context.Context, in dag.Values) (dag.Values, error) {
	dir, ok := dag.NodeDir(ctx)
	if !ok {
		return nil, fmt.Errorf("external tool %s invoked without a work directory", t.Command)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating work directory for %s: %w", t.Command, err)
	}

	args, err := t.Args(in, dir)
	if err != nil {
		return nil, err
	}
	out, err := t.Outputs(in, dir)
	if err != nil {
		return nil, err
	}

	launch := t.Launch
	if launch == nil {
		launch = Launch
	}
	if err := launch(ctx, Request{Command: t.Command, Args: args, Dir: dir, Outputs: out}); err != nil {
		return nil, err
	}

	for port, v := range out {
		var paths []string
		switch val := v.(type) {
		case string:
			paths = []string{val}
		case []string:
			paths = val
		default:
			continue
		}
		for _, path := range paths {
			if _, err := os.Stat(path); err != nil {
				return nil, fmt.Errorf("%s did not produce declared output %q at %s: %w", t.Command, port, path, err)
			}
		}
	}
	return out, nil
}

// Func wraps an in-process pure function as a node invoker.
type Func struct {
	Fn func(ctx context.Context, in dag.Values) (dag.Values, error)
}

// Invoke runs the function synchronously.
func (f *Func) Invoke(ctx context.Context, in dag.Values) (dag.Values, error) {
	return f.Fn(ctx, in)
}
