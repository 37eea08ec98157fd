package tool_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasbohm/fmriprep/internal/dag"
	"github.com/kasbohm/fmriprep/internal/tool"
)

func nodeCtx(t *testing.T) context.Context {
	t.Helper()
	return dag.WithNodeDir(context.Background(), filepath.Join(t.TempDir(), "node"))
}

func TestExternalInvoke(t *testing.T) {
	t.Run("launches with computed args and resolves outputs", func(t *testing.T) {
		var got tool.Request
		ext := &tool.External{
			Command: "fslmerge",
			Args: func(in dag.Values, dir string) ([]string, error) {
				return []string{"-t", filepath.Join(dir, "merged.nii.gz"), in["in_file"].(string)}, nil
			},
			Outputs: func(in dag.Values, dir string) (dag.Values, error) {
				return dag.Values{"merged_file": filepath.Join(dir, "merged.nii.gz")}, nil
			},
			Launch: func(_ context.Context, req tool.Request) error {
				got = req
				return os.WriteFile(req.Outputs["merged_file"].(string), []byte("data"), 0o644)
			},
		}

		ctx := nodeCtx(t)
		out, err := ext.Invoke(ctx, dag.Values{"in_file": "/data/epi.nii.gz"})
		require.NoError(t, err)

		dir, _ := dag.NodeDir(ctx)
		assert.Equal(t, "fslmerge", got.Command)
		assert.Equal(t, dir, got.Dir)
		assert.Equal(t, []string{"-t", filepath.Join(dir, "merged.nii.gz"), "/data/epi.nii.gz"}, got.Args)
		assert.Equal(t, filepath.Join(dir, "merged.nii.gz"), out["merged_file"])
		assert.DirExists(t, dir, "work directory must be created before launch")
	})

	t.Run("missing declared output fails the node", func(t *testing.T) {
		ext := &tool.External{
			Command: "topup",
			Args:    func(dag.Values, string) ([]string, error) { return nil, nil },
			Outputs: func(_ dag.Values, dir string) (dag.Values, error) {
				return dag.Values{"out_field": filepath.Join(dir, "field.nii.gz")}, nil
			},
			Launch: func(context.Context, tool.Request) error { return nil },
		}

		_, err := ext.Invoke(nodeCtx(t), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "did not produce declared output")
	})

	t.Run("missing element of a list output fails the node", func(t *testing.T) {
		ext := &tool.External{
			Command: "fslsplit",
			Args:    func(dag.Values, string) ([]string, error) { return nil, nil },
			Outputs: func(_ dag.Values, dir string) (dag.Values, error) {
				return dag.Values{"out_files": []string{
					filepath.Join(dir, "vol0000.nii.gz"),
					filepath.Join(dir, "vol0001.nii.gz"),
				}}, nil
			},
			Launch: func(_ context.Context, req tool.Request) error {
				first := req.Outputs["out_files"].([]string)[0]
				return os.WriteFile(first, []byte("data"), 0o644)
			},
		}

		_, err := ext.Invoke(nodeCtx(t), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "vol0001.nii.gz")
	})

	t.Run("launch failure propagates", func(t *testing.T) {
		exitErr := &tool.ExitError{Command: "bet", Code: 2, Stderr: "cannot open image"}
		ext := &tool.External{
			Command: "bet",
			Args:    func(dag.Values, string) ([]string, error) { return nil, nil },
			Outputs: func(dag.Values, string) (dag.Values, error) { return dag.Values{}, nil },
			Launch:  func(context.Context, tool.Request) error { return exitErr },
		}

		_, err := ext.Invoke(nodeCtx(t), nil)
		require.Error(t, err)

		var coder dag.ExitCoder
		require.ErrorAs(t, err, &coder)
		assert.Equal(t, 2, coder.ExitCode())
		assert.Contains(t, err.Error(), "cannot open image")
	})

	t.Run("argument mapping failure skips the launch", func(t *testing.T) {
		launched := false
		ext := &tool.External{
			Command: "fugue",
			Args: func(dag.Values, string) ([]string, error) {
				return nil, errors.New("fieldmap input is not a string")
			},
			Outputs: func(dag.Values, string) (dag.Values, error) { return dag.Values{}, nil },
			Launch: func(context.Context, tool.Request) error {
				launched = true
				return nil
			},
		}

		_, err := ext.Invoke(nodeCtx(t), nil)
		require.Error(t, err)
		assert.False(t, launched)
	})

	t.Run("requires a node work directory", func(t *testing.T) {
		ext := &tool.External{Command: "mcflirt"}
		_, err := ext.Invoke(context.Background(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "work directory")
	})
}

func TestExitError(t *testing.T) {
	err := &tool.ExitError{Command: "topup", Code: 1, Stderr: "singular matrix\n"}
	assert.Equal(t, "topup exited with status 1: singular matrix", err.Error())
	assert.Equal(t, 1, err.ExitCode())

	bare := &tool.ExitError{Command: "bet", Code: 137}
	assert.Equal(t, "bet exited with status 137", bare.Error())
}

func TestFunc(t *testing.T) {
	f := &tool.Func{Fn: func(_ context.Context, in dag.Values) (dag.Values, error) {
		return dag.Values{"doubled": in["n"].(int) * 2}, nil
	}}
	out, err := f.Invoke(context.Background(), dag.Values{"n": 21})
	require.NoError(t, err)
	assert.Equal(t, 42, out["doubled"])
}
