package fieldmap_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasbohm/fmriprep/internal/dag"
	"github.com/kasbohm/fmriprep/internal/fieldmap"
	"github.com/kasbohm/fmriprep/internal/report"
	"github.com/kasbohm/fmriprep/internal/testutil"
	"github.com/kasbohm/fmriprep/internal/tool"
)

// fixtures writes a pair of oppositely encoded fieldmap series, their
// sidecars, and a reference volume under dir.
func fixtures(t *testing.T, dir string) fieldmap.Inputs {
	t.Helper()

	ap := filepath.Join(dir, "sub-01_dir-AP_epi.nii.gz")
	pa := filepath.Join(dir, "sub-01_dir-PA_epi.nii.gz")
	ref := filepath.Join(dir, "sub-01_sbref.nii.gz")
	require.NoError(t, testutil.WriteNIfTI(ap, 3))
	require.NoError(t, testutil.WriteNIfTI(pa, 2))
	require.NoError(t, testutil.WriteNIfTI(ref, 1))

	apMeta := filepath.Join(dir, "sub-01_dir-AP_epi.json")
	paMeta := filepath.Join(dir, "sub-01_dir-PA_epi.json")
	require.NoError(t, os.WriteFile(apMeta,
		[]byte(`{"PhaseEncodingDirection": "j", "TotalReadoutTime": 0.05}`), 0o644))
	require.NoError(t, os.WriteFile(paMeta,
		[]byte(`{"PhaseEncodingDirection": "j-", "TotalReadoutTime": 0.07}`), 0o644))

	return fieldmap.Inputs{
		Fieldmaps:       []string{ap, pa},
		FieldmapsMeta:   []string{apMeta, paMeta},
		ReferenceVolume: ref,
	}
}

func stubRenderer(t *testing.T) report.Renderer {
	t.Helper()
	return report.RendererFunc(func(_ context.Context, image, overlay, outFile string) error {
		if image == "" || overlay == "" {
			return errors.New("renderer called with empty inputs")
		}
		return os.WriteFile(outFile, []byte("png"), 0o644)
	})
}

func TestNew(t *testing.T) {
	t.Run("assembles a valid topology", func(t *testing.T) {
		wf, err := fieldmap.New("fieldmap_se_pair", fieldmap.Config{})
		require.NoError(t, err)

		order, err := wf.Graph.TopologicalOrder()
		require.NoError(t, err)
		assert.Len(t, order, 16)

		pos := make(map[string]int, len(order))
		for i, name := range order {
			pos[name] = i
		}
		assert.Less(t, pos[fieldmap.InputNode], pos["se_merge"])
		assert.Less(t, pos["topup"], pos["topup_apply"])
		assert.Less(t, pos["se_brain"], pos["fmap_mul_mask"])
		assert.Less(t, pos["fmap_mul_mask"], pos["fmap_unmask"])
		assert.Less(t, pos["fmap_unmask"], pos[fieldmap.OutputNode])
		assert.Less(t, pos["se_report"], pos["datasink"])
	})

	t.Run("instances are independent", func(t *testing.T) {
		a, err := fieldmap.New("first", fieldmap.Config{})
		require.NoError(t, err)
		b, err := fieldmap.New("second", fieldmap.Config{})
		require.NoError(t, err)
		assert.NotSame(t, a.Graph, b.Graph)
	})
}

func TestWorkflowRun(t *testing.T) {
	t.Run("produces the full output contract", func(t *testing.T) {
		dataDir := t.TempDir()
		workDir := t.TempDir()
		outDir := t.TempDir()
		in := fixtures(t, dataDir)

		stub := &testutil.StubLauncher{}
		wf, err := fieldmap.New("fieldmap_se_pair", fieldmap.Config{
			WorkDir:   workDir,
			OutputDir: outDir,
			Launch:    stub.Launch,
			Renderer:  stubRenderer(t),
			Retention: dag.RetainAll,
			Workers:   2,
		})
		require.NoError(t, err)

		out, err := wf.Run(context.Background(), in)
		require.NoError(t, err)

		for name, path := range map[string]string{
			"estimated_field":     out.EstimatedField,
			"field_in_radians":    out.FieldInRadians,
			"field_mask":          out.FieldMask,
			"brain_reference":     out.BrainReference,
			"corrected_reference": out.CorrectedReference,
			"unmasked_field":      out.UnmaskedField,
		} {
			assert.FileExists(t, path, name)
		}

		commands := stub.Commands()
		for _, c := range []string{
			"fslmerge", "mcflirt", "fslsplit", "topup", "applytopup",
			"N4BiasFieldCorrection", "bet", "fugue",
		} {
			assert.Contains(t, commands, c)
		}
		// Three fslmaths invocations: scale, abs+bin, mask multiply.
		maths := 0
		for _, c := range commands {
			if c == "fslmaths" {
				maths++
			}
		}
		assert.Equal(t, 3, maths)

		stored := filepath.Join(outDir, "corrected_SE_and_mask.png")
		assert.FileExists(t, stored, "diagnostic image must be persisted")
	})

	t.Run("encoding table carries one row per volume", func(t *testing.T) {
		dataDir := t.TempDir()
		workDir := t.TempDir()
		in := fixtures(t, dataDir)

		stub := &testutil.StubLauncher{}
		wf, err := fieldmap.New("fieldmap_se_pair", fieldmap.Config{
			WorkDir:   workDir,
			OutputDir: t.TempDir(),
			Launch:    stub.Launch,
			Renderer:  stubRenderer(t),
			Retention: dag.RetainAll,
		})
		require.NoError(t, err)

		_, err = wf.Run(context.Background(), in)
		require.NoError(t, err)

		matches, err := filepath.Glob(filepath.Join(workDir, "*", "create_parameters", "parameters.txt"))
		require.NoError(t, err)
		require.Len(t, matches, 1)
		body, err := os.ReadFile(matches[0])
		require.NoError(t, err)
		want := "0 1 0 0.05\n0 1 0 0.05\n0 1 0 0.05\n0 -1 0 0.07\n0 -1 0 0.07\n"
		assert.Equal(t, want, string(body))
	})

	t.Run("estimation failure surfaces the failing node", func(t *testing.T) {
		dataDir := t.TempDir()
		in := fixtures(t, dataDir)

		stub := &testutil.StubLauncher{}
		failing := func(ctx context.Context, req tool.Request) error {
			if req.Command == "topup" {
				return &tool.ExitError{Command: "topup", Code: 1, Stderr: "singular matrix"}
			}
			return stub.Launch(ctx, req)
		}

		wf, err := fieldmap.New("fieldmap_se_pair", fieldmap.Config{
			WorkDir:  t.TempDir(),
			Launch:   failing,
			Renderer: stubRenderer(t),
		})
		require.NoError(t, err)

		_, err = wf.Run(context.Background(), in)
		require.Error(t, err)

		var nodeErr *dag.NodeError
		require.ErrorAs(t, err, &nodeErr)
		assert.Equal(t, "topup", nodeErr.Node)
		var coder dag.ExitCoder
		require.ErrorAs(t, err, &coder)
		assert.Equal(t, 1, coder.ExitCode())
	})

	t.Run("rejects mismatched series and sidecar counts", func(t *testing.T) {
		in := fixtures(t, t.TempDir())
		in.FieldmapsMeta = in.FieldmapsMeta[:1]

		wf, err := fieldmap.New("fieldmap_se_pair", fieldmap.Config{WorkDir: t.TempDir()})
		require.NoError(t, err)

		_, err = wf.Run(context.Background(), in)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "metadata sidecars")
	})

	t.Run("failed run keeps intermediates for inspection", func(t *testing.T) {
		dataDir := t.TempDir()
		workDir := t.TempDir()
		in := fixtures(t, dataDir)

		stub := &testutil.StubLauncher{}
		failing := func(ctx context.Context, req tool.Request) error {
			if req.Command == "bet" {
				return fmt.Errorf("bet crashed")
			}
			return stub.Launch(ctx, req)
		}

		wf, err := fieldmap.New("fieldmap_se_pair", fieldmap.Config{
			WorkDir:  workDir,
			Launch:   failing,
			Renderer: stubRenderer(t),
		})
		require.NoError(t, err)

		_, err = wf.Run(context.Background(), in)
		require.Error(t, err)

		merged, err := filepath.Glob(filepath.Join(workDir, "*", "se_merge", "merged.nii.gz"))
		require.NoError(t, err)
		assert.Len(t, merged, 1, "upstream artifacts must survive a failed run")
	})
}
