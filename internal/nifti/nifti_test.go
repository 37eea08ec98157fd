package nifti_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasbohm/fmriprep/internal/nifti"
	"github.com/kasbohm/fmriprep/internal/testutil"
)

func TestVolumes(t *testing.T) {
	dir := t.TempDir()

	t.Run("3-D image counts as one volume", func(t *testing.T) {
		path := filepath.Join(dir, "anat.nii")
		require.NoError(t, testutil.WriteNIfTI(path, 1))
		vols, err := nifti.Volumes(path)
		require.NoError(t, err)
		assert.Equal(t, 1, vols)
	})

	t.Run("4-D image reports trailing extent", func(t *testing.T) {
		path := filepath.Join(dir, "bold.nii")
		require.NoError(t, testutil.WriteNIfTI(path, 7))
		vols, err := nifti.Volumes(path)
		require.NoError(t, err)
		assert.Equal(t, 7, vols)
	})

	t.Run("gzip-compressed image", func(t *testing.T) {
		path := filepath.Join(dir, "bold.nii.gz")
		require.NoError(t, testutil.WriteNIfTI(path, 4))
		vols, err := nifti.Volumes(path)
		require.NoError(t, err)
		assert.Equal(t, 4, vols)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := nifti.Volumes(filepath.Join(dir, "absent.nii"))
		assert.Error(t, err)
	})

	t.Run("truncated header", func(t *testing.T) {
		path := filepath.Join(dir, "short.nii")
		require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))
		_, err := nifti.Volumes(path)
		assert.ErrorContains(t, err, "truncated")
	})

	t.Run("bad magic", func(t *testing.T) {
		raw := make([]byte, 348)
		binary.LittleEndian.PutUint32(raw[0:4], 348)
		binary.LittleEndian.PutUint16(raw[40:42], 3)
		copy(raw[344:], "abc\x00")
		path := filepath.Join(dir, "notnifti.nii")
		require.NoError(t, os.WriteFile(path, raw, 0o644))
		_, err := nifti.Volumes(path)
		assert.ErrorContains(t, err, "bad magic")
	})

	t.Run("wrong sizeof_hdr", func(t *testing.T) {
		raw := make([]byte, 348)
		binary.LittleEndian.PutUint32(raw[0:4], 999)
		path := filepath.Join(dir, "badsize.nii")
		require.NoError(t, os.WriteFile(path, raw, 0o644))
		_, err := nifti.Volumes(path)
		assert.ErrorContains(t, err, "sizeof_hdr")
	})

	t.Run("big-endian header", func(t *testing.T) {
		raw := make([]byte, 348)
		binary.BigEndian.PutUint32(raw[0:4], 348)
		binary.BigEndian.PutUint16(raw[40:42], 4)
		for i := 1; i <= 3; i++ {
			binary.BigEndian.PutUint16(raw[40+2*i:42+2*i], 2)
		}
		binary.BigEndian.PutUint16(raw[48:50], 5)
		copy(raw[344:], "n+1\x00")
		path := filepath.Join(dir, "be.nii")
		require.NoError(t, os.WriteFile(path, raw, 0o644))
		vols, err := nifti.Volumes(path)
		require.NoError(t, err)
		assert.Equal(t, 5, vols)
	})

	t.Run("zero trailing extent on 4-D image", func(t *testing.T) {
		raw := make([]byte, 348)
		binary.LittleEndian.PutUint32(raw[0:4], 348)
		binary.LittleEndian.PutUint16(raw[40:42], 4)
		for i := 1; i <= 3; i++ {
			binary.LittleEndian.PutUint16(raw[40+2*i:42+2*i], 2)
		}
		copy(raw[344:], "n+1\x00")
		path := filepath.Join(dir, "zerodim.nii")
		require.NoError(t, os.WriteFile(path, raw, 0o644))
		_, err := nifti.Volumes(path)
		assert.ErrorContains(t, err, "invalid 4th dimension")
	})
}
