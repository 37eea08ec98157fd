package encoding

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSidecar(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDirectionRow(t *testing.T) {
	t.Run("all axis and polarity combinations", func(t *testing.T) {
		cases := []struct {
			code    string
			x, y, z int
		}{
			{"i", 1, 0, 0},
			{"i-", -1, 0, 0},
			{"j", 0, 1, 0},
			{"j-", 0, -1, 0},
			{"k", 0, 0, 1},
			{"k-", 0, 0, -1},
		}
		for _, tc := range cases {
			row, err := DirectionRow(tc.code, 0.05)
			require.NoError(t, err, tc.code)
			assert.Equal(t, Row{X: tc.x, Y: tc.y, Z: tc.z, ReadoutTime: 0.05}, row, tc.code)
		}
	})

	t.Run("unknown axis", func(t *testing.T) {
		_, err := DirectionRow("x", 0.05)
		assert.ErrorIs(t, err, ErrUnknownAxis)
	})

	t.Run("malformed codes", func(t *testing.T) {
		for _, code := range []string{"", "j--", "i+-", "jjj"} {
			_, err := DirectionRow(code, 0.05)
			assert.ErrorIs(t, err, ErrMalformedDirection, "code %q", code)
		}
	})

	t.Run("axis checked before trailing marker", func(t *testing.T) {
		_, err := DirectionRow("x-", 0.05)
		assert.ErrorIs(t, err, ErrUnknownAxis)
	})
}

func TestReadSidecar(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid", func(t *testing.T) {
		path := writeSidecar(t, dir, "ok.json",
			`{"PhaseEncodingDirection": "j-", "TotalReadoutTime": 0.065}`)
		sc, err := ReadSidecar(path)
		require.NoError(t, err)
		assert.Equal(t, "j-", sc.PhaseEncodingDirection)
		require.NotNil(t, sc.TotalReadoutTime)
		assert.Equal(t, 0.065, *sc.TotalReadoutTime)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadSidecar(filepath.Join(dir, "absent.json"))
		assert.Error(t, err)
	})

	t.Run("invalid syntax", func(t *testing.T) {
		path := writeSidecar(t, dir, "broken.json", `{"PhaseEncodingDirection":`)
		_, err := ReadSidecar(path)
		assert.ErrorIs(t, err, ErrMetadataParse)
	})

	t.Run("missing direction", func(t *testing.T) {
		path := writeSidecar(t, dir, "nodir.json", `{"TotalReadoutTime": 0.05}`)
		_, err := ReadSidecar(path)
		assert.ErrorIs(t, err, ErrMetadataParse)
	})

	t.Run("missing readout time", func(t *testing.T) {
		path := writeSidecar(t, dir, "nort.json", `{"PhaseEncodingDirection": "j"}`)
		_, err := ReadSidecar(path)
		assert.ErrorIs(t, err, ErrMetadataParse)
	})

	t.Run("negative readout time", func(t *testing.T) {
		path := writeSidecar(t, dir, "negrt.json",
			`{"PhaseEncodingDirection": "j", "TotalReadoutTime": -0.1}`)
		_, err := ReadSidecar(path)
		assert.ErrorIs(t, err, ErrMetadataParse)
	})

	t.Run("zero readout time is allowed", func(t *testing.T) {
		path := writeSidecar(t, dir, "zerort.json",
			`{"PhaseEncodingDirection": "j", "TotalReadoutTime": 0}`)
		_, err := ReadSidecar(path)
		assert.NoError(t, err)
	})
}

func TestRows(t *testing.T) {
	dir := t.TempDir()
	ap := writeSidecar(t, dir, "ap.json",
		`{"PhaseEncodingDirection": "j", "TotalReadoutTime": 0.05}`)
	pa := writeSidecar(t, dir, "pa.json",
		`{"PhaseEncodingDirection": "i-", "TotalReadoutTime": 0.07}`)

	counts := map[string]int{"ap.nii.gz": 3, "pa.nii.gz": 5}
	counter := func(path string) (int, error) { return counts[filepath.Base(path)], nil }

	series := []Series{
		{Image: "ap.nii.gz", Sidecar: ap},
		{Image: "pa.nii.gz", Sidecar: pa},
	}

	rows, err := Rows(series, counter)
	require.NoError(t, err)
	require.Len(t, rows, 8)
	for i := 0; i < 3; i++ {
		assert.Equal(t, Row{Y: 1, ReadoutTime: 0.05}, rows[i], "row %d", i)
	}
	for i := 3; i < 8; i++ {
		assert.Equal(t, Row{X: -1, ReadoutTime: 0.07}, rows[i], "row %d", i)
	}
}

func TestWrite(t *testing.T) {
	rows := []Row{
		{Y: 1, ReadoutTime: 0.05},
		{Y: 1, ReadoutTime: 0.05},
		{X: -1, ReadoutTime: 0.07},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rows))
	assert.Equal(t, "0 1 0 0.05\n0 1 0 0.05\n-1 0 0 0.07\n", buf.String())

	t.Run("deterministic", func(t *testing.T) {
		var again bytes.Buffer
		require.NoError(t, Write(&again, rows))
		assert.Equal(t, buf.Bytes(), again.Bytes())
	})
}

func TestSynthesize(t *testing.T) {
	dir := t.TempDir()
	sidecar := writeSidecar(t, dir, "se.json",
		`{"PhaseEncodingDirection": "k-", "TotalReadoutTime": 0.0416}`)
	series := []Series{{Image: "se.nii.gz", Sidecar: sidecar}}
	counter := func(string) (int, error) { return 2, nil }

	out, err := Synthesize(series, counter, filepath.Join(dir, "parameters.txt"))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(out))

	body, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "0 0 -1 0.0416\n0 0 -1 0.0416\n", string(body))
}
