// Package encoding synthesizes the phase-encoding parameter table consumed
// by the distortion estimator: one row per 3-D volume of every input
// series, carrying the encoding axis, its polarity, and the total readout
// time. Row order is load-bearing — the estimator correlates rows
// positionally with volumes in the merged series — so the table preserves
// series order and within-series order exactly.
package encoding

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Sentinel errors for metadata interpretation.
var (
	// ErrUnknownAxis reports a phase-encoding axis letter outside {i, j, k}.
	ErrUnknownAxis = errors.New("unknown phase-encoding axis")

	// ErrMalformedDirection reports a phase-encoding code that is not an
	// axis letter optionally followed by a single polarity-flip marker.
	ErrMalformedDirection = errors.New("malformed phase-encoding direction")

	// ErrMetadataParse reports a sidecar that is missing required fields or
	// is not parseable as structured data.
	ErrMetadataParse = errors.New("metadata parse error")
)

// Series pairs one image with its metadata sidecar.
type Series struct {
	Image   string
	Sidecar string
}

// Sidecar is the structured metadata record accompanying each input image.
type Sidecar struct {
	PhaseEncodingDirection string   `json:"PhaseEncodingDirection"`
	TotalReadoutTime       *float64 `json:"TotalReadoutTime"`
}

// Row is one encoding-table line: exactly one of X, Y, Z carries the
// polarity (+1 or -1), the others are 0.
type Row struct {
	X, Y, Z     int
	ReadoutTime float64
}

// VolumeCounter reports the number of 3-D volumes in an image. The nifti
// package provides the production implementation.
type VolumeCounter func(path string) (int, error)

// DirectionRow interprets a phase-encoding code such as "j" or "i-" into a
// table row with the given readout time.
func DirectionRow(code string, readoutTime float64) (Row, error) {
	if len(code) < 1 || len(code) > 2 {
		return Row{}, fmt.Errorf("%w: %q", ErrMalformedDirection, code)
	}
	var col int
	switch code[0] {
	case 'i':
		col = 0
	case 'j':
		col = 1
	case 'k':
		col = 2
	default:
		return Row{}, fmt.Errorf("%w: %q", ErrUnknownAxis, string(code[0]))
	}
	sign := 1
	if len(code) == 2 {
		if code[1] != '-' {
			return Row{}, fmt.Errorf("%w: %q", ErrMalformedDirection, code)
		}
		sign = -1
	}
	row := Row{ReadoutTime: readoutTime}
	switch col {
	case 0:
		row.X = sign
	case 1:
		row.Y = sign
	case 2:
		row.Z = sign
	}
	return row, nil
}

// ReadSidecar parses one metadata sidecar and validates its required
// fields.
func ReadSidecar(path string) (*Sidecar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sidecar %s: %w", path, err)
	}
	var sc Sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMetadataParse, path, err)
	}
	if sc.PhaseEncodingDirection == "" {
		return nil, fmt.Errorf("%w: %s: missing PhaseEncodingDirection", ErrMetadataParse, path)
	}
	if sc.TotalReadoutTime == nil {
		return nil, fmt.Errorf("%w: %s: missing TotalReadoutTime", ErrMetadataParse, path)
	}
	if *sc.TotalReadoutTime < 0 {
		return nil, fmt.Errorf("%w: %s: TotalReadoutTime must be non-negative", ErrMetadataParse, path)
	}
	return &sc, nil
}

// Rows builds the full table for the given series, in order, repeating each
// series' row once per 3-D volume of its image.
func Rows(series []Series, volumes VolumeCounter) ([]Row, error) {
	var rows []Row
	for _, s := range series {
		sc, err := ReadSidecar(s.Sidecar)
		if err != nil {
			return nil, err
		}
		row, err := DirectionRow(sc.PhaseEncodingDirection, *sc.TotalReadoutTime)
		if err != nil {
			return nil, fmt.Errorf("sidecar %s: %w", s.Sidecar, err)
		}
		vols, err := volumes(s.Image)
		if err != nil {
			return nil, err
		}
		for i := 0; i < vols; i++ {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// Write serializes rows as whitespace-separated numeric lines with no
// header. The float formatting is shortest-roundtrip, so identical inputs
// always produce byte-identical tables.
func Write(w io.Writer, rows []Row) error {
	bw := bufio.NewWriter(w)
	for _, r := range rows {
		if _, err := fmt.Fprintf(bw, "%d %d %d %s\n",
			r.X, r.Y, r.Z, strconv.FormatFloat(r.ReadoutTime, 'g', -1, 64)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Synthesize builds the encoding table for the series and persists it at
// path, returning the absolute location of the written table.
func Synthesize(series []Series, volumes VolumeCounter, path string) (string, error) {
	rows, err := Rows(series, volumes)
	if err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("writing encoding table %s: %w", path, err)
	}
	if err := Write(f, rows); err != nil {
		f.Close()
		return "", fmt.Errorf("writing encoding table %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("writing encoding table %s: %w", path, err)
	}
	return filepath.Abs(path)
}
