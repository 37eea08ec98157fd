// Package nifti reads just enough of a NIfTI-1 header to count the 3-D
// volumes in an image series. The encoding-table synthesizer needs the
// extent of the trailing dimension and nothing else, so a full imaging
// library is not warranted here.
package nifti

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// headerSize is the fixed size of a NIfTI-1 header.
const headerSize = 348

// header carries the handful of fields this package interprets.
type header struct {
	SizeOfHdr int32
	Dim       [8]int16
	Magic     [4]byte
}

// Volumes returns the number of 3-D volumes in the image at path: the
// extent of the 4th dimension, or 1 when the image has fewer than four
// dimensions. Gzip-compressed images (.nii.gz) are handled transparently.
func Volumes(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening image %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return 0, fmt.Errorf("reading image %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("reading image %s: %w", path, err)
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("decompressing image %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	hdr, err := readHeader(r)
	if err != nil {
		return 0, fmt.Errorf("image %s: %w", path, err)
	}
	ndim := int(hdr.Dim[0])
	if ndim < 4 {
		return 1, nil
	}
	vols := int(hdr.Dim[4])
	if vols < 1 {
		return 0, fmt.Errorf("image %s: invalid 4th dimension extent %d", path, vols)
	}
	return vols, nil
}

// readHeader decodes the fixed NIfTI-1 header, detecting byte order from
// the sizeof_hdr field.
func readHeader(r io.Reader) (*header, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("truncated NIfTI header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if order.Uint32(raw[0:4]) != headerSize {
		order = binary.BigEndian
		if order.Uint32(raw[0:4]) != headerSize {
			return nil, fmt.Errorf("not a NIfTI-1 file: sizeof_hdr mismatch")
		}
	}

	hdr := &header{SizeOfHdr: headerSize}
	// dim[8] starts at byte offset 40, magic at 344.
	for i := 0; i < 8; i++ {
		hdr.Dim[i] = int16(order.Uint16(raw[40+2*i : 42+2*i]))
	}
	copy(hdr.Magic[:], raw[344:348])

	if m := string(hdr.Magic[:3]); m != "n+1" && m != "ni1" {
		return nil, fmt.Errorf("not a NIfTI-1 file: bad magic %q", m)
	}
	if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
		return nil, fmt.Errorf("invalid NIfTI dimension count %d", hdr.Dim[0])
	}
	return hdr, nil
}
