package testutil

import (
	"encoding/binary"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// WriteNIfTI writes a minimal valid NIfTI-1 image at path with the given
// number of 3-D volumes (volumes <= 1 writes a 3-D image). Paths ending in
// .gz are gzip-compressed. The voxel payload is empty; only the header
// matters to the pipeline.
func WriteNIfTI(path string, volumes int) error {
	raw := make([]byte, 348)
	binary.LittleEndian.PutUint32(raw[0:4], 348)

	dims := []int16{3, 2, 2, 2, 1, 1, 1, 1}
	if volumes > 1 {
		dims[0] = 4
		dims[4] = int16(volumes)
	}
	for i, d := range dims {
		binary.LittleEndian.PutUint16(raw[40+2*i:42+2*i], uint16(d))
	}
	copy(raw[344:348], "n+1\x00")

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(f)
		if _, err := gz.Write(raw); err != nil {
			f.Close()
			return err
		}
		if err := gz.Close(); err != nil {
			f.Close()
			return err
		}
	} else {
		if _, err := f.Write(raw); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
