// Package codec implements the recording pipeline's compact on-the-wire and
// on-disk encodings: quantized+delta+deflate quaternion streams (QDG1),
// delta-encoded sparse index sets, nearest-index downsampling, and an
// alternate Gorilla-style float encoder.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// deflate compresses data at the maximum compression level. It is the sole
// seam between this package and the compression library, so swapping
// implementations (or reverting to stdlib compress/flate) touches one place.
func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("codec: create deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("codec: deflate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: deflate close: %w", err)
	}
	return buf.Bytes(), nil
}

// inflate decompresses a deflate stream produced by deflate.
func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("codec: inflate: %w", err)
	}
	return out, nil
}
