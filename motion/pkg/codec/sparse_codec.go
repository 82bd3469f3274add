package codec

import "fmt"

// EncodeSparseIndices delta-encodes a strictly increasing slice of u32
// indices (e.g. per-chunk interpolated or missing tick indices) and
// deflates the result. Used for the sparse interpolated/missing index sets
// attached to each recording chunk (spec §4.2, §4.8).
func EncodeSparseIndices(indices []uint32) ([]byte, error) {
	var raw []byte
	raw = appendVarint(raw, uint64(len(indices)))
	var prev int64
	for _, idx := range indices {
		delta := int64(idx) - prev
		raw = appendVarint(raw, zigzagEncode64(delta))
		prev = int64(idx)
	}
	return deflate(raw)
}

// DecodeSparseIndices reverses EncodeSparseIndices.
func DecodeSparseIndices(blob []byte) ([]uint32, error) {
	raw, err := inflate(blob)
	if err != nil {
		return nil, err
	}
	count, pos, ok := readVarint(raw, 0)
	if !ok {
		return nil, fmt.Errorf("codec: truncated sparse index count")
	}
	out := make([]uint32, 0, count)
	var prev int64
	for i := uint64(0); i < count; i++ {
		zz, newPos, ok := readVarint(raw, pos)
		if !ok {
			return nil, fmt.Errorf("codec: truncated sparse index stream at %d", i)
		}
		pos = newPos
		delta := zigzagDecode64(zz)
		cur := prev + delta
		out = append(out, uint32(cur))
		prev = cur
	}
	return out, nil
}
