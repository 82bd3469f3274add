package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// QDG1Magic is the 4-byte magic identifying a quantize+delta+deflate
// quaternion container, version 1.
var QDG1Magic = [4]byte{'Q', 'D', 'G', '1'}

const componentsPerSample = 4

// quantizeScale maps the clamped [-1,1] range onto signed 16-bit space.
const quantizeScale = 32767.0

// EncodeQuaternionStream encodes a flat stream of quaternion components
// (w,x,y,z per sample, in sample order) into the QDG1 container: magic +
// u32 LE sample count + deflated (quantize -> per-component delta) payload.
//
// xs must have a length that is a multiple of 4; components outside
// [-1,1] are clamped before quantization, matching spec §4.2.
func EncodeQuaternionStream(xs []float64) ([]byte, error) {
	if len(xs)%componentsPerSample != 0 {
		return nil, fmt.Errorf("codec: quaternion stream length %d not a multiple of %d", len(xs), componentsPerSample)
	}
	sampleCount := len(xs) / componentsPerSample

	quantized := make([]int16, len(xs))
	for i, v := range xs {
		quantized[i] = quantizeComponent(v)
	}

	// Per-component delta, component-major: all deltas for w, then x, then
	// y, then z. The first sample of each component is stored as an
	// absolute value (delta against an implicit previous value of 0).
	var raw []byte
	for c := 0; c < componentsPerSample; c++ {
		var prev int16
		for s := 0; s < sampleCount; s++ {
			cur := quantized[s*componentsPerSample+c]
			delta := int32(cur) - int32(prev)
			raw = appendVarint(raw, uint64(zigzagEncode32(delta)))
			prev = cur
		}
	}

	compressed, err := deflate(raw)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 8+len(compressed))
	out = append(out, QDG1Magic[:]...)
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(sampleCount))
	out = append(out, countBuf[:]...)
	out = append(out, compressed...)
	return out, nil
}

// DecodeQuaternionStream reverses EncodeQuaternionStream, returning a flat
// component stream of the same shape as the original input. Per-component
// error versus the pre-quantization input is bounded by 1/32767.
func DecodeQuaternionStream(blob []byte) ([]float64, error) {
	if len(blob) < 8 {
		return nil, fmt.Errorf("codec: QDG1 blob too short (%d bytes)", len(blob))
	}
	if blob[0] != QDG1Magic[0] || blob[1] != QDG1Magic[1] || blob[2] != QDG1Magic[2] || blob[3] != QDG1Magic[3] {
		return nil, fmt.Errorf("codec: bad QDG1 magic")
	}
	sampleCount := int(binary.LittleEndian.Uint32(blob[4:8]))

	raw, err := inflate(blob[8:])
	if err != nil {
		return nil, err
	}

	quantized := make([]int16, sampleCount*componentsPerSample)
	pos := 0
	for c := 0; c < componentsPerSample; c++ {
		var prev int16
		for s := 0; s < sampleCount; s++ {
			zz, newPos, ok := readVarint(raw, pos)
			if !ok {
				return nil, fmt.Errorf("codec: truncated QDG1 delta stream at component %d sample %d", c, s)
			}
			pos = newPos
			delta := zigzagDecode32(uint32(zz))
			cur := int16(int32(prev) + delta)
			quantized[s*componentsPerSample+c] = cur
			prev = cur
		}
	}

	out := make([]float64, sampleCount*componentsPerSample)
	for i, q := range quantized {
		out[i] = float64(q) / quantizeScale
	}
	return out, nil
}

func quantizeComponent(v float64) int16 {
	if math.IsNaN(v) {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	if v < -1 {
		v = -1
	}
	return int16(math.Round(v * quantizeScale))
}
