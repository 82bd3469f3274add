package codec

import (
	"math"

	"github.com/tropx/motioncore/motion/pkg/bitio"
)

// GorillaEncoder implements the Facebook-Gorilla-style XOR float64 encoder.
// spec §4.2 lists it as an optional alternate encoder for float streams; it
// is not the default for quaternion sessions (quantize+delta+deflate
// dominates there). No encoding path in this module uses it; only the codec
// tests exercise it.
type GorillaEncoder struct {
	w        *bitio.Writer
	first    bool
	prev     uint64
	prevLZ   int
	prevTZ   int
	hasBlock bool
}

// NewGorillaEncoder returns an encoder ready to accept values via Write.
func NewGorillaEncoder() *GorillaEncoder {
	return &GorillaEncoder{w: bitio.NewWriter(), first: true}
}

// Write appends one float64 value to the stream.
func (e *GorillaEncoder) Write(v float64) {
	bits := math.Float64bits(v)
	if e.first {
		e.w.WriteBits(bits, 64)
		e.prev = bits
		e.first = false
		return
	}

	xor := bits ^ e.prev
	if xor == 0 {
		e.w.WriteBit(false)
		e.prev = bits
		return
	}
	e.w.WriteBit(true)

	leading := leadingZeros64(xor)
	trailing := trailingZeros64(xor)

	if e.hasBlock && leading >= e.prevLZ && trailing >= e.prevTZ {
		e.w.WriteBit(false)
		meaningful := 64 - e.prevLZ - e.prevTZ
		e.w.WriteBits(xor>>uint(e.prevTZ), meaningful)
	} else {
		e.w.WriteBit(true)
		e.w.WriteBits(uint64(leading), 6)
		meaningful := 64 - leading - trailing
		e.w.WriteBits(uint64(meaningful), 6)
		e.w.WriteBits(xor>>uint(trailing), meaningful)
		e.prevLZ = leading
		e.prevTZ = trailing
		e.hasBlock = true
	}
	e.prev = bits
}

// Bytes flushes and returns the encoded stream.
func (e *GorillaEncoder) Bytes() []byte {
	return e.w.Bytes()
}

// GorillaDecoder decodes a stream produced by GorillaEncoder. The stream
// carries no value count: the caller stops after reading as many values as
// were written, since the zero padding of the final byte decodes as repeats
// of the last value.
type GorillaDecoder struct {
	r      *bitio.Reader
	first  bool
	prev   uint64
	prevLZ int
	prevTZ int
}

// NewGorillaDecoder returns a decoder over data.
func NewGorillaDecoder(data []byte) *GorillaDecoder {
	return &GorillaDecoder{r: bitio.NewReader(data), first: true}
}

// Read returns the next decoded value.
func (d *GorillaDecoder) Read() (float64, bool) {
	if d.first {
		bits, ok := d.r.ReadBits(64)
		if !ok {
			return 0, false
		}
		d.prev = bits
		d.first = false
		return math.Float64frombits(bits), true
	}

	controlBit, ok := d.r.ReadBit()
	if !ok {
		return 0, false
	}
	if !controlBit {
		return math.Float64frombits(d.prev), true
	}

	sameBlock, ok := d.r.ReadBit()
	if !ok {
		return 0, false
	}

	var leading, trailing int
	if sameBlock {
		leading, trailing = d.prevLZ, d.prevTZ
	} else {
		lz, ok := d.r.ReadBits(6)
		if !ok {
			return 0, false
		}
		meaningfulLen, ok := d.r.ReadBits(6)
		if !ok {
			return 0, false
		}
		leading = int(lz)
		trailing = 64 - leading - int(meaningfulLen)
		d.prevLZ, d.prevTZ = leading, trailing
	}

	meaningful := 64 - leading - trailing
	bits, ok := d.r.ReadBits(meaningful)
	if !ok {
		return 0, false
	}
	xor := bits << uint(trailing)
	cur := d.prev ^ xor
	d.prev = cur
	return math.Float64frombits(cur), true
}

func leadingZeros64(x uint64) int {
	n := 0
	for i := 63; i >= 0; i-- {
		if (x>>uint(i))&1 == 1 {
			break
		}
		n++
	}
	return n
}

func trailingZeros64(x uint64) int {
	n := 0
	for i := 0; i < 64; i++ {
		if (x>>uint(i))&1 == 1 {
			break
		}
		n++
	}
	return n
}
