package codec

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuaternionStreamRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const samples = 6000
	xs := make([]float64, samples*componentsPerSample)
	for i := range xs {
		xs[i] = rng.Float64()*2 - 1
	}

	blob, err := EncodeQuaternionStream(xs)
	require.NoError(t, err)

	got, err := DecodeQuaternionStream(blob)
	require.NoError(t, err)
	require.Len(t, got, len(xs))

	for i := range xs {
		require.InDelta(t, xs[i], got[i], 1.0/32767.0+1e-12)
	}
}

func TestQuaternionStreamCompressionRatio(t *testing.T) {
	// Slow sinusoidal motion, as in spec scenario S5.
	const samples = 6000
	xs := make([]float64, samples*componentsPerSample)
	for s := 0; s < samples; s++ {
		theta := float64(s) / 200.0
		xs[s*4+0] = math.Cos(theta)
		xs[s*4+1] = math.Sin(theta)
		xs[s*4+2] = 0
		xs[s*4+3] = 0
	}
	blob, err := EncodeQuaternionStream(xs)
	require.NoError(t, err)

	rawSize := samples * 4 * 8
	require.Lessf(t, len(blob), rawSize/15, "want >=15x compression, got raw=%d compressed=%d", rawSize, len(blob))

	got, err := DecodeQuaternionStream(blob)
	require.NoError(t, err)
	for i := range xs {
		require.InDelta(t, xs[i], got[i], 1.0/32767.0+1e-9)
	}
}

func TestQuaternionStreamClampsOutOfRange(t *testing.T) {
	xs := []float64{2, -2, math.NaN(), 0}
	blob, err := EncodeQuaternionStream(xs)
	require.NoError(t, err)
	got, err := DecodeQuaternionStream(blob)
	require.NoError(t, err)
	require.InDelta(t, 1, got[0], 1e-4)
	require.InDelta(t, -1, got[1], 1e-4)
	require.InDelta(t, 0, got[2], 1e-4)
	require.InDelta(t, 0, got[3], 1e-4)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := DecodeQuaternionStream([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)
}

func TestSparseIndicesRoundTrip(t *testing.T) {
	v := []uint32{0, 3, 4, 5, 100, 6000}
	blob, err := EncodeSparseIndices(v)
	require.NoError(t, err)
	got, err := DecodeSparseIndices(blob)
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestSparseIndicesEmpty(t *testing.T) {
	v := []uint32{}
	blob, err := EncodeSparseIndices(v)
	require.NoError(t, err)
	got, err := DecodeSparseIndices(blob)
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestDownsampleIdempotentWhenUnderTarget(t *testing.T) {
	picks := DownsampleIndices(5, 10)
	require.Equal(t, []int{0, 1, 2, 3, 4}, picks)
}

func TestDownsampleReducesToTarget(t *testing.T) {
	picks := DownsampleIndices(1000, 10)
	require.Len(t, picks, 10)
	require.Equal(t, 0, picks[0])
	require.Equal(t, 999, picks[len(picks)-1])
	for i := 1; i < len(picks); i++ {
		require.GreaterOrEqual(t, picks[i], picks[i-1])
	}
}

func TestGorillaRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	values := make([]float64, 200)
	v := 10.0
	for i := range values {
		v += rng.Float64()*0.01 - 0.005
		values[i] = v
	}

	enc := NewGorillaEncoder()
	for _, x := range values {
		enc.Write(x)
	}
	data := enc.Bytes()

	dec := NewGorillaDecoder(data)
	for _, want := range values {
		got, ok := dec.Read()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}
