package chunker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tropx/motioncore/motion/pkg/codec"
	"github.com/tropx/motioncore/motion/pkg/motionpipeline"
	"github.com/tropx/motioncore/motion/pkg/quat"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type memSink struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemSink() *memSink { return &memSink{blobs: map[string][]byte{}} }

func (s *memSink) Put(ctx context.Context, sessionID string, chunkIndex int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[chunkKey(sessionID, chunkIndex)] = data
	return nil
}

func (s *memSink) get(sessionID string, chunkIndex int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[chunkKey(sessionID, chunkIndex)]
	return b, ok
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

func newTestChunker(t *testing.T, chunkSize int, sink BlobSink) (*Chunker, *memSink) {
	t.Helper()
	spill := newMemSink()
	c, err := New(Config{
		Logger:           discardLogger(),
		Sink:             sink,
		Spill:            spill,
		ChunkSizeSamples: chunkSize,
		MaxRetries:       2,
		Joints:           []string{"left_knee", "right_knee"},
	})
	require.NoError(t, err)
	return c, spill
}

func appendTick(c *Chunker, joint string, ms int64, rel quat.Quaternion, missing, interp bool) {
	c.AppendTick(joint, motionpipeline.RecordingTick{
		TimestampMs:  ms,
		Relative:     rel,
		Missing:      missing,
		Interpolated: interp,
	})
}

// TestChunkCoverageProperty10 drives more ticks than fit in one chunk and
// asserts the emitted chunks partition the session with no gaps or overlap,
// and that total sample count matches ticks sent (spec testable property
// 10).
func TestChunkCoverageProperty10(t *testing.T) {
	sink := newMemSink()
	c, _ := newTestChunker(t, 10, sink)
	require.NoError(t, c.StartSession("session-a"))

	const totalTicks = 25
	baseMs := int64(1_000_000)
	for i := 0; i < totalTicks; i++ {
		ms := baseMs + int64(i)*10
		appendTick(c, "left_knee", ms, quat.Identity(), false, false)
		appendTick(c, "right_knee", ms, quat.Identity(), false, false)
	}
	c.Flush()

	require.Equal(t, 3, sink.count(), "25 ticks at chunk size 10 must yield 3 chunks (10, 10, 5)")

	var prevEnd int64 = -1
	totalSamples := 0
	for i := 0; i < 3; i++ {
		blob, ok := sink.get("session-a", i)
		require.True(t, ok, "chunk %d must be present", i)
		var rec Record
		require.NoError(t, json.Unmarshal(blob, &rec))
		require.Equal(t, "session-a", rec.SessionID)
		require.Equal(t, i, rec.ChunkIndex)
		require.Greater(t, rec.StartMs, prevEnd, "chunks must not overlap")
		require.GreaterOrEqual(t, rec.EndMs, rec.StartMs)
		prevEnd = rec.EndMs
		totalSamples += rec.SampleCount
	}
	require.Equal(t, totalTicks, totalSamples)
}

// TestChunkRoundTripIsBitExactWithinQuantization verifies a persisted
// chunk's per-joint compressed blob decodes back to the original relative
// quaternion stream within the codec's quantization tolerance.
func TestChunkRoundTripIsBitExactWithinQuantization(t *testing.T) {
	sink := newMemSink()
	c, _ := newTestChunker(t, 4, sink)
	require.NoError(t, c.StartSession("session-b"))

	want := []quat.Quaternion{
		{W: 1, X: 0, Y: 0, Z: 0},
		{W: 0.92388, X: 0.38268, Y: 0, Z: 0},
		{W: 0.7071, X: 0, Y: 0.7071, Z: 0},
		{W: 0.5, X: 0.5, Y: 0.5, Z: 0.5},
	}
	baseMs := int64(2_000_000)
	for i, q := range want {
		appendTick(c, "left_knee", baseMs+int64(i)*10, q, false, i == 2)
		appendTick(c, "right_knee", baseMs+int64(i)*10, quat.Identity(), false, false)
	}
	c.Flush()

	blob, ok := sink.get("session-b", 0)
	require.True(t, ok)
	var rec Record
	require.NoError(t, json.Unmarshal(blob, &rec))
	require.Equal(t, CompressionVersion, rec.CompressionVersion)

	flat, err := codec.DecodeQuaternionStream(rec.PerJointCompressed["left_knee"])
	require.NoError(t, err)
	require.Len(t, flat, len(want)*4)
	const tolerance = 1.0/32767 + 1e-6
	for i, q := range want {
		require.InDelta(t, q.W, flat[i*4+0], tolerance)
		require.InDelta(t, q.X, flat[i*4+1], tolerance)
		require.InDelta(t, q.Y, flat[i*4+2], tolerance)
		require.InDelta(t, q.Z, flat[i*4+3], tolerance)
	}

	interp, err := codec.DecodeSparseIndices(rec.PerJointInterpolated["left_knee"])
	require.NoError(t, err)
	require.Equal(t, []uint32{2}, interp)
}

func TestFlushWithNoActiveSessionIsNoop(t *testing.T) {
	sink := newMemSink()
	c, _ := newTestChunker(t, 4, sink)
	c.Flush()
	require.Equal(t, 0, sink.count())
}

func TestStartSessionRejectsDoubleStart(t *testing.T) {
	sink := newMemSink()
	c, _ := newTestChunker(t, 4, sink)
	require.NoError(t, c.StartSession("s1"))
	require.Error(t, c.StartSession("s2"))
	c.Flush()
	require.NoError(t, c.StartSession("s3"))
}

func TestAppendTickIgnoredWithoutActiveSession(t *testing.T) {
	sink := newMemSink()
	c, _ := newTestChunker(t, 4, sink)
	appendTick(c, "left_knee", 1, quat.Identity(), false, false)
	appendTick(c, "right_knee", 1, quat.Identity(), false, false)
	c.Flush()
	require.Equal(t, 0, sink.count())
}

// failingSink always fails, exercising the spill fallback path.
type failingSink struct{}

func (failingSink) Put(ctx context.Context, sessionID string, chunkIndex int, data []byte) error {
	return errAlwaysFails
}

var errAlwaysFails = requireError("sink unavailable")

type requireError string

func (e requireError) Error() string { return string(e) }

func TestPersistFallsBackToSpillOnRetryExhaustion(t *testing.T) {
	spill := newMemSink()
	c, err := New(Config{
		Logger:           discardLogger(),
		Sink:             failingSink{},
		Spill:            spill,
		ChunkSizeSamples: 2,
		MaxRetries:       1,
		Joints:           []string{"left_knee"},
	})
	require.NoError(t, err)
	require.NoError(t, c.StartSession("session-c"))

	appendTick(c, "left_knee", 10, quat.Identity(), false, false)
	appendTick(c, "left_knee", 20, quat.Identity(), false, false)
	c.Flush()

	_, ok := spill.get("session-c", 0)
	require.True(t, ok, "chunk must land in the spill sink once the primary is exhausted")
}

