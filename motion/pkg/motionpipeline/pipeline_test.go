package motionpipeline

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/tropx/motioncore/motion/pkg/quat"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeSink struct {
	ticks map[string][]RecordingTick
}

func newFakeSink() *fakeSink { return &fakeSink{ticks: map[string][]RecordingTick{}} }

func (f *fakeSink) AppendTick(joint string, tick RecordingTick) {
	f.ticks[joint] = append(f.ticks[joint], tick)
}
func (f *fakeSink) Flush() {}

func newTestPipeline(t *testing.T, clock clockwork.Clock, targetHz int) *Pipeline {
	t.Helper()
	p, err := New(Config{
		Logger:      discardLogger(),
		Clock:       clock,
		TargetHz:    targetHz,
		RawDeviceHz: 100,
		Joints: []JointConfig{
			{Name: "left_knee", TopDeviceID: "ln_top", BottomDeviceID: "ln_bottom"},
			{Name: "right_knee", TopDeviceID: "rn_top", BottomDeviceID: "rn_bottom"},
		},
	})
	require.NoError(t, err)
	return p
}

func TestRingBufferIsFixedCapacityAndInOrder(t *testing.T) {
	rb := newRingBuffer(3)
	rb.Push(Sample{MasterTimestampMs: 1})
	rb.Push(Sample{MasterTimestampMs: 2})
	rb.Push(Sample{MasterTimestampMs: 3})
	rb.Push(Sample{MasterTimestampMs: 4})

	last, ok := rb.Latest()
	require.True(t, ok)
	require.Equal(t, int64(4), last.MasterTimestampMs)

	got := rb.LastN(3)
	require.Len(t, got, 3)
	require.Equal(t, []int64{2, 3, 4}, []int64{got[0].MasterTimestampMs, got[1].MasterTimestampMs, got[2].MasterTimestampMs})
}

func TestProcessSampleDropsOutOfOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPipeline(t, clock, 100)

	require.NoError(t, p.ProcessSample("ln_top", 1000, quat.Identity()))
	err := p.ProcessSample("ln_top", 900, quat.Identity())
	require.Error(t, err)
}

func TestProcessSampleDropsNonFinite(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPipeline(t, clock, 100)
	bad := quat.Quaternion{W: 1, X: math.Inf(1), Y: 0, Z: 0}
	err := p.ProcessSample("ln_top", 1000, bad)
	require.Error(t, err)
}

func TestPipelineOrderingProperty8(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPipeline(t, clock, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newFakeSink()
	require.NoError(t, p.StartRecording(sink))
	p.Start(ctx)

	baseMs := clock.Now().UnixMilli()
	for i := 0; i < 50; i++ {
		ts := baseMs + int64(i)*10
		require.NoError(t, p.ProcessSample("ln_top", ts, quat.Identity()))
		require.NoError(t, p.ProcessSample("ln_bottom", ts, quat.Identity()))
		require.NoError(t, p.ProcessSample("rn_top", ts, quat.Identity()))
		require.NoError(t, p.ProcessSample("rn_bottom", ts, quat.Identity()))
		clock.Advance(10 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	ticks := sink.ticks["left_knee"]
	require.NotEmpty(t, ticks)
	for i := 1; i < len(ticks); i++ {
		require.Greater(t, ticks[i].TimestampMs, ticks[i-1].TimestampMs, "emitted angle samples must be strictly ordered by master timestamp")
	}
}

func TestUIThrottleProperty9(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPipeline(t, clock, 400)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := p.SubscribeUI()
	p.Start(ctx)

	notifications := 0
	done := make(chan struct{})
	go func() {
		deadline := time.After(30 * time.Millisecond)
		for {
			select {
			case <-sub.Notify():
				notifications++
			case <-deadline:
				close(done)
				return
			}
		}
	}()

	// Advance the fake clock through 1 simulated second in 400 steps; the UI
	// stream must coalesce to at most 60 notifications.
	for i := 0; i < 400; i++ {
		clock.Advance(time.Second / 400)
		time.Sleep(100 * time.Microsecond)
	}
	<-done
	require.LessOrEqual(t, notifications, 60, "UI stream must not exceed 60Hz")
}

func TestStartRecordingResetsWindows(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPipeline(t, clock, 100)
	p.windows["left_knee"].update(45)
	require.True(t, p.windows["left_knee"].HasValue)

	require.NoError(t, p.StartRecording(newFakeSink()))
	require.False(t, p.windows["left_knee"].HasValue)
}

func TestStartRecordingRejectsDoubleStart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPipeline(t, clock, 100)
	require.NoError(t, p.StartRecording(newFakeSink()))
	require.Error(t, p.StartRecording(newFakeSink()))
	p.StopRecording()
	require.NoError(t, p.StartRecording(newFakeSink()))
}
