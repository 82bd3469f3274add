package coordinator

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/tropx/motioncore/motion/pkg/motionpipeline"
	"github.com/tropx/motioncore/motion/pkg/quat"
	"github.com/tropx/motioncore/motion/pkg/registry"
	"github.com/tropx/motioncore/motion/pkg/timesync"
	"github.com/tropx/motioncore/motion/pkg/transport/fake"
	"github.com/tropx/motioncore/motion/pkg/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeSink is an in-memory motionpipeline.RecordingSink.
type fakeSink struct {
	mu     sync.Mutex
	ticks  map[string]int
	flushed bool
}

func newFakeSink() *fakeSink { return &fakeSink{ticks: map[string]int{}} }

func (f *fakeSink) AppendTick(joint string, tick motionpipeline.RecordingTick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks[joint]++
}

func (f *fakeSink) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = true
}

func encodeIMUSample(tsMs uint64, q quat.Quaternion) []byte {
	buf := make([]byte, imuSampleSize)
	binary.LittleEndian.PutUint64(buf[0:8], tsMs)
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(float32(q.W)))
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(float32(q.X)))
	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(float32(q.Y)))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(float32(q.Z)))
	return buf
}

type testHarness struct {
	co    *Coordinator
	tr    *fake.Transport
	top   *fake.Device
	bot   *fake.Device
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	log := discardLogger()

	top := fake.NewDevice("dev-top", "tropx_ln_top", clock, 0)
	bot := fake.NewDevice("dev-bottom", "tropx_ln_bottom", clock, 0)
	tr := fake.New(top, bot)

	reg, err := registry.New(log, clock, nil, "")
	require.NoError(t, err)

	pipe, err := motionpipeline.New(motionpipeline.Config{
		Logger:   log,
		Clock:    clock,
		TargetHz: 100,
		Joints: []motionpipeline.JointConfig{
			{Name: "left_knee", TopDeviceID: "dev-top", BottomDeviceID: "dev-bottom"},
		},
	})
	require.NoError(t, err)

	mgr := timesync.NewManager(log, clock, tr)

	co, err := New(Config{
		Logger:    log,
		Clock:     clock,
		Transport: tr,
		Registry:  reg,
		TimeSync:  mgr,
		Pipeline:  pipe,
		NewChunker: func(sessionID string) (motionpipeline.RecordingSink, error) {
			return newFakeSink(), nil
		},
		ScanCooldown: 3 * time.Second,
		ScanTimeout:  time.Second,
	})
	require.NoError(t, err)

	return &testHarness{co: co, tr: tr, top: top, bot: bot, clock: clock}
}

func doCommand(t *testing.T, co *Coordinator, msgType wire.MessageType, payload []byte) wire.CommandResult {
	t.Helper()
	msg, err := co.Handle(context.Background(), msgType, payload)
	require.NoError(t, err)
	var result wire.CommandResult
	require.NoError(t, msg.DecodeJSON(&result))
	return result
}

func doCommandErr(t *testing.T, co *Coordinator, msgType wire.MessageType, payload []byte) error {
	t.Helper()
	_, err := co.Handle(context.Background(), msgType, payload)
	return err
}

func connectDevice(t *testing.T, co *Coordinator, id string) {
	t.Helper()
	result := doCommand(t, co, wire.TypeBLEConnectRequest, mustJSON(deviceRequest{DeviceID: id}))
	require.True(t, result.Success)
}

func TestScanDiscoversDevicesIntoRegistry(t *testing.T) {
	h := newHarness(t)
	result := doCommand(t, h.co, wire.TypeBLEScanRequest, nil)
	require.True(t, result.Success)
	devices, ok := result.Data["devices"].([]any)
	require.True(t, ok)
	require.Len(t, devices, 2)
}

func TestScanCooldownRejectsImmediateRetry(t *testing.T) {
	h := newHarness(t)
	_, err := h.co.Handle(context.Background(), wire.TypeBLEScanRequest, nil)
	require.NoError(t, err)

	err = doCommandErr(t, h.co, wire.TypeBLEScanRequest, nil)
	require.Error(t, err)

	h.clock.Advance(4 * time.Second)
	_, err = h.co.Handle(context.Background(), wire.TypeBLEScanRequest, nil)
	require.NoError(t, err)
}

func TestConnectUnknownDeviceFails(t *testing.T) {
	h := newHarness(t)
	err := doCommandErr(t, h.co, wire.TypeBLEConnectRequest, mustJSON(deviceRequest{DeviceID: "ghost"}))
	require.Error(t, err)
}

func TestConnectPromotesToStreamingOnFirstSample(t *testing.T) {
	h := newHarness(t)
	doCommand(t, h.co, wire.TypeBLEScanRequest, nil)
	connectDevice(t, h.co, "dev-top")
	connectDevice(t, h.co, "dev-bottom")

	dev, ok := h.co.registry.Snapshot("dev-top")
	require.True(t, ok)
	require.Equal(t, registry.StateConnected, dev.State)

	h.tr.Notify("dev-top", "0000b001-0000-1000-8000-00805f9b34fb", encodeIMUSample(1000, quat.Identity()))

	require.Eventually(t, func() bool {
		dev, _ := h.co.registry.Snapshot("dev-top")
		return dev.State == registry.StateStreaming
	}, time.Second, 5*time.Millisecond)
}

func TestStartRecordingRequiresStreamingDevice(t *testing.T) {
	h := newHarness(t)
	doCommand(t, h.co, wire.TypeBLEScanRequest, nil)
	connectDevice(t, h.co, "dev-top")

	err := doCommandErr(t, h.co, wire.TypeRecordStartRequest, mustJSON(startRecordingRequest{SessionID: "sess-1"}))
	require.Error(t, err)
}

func TestStartRecordingRejectsSecondConcurrentSession(t *testing.T) {
	h := newHarness(t)
	doCommand(t, h.co, wire.TypeBLEScanRequest, nil)
	connectDevice(t, h.co, "dev-top")
	h.tr.Notify("dev-top", "0000b001-0000-1000-8000-00805f9b34fb", encodeIMUSample(1000, quat.Identity()))
	require.Eventually(t, func() bool {
		dev, _ := h.co.registry.Snapshot("dev-top")
		return dev.State == registry.StateStreaming
	}, time.Second, 5*time.Millisecond)

	result := doCommand(t, h.co, wire.TypeRecordStartRequest, mustJSON(startRecordingRequest{SessionID: "sess-1"}))
	require.True(t, result.Success)

	err := doCommandErr(t, h.co, wire.TypeRecordStartRequest, mustJSON(startRecordingRequest{SessionID: "sess-2"}))
	require.Error(t, err)
}

func TestStopRecordingReturnsStreamingDevicesToConnected(t *testing.T) {
	h := newHarness(t)
	doCommand(t, h.co, wire.TypeBLEScanRequest, nil)
	connectDevice(t, h.co, "dev-top")
	h.tr.Notify("dev-top", "0000b001-0000-1000-8000-00805f9b34fb", encodeIMUSample(1000, quat.Identity()))
	require.Eventually(t, func() bool {
		dev, _ := h.co.registry.Snapshot("dev-top")
		return dev.State == registry.StateStreaming
	}, time.Second, 5*time.Millisecond)

	doCommand(t, h.co, wire.TypeRecordStartRequest, mustJSON(startRecordingRequest{SessionID: "sess-1"}))
	result := doCommand(t, h.co, wire.TypeRecordStopRequest, nil)
	require.True(t, result.Success)

	dev, _ := h.co.registry.Snapshot("dev-top")
	require.Equal(t, registry.StateConnected, dev.State)
}

func TestStopRecordingWithoutActiveSessionIsNoop(t *testing.T) {
	h := newHarness(t)
	result := doCommand(t, h.co, wire.TypeRecordStopRequest, nil)
	require.True(t, result.Success)
}

func TestGenericCommandDispatchesGetStatus(t *testing.T) {
	h := newHarness(t)
	payload := mustJSON(genericCommand{Command: "get_status"})
	result := doCommand(t, h.co, wire.TypeScanRequest, payload)
	require.True(t, result.Success)
	require.Contains(t, result.Data, "devices")
}

func TestGenericCommandRejectsUnknownName(t *testing.T) {
	h := newHarness(t)
	payload := mustJSON(genericCommand{Command: "frobnicate"})
	err := doCommandErr(t, h.co, wire.TypeScanRequest, payload)
	require.Error(t, err)
}

func TestDisconnectTransitionsEvenWithoutLiveSession(t *testing.T) {
	h := newHarness(t)
	doCommand(t, h.co, wire.TypeBLEScanRequest, nil)
	result := doCommand(t, h.co, wire.TypeBLEDisconnectReq, mustJSON(deviceRequest{DeviceID: "dev-top"}))
	require.True(t, result.Success)
	dev, _ := h.co.registry.Snapshot("dev-top")
	require.Equal(t, registry.StateDisconnected, dev.State)
}

func TestShutdownDisconnectsAllDevices(t *testing.T) {
	h := newHarness(t)
	doCommand(t, h.co, wire.TypeBLEScanRequest, nil)
	connectDevice(t, h.co, "dev-top")
	connectDevice(t, h.co, "dev-bottom")

	payload := mustJSON(genericCommand{Command: "shutdown"})
	result := doCommand(t, h.co, wire.TypeScanRequest, payload)
	require.True(t, result.Success)

	for _, id := range []string{"dev-top", "dev-bottom"} {
		dev, _ := h.co.registry.Snapshot(id)
		require.Equal(t, registry.StateDisconnected, dev.State)
	}
}
