// Package coordinator is the single facade spec §4.9/§6 put in front of
// every other component: it owns the command surface the streaming server
// dispatches into, enforces the cross-module invariants (one active
// recording, a 3s scan cooldown, no start_recording with zero streaming
// devices), and bridges registry/timesync/motionpipeline/chunker events
// out to the wire protocol and the Slack alert channel.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tropx/motioncore/motion/pkg/alert"
	"github.com/tropx/motioncore/motion/pkg/apperr"
	"github.com/tropx/motioncore/motion/pkg/metrics"
	"github.com/tropx/motioncore/motion/pkg/motionpipeline"
	"github.com/tropx/motioncore/motion/pkg/registry"
	"github.com/tropx/motioncore/motion/pkg/timesync"
	"github.com/tropx/motioncore/motion/pkg/transport"
	"github.com/tropx/motioncore/motion/pkg/wire"
)

// ChunkerFactory builds a fresh per-session chunker.Chunker; the
// coordinator calls it once per start_recording so each recording gets its
// own upload concurrency and chunk-index sequence.
type ChunkerFactory func(sessionID string) (motionpipeline.RecordingSink, error)

// Broadcaster pushes a reliable low-rate message out to every connected wire
// client (device status, battery, recording state). *server.Server
// implements it. It is wired in after construction with SetBroadcaster
// rather than through Config, since the server itself takes the coordinator
// as its CommandHandler/StatusProvider and so must be built first.
type Broadcaster interface {
	BroadcastReliable(msg wire.Message)
}

// Config configures a Coordinator.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Transport  transport.DeviceTransport
	Registry   *registry.Registry
	TimeSync   *timesync.Manager
	Pipeline   *motionpipeline.Pipeline
	Alert      *alert.Notifier
	NewChunker ChunkerFactory

	ScanTimeout  time.Duration
	ScanCooldown time.Duration
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Transport == nil {
		return errors.New("transport is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.TimeSync == nil {
		return errors.New("time sync manager is required")
	}
	if c.Pipeline == nil {
		return errors.New("pipeline is required")
	}
	if c.NewChunker == nil {
		return errors.New("chunker factory is required")
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = 5 * time.Second
	}
	if c.ScanCooldown <= 0 {
		c.ScanCooldown = 3 * time.Second
	}
	return nil
}

// sessionHandle tracks a connected device's live BLE session alongside its
// registry record, keyed by device ID.
type sessionHandle struct {
	session transport.Session
	cancel  context.CancelFunc
}

// Coordinator is the command facade. It implements server.CommandHandler
// and server.StatusProvider, so it is the only thing the streaming server
// needs to know about; the admin HTTP surface reaches it through an adapter
// in cmd/motiond.
type Coordinator struct {
	log   *slog.Logger
	clock clockwork.Clock

	transport  transport.DeviceTransport
	registry   *registry.Registry
	timesync   *timesync.Manager
	pipeline   *motionpipeline.Pipeline
	alert      *alert.Notifier
	newChunker ChunkerFactory

	scanTimeout  time.Duration
	scanCooldown time.Duration

	mu              sync.Mutex
	sessions        map[string]*sessionHandle
	lastScanAt      time.Time
	scanCancel      context.CancelFunc
	recordingActive bool
	recordingSink   motionpipeline.RecordingSink
	sessionID       string
	broadcaster     Broadcaster
}

// New constructs a Coordinator from a validated Config.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	co := &Coordinator{
		log:          cfg.Logger,
		clock:        cfg.Clock,
		transport:    cfg.Transport,
		registry:     cfg.Registry,
		timesync:     cfg.TimeSync,
		pipeline:     cfg.Pipeline,
		alert:        cfg.Alert,
		newChunker:   cfg.NewChunker,
		scanTimeout:  cfg.ScanTimeout,
		scanCooldown: cfg.ScanCooldown,
		sessions:     map[string]*sessionHandle{},
	}
	co.registry.OnDeviceChange(co.broadcastDeviceStatus)
	co.registry.OnBattery(co.broadcastBattery)
	return co, nil
}

// SetBroadcaster attaches the streaming server's reliable broadcast sink.
// Until this is called, device-status/battery/recording-state events are
// observed by the registry subscribers below but go nowhere.
func (co *Coordinator) SetBroadcaster(b Broadcaster) {
	co.mu.Lock()
	co.broadcaster = b
	co.mu.Unlock()
}

// broadcastDeviceStatus is a registry.DeviceChangeFunc: every connect,
// disconnect, and state transition becomes a DEVICE_STATUS broadcast to
// every wire client (spec §4.9 C9, §5 observe-by-subscription).
func (co *Coordinator) broadcastDeviceStatus(deviceID string, d registry.Device) {
	co.pushDeviceStatus(wire.TypeDeviceStatus, d.SemanticID(), d.State, d.BatteryPct)
}

// broadcastBattery is a registry.BatteryFunc: every battery reading becomes
// a BATTERY_UPDATE broadcast.
func (co *Coordinator) broadcastBattery(deviceID string, pct float64) {
	d, ok := co.registry.Snapshot(deviceID)
	if !ok {
		return
	}
	co.pushDeviceStatus(wire.TypeBatteryUpdate, d.SemanticID(), d.State, pct)
}

func (co *Coordinator) pushDeviceStatus(msgType wire.MessageType, hash byte, state registry.State, batteryPct float64) {
	co.mu.Lock()
	b := co.broadcaster
	co.mu.Unlock()
	if b == nil {
		return
	}
	list := wire.DeviceStatusList{
		TimestampS: uint32(co.clock.Now().Unix()),
		Entries: []wire.DeviceStatusEntry{{
			Hash:      uint32(hash),
			Connected: state == registry.StateConnected || state == registry.StateStreaming,
			Battery:   float32(batteryPct),
		}},
	}
	payload, err := wire.EncodeDeviceStatusList(list)
	if err != nil {
		co.log.Warn("device status encode failed", "err", err)
		return
	}
	msg, err := wire.NewMessage(msgType, 0, co.nowMs(), payload)
	if err != nil {
		co.log.Warn("device status message build failed", "err", err)
		return
	}
	b.BroadcastReliable(msg)
}

// broadcastStatus pushes the full status snapshot (devices, recording
// state, joint windows) to every wire client, called on recording
// start/stop so subscribers see the state change without re-polling
// get_status.
func (co *Coordinator) broadcastStatus() {
	co.mu.Lock()
	b := co.broadcaster
	co.mu.Unlock()
	if b == nil {
		return
	}
	msg, err := wire.NewJSONMessage(wire.TypeStatus, 0, co.nowMs(), co.StatusSnapshot())
	if err != nil {
		co.log.Warn("status broadcast encode failed", "err", err)
		return
	}
	b.BroadcastReliable(msg)
}

// genericCommand is the envelope carried by TypeScanRequest (0x40): spec
// §4.10's command surface names more operations (initialize, connect_all,
// get_status, shutdown, cancel_scan) than the wire protocol has dedicated
// hot-path message types for (§6 only fixes wire numbers for the BLE/record
// operations). Those extra operations share this one generic slot, keyed
// by name, with TypeAck as their uniform response type.
type genericCommand struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// Handle implements server.CommandHandler: it dispatches one correlated
// wire command and returns its wire.Message response.
func (co *Coordinator) Handle(ctx context.Context, msgType wire.MessageType, payload []byte) (wire.Message, error) {
	var (
		result wire.CommandResult
		err    error
		name   string
	)
	switch msgType {
	case wire.TypeBLEScanRequest:
		name = "scan_devices"
		result, err = co.handleScan(ctx)
	case wire.TypeBLEConnectRequest:
		name = "connect_device"
		result, err = co.handleConnect(ctx, payload)
	case wire.TypeBLEDisconnectReq:
		name = "disconnect_device"
		result, err = co.handleDisconnect(ctx, payload)
	case wire.TypeBLESyncRequest:
		name = "sync_devices"
		result, err = co.handleSync(ctx)
	case wire.TypeRecordStartRequest:
		name = "start_recording"
		result, err = co.handleStartRecording(payload)
	case wire.TypeRecordStopRequest:
		name = "stop_recording"
		result, err = co.handleStopRecording()
	case wire.TypeScanRequest:
		var cmd genericCommand
		if jsonErr := json.Unmarshal(payload, &cmd); jsonErr != nil {
			name = "unknown"
			err = apperr.Wrap(apperr.WireProtocolError, "malformed generic command envelope", jsonErr)
			break
		}
		name = cmd.Command
		result, err = co.dispatchGeneric(ctx, cmd)
	default:
		name = "unknown"
		err = apperr.Newf(apperr.WireProtocolError, "unrecognized command type 0x%02x", msgType)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		co.reportError(ctx, err)
	}
	metrics.CommandsTotal.WithLabelValues(name, outcome).Inc()

	if err != nil {
		return wire.Message{}, err
	}
	return wire.NewJSONMessage(responseType(msgType), 0, co.nowMs(), result)
}

// dispatchGeneric routes a named command carried in the generic envelope.
func (co *Coordinator) dispatchGeneric(ctx context.Context, cmd genericCommand) (wire.CommandResult, error) {
	switch cmd.Command {
	case "initialize":
		return co.handleInitialize(ctx)
	case "cancel_scan":
		return co.handleCancelScan()
	case "connect_all":
		return co.handleConnectAll(ctx)
	case "get_status":
		return co.StatusSnapshot(), nil
	case "shutdown":
		return co.handleShutdown(ctx)
	default:
		return wire.CommandResult{}, apperr.Newf(apperr.WireProtocolError, "unrecognized command %q", cmd.Command)
	}
}

func responseType(t wire.MessageType) wire.MessageType {
	switch t {
	case wire.TypeBLEScanRequest:
		return wire.TypeBLEScanResponse
	case wire.TypeBLEConnectRequest:
		return wire.TypeBLEConnectResponse
	case wire.TypeBLEDisconnectReq:
		return wire.TypeBLEDisconnectResp
	case wire.TypeBLESyncRequest:
		return wire.TypeBLESyncResponse
	case wire.TypeRecordStartRequest:
		return wire.TypeRecordStartResponse
	case wire.TypeRecordStopRequest:
		return wire.TypeRecordStopResponse
	default:
		return wire.TypeAck
	}
}

func (co *Coordinator) reportError(ctx context.Context, err error) {
	co.log.Error("coordinator command failed", "err", err, "code", apperr.CodeOf(err))
	if co.alert != nil {
		co.alert.Notify(ctx, err)
	}
}

func (co *Coordinator) nowMs() uint64 {
	return uint64(co.clock.Now().UnixMilli())
}

// deviceRequest is the common {"device_id": "..."} shape used by
// connect_device/disconnect_device.
type deviceRequest struct {
	DeviceID string `json:"device_id"`
}

func decodeDeviceRequest(payload []byte) (deviceRequest, error) {
	var req deviceRequest
	if len(payload) == 0 {
		return req, apperr.New(apperr.WireProtocolError, "device_id payload is required")
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, apperr.Wrap(apperr.WireProtocolError, "malformed device request payload", err)
	}
	if req.DeviceID == "" {
		return req, apperr.New(apperr.WireProtocolError, "device_id is required")
	}
	return req, nil
}

// startRecordingRequest carries the operator-supplied session identifier.
type startRecordingRequest struct {
	SessionID string `json:"session_id"`
}

func okResult(message string, data map[string]any) wire.CommandResult {
	return wire.CommandResult{Success: true, Message: message, Data: data}
}
