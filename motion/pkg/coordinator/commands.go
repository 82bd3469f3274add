package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tropx/motioncore/motion/pkg/apperr"
	"github.com/tropx/motioncore/motion/pkg/registry"
	"github.com/tropx/motioncore/motion/pkg/transport"
	"github.com/tropx/motioncore/motion/pkg/wire"
)

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// handleScan runs a bounded scan, discovering devices into the registry as
// they appear, and reports the final list (spec §4.6 discovery).
func (co *Coordinator) handleScan(ctx context.Context) (wire.CommandResult, error) {
	co.mu.Lock()
	if !co.lastScanAt.IsZero() && co.clock.Now().Sub(co.lastScanAt) < co.scanCooldown {
		co.mu.Unlock()
		return wire.CommandResult{}, apperr.New(apperr.ServiceUnavailable, "scan requested before cooldown elapsed")
	}
	scanCtx, cancel := context.WithTimeout(ctx, co.scanTimeout)
	co.scanCancel = cancel
	co.lastScanAt = co.clock.Now()
	co.mu.Unlock()
	defer func() {
		co.mu.Lock()
		co.scanCancel = nil
		co.mu.Unlock()
	}()

	descriptors, err := co.transport.Scan(scanCtx, transport.ScanFilter{})
	if err != nil {
		return wire.CommandResult{}, apperr.Wrap(apperr.BluetoothUnavailable, "scan failed to start", err)
	}

	var found []registry.Device
	for d := range descriptors {
		dev := co.registry.Discover(d.ID, d.Name)
		found = append(found, dev)
	}

	devices := make([]map[string]any, 0, len(found))
	for _, d := range found {
		devices = append(devices, deviceSummary(d))
	}
	return okResult("scan complete", map[string]any{"devices": devices}), nil
}

// handleInitialize is a no-op readiness check: every collaborator the
// coordinator needs was already validated at construction time, so this
// just confirms the facade is up.
func (co *Coordinator) handleInitialize(ctx context.Context) (wire.CommandResult, error) {
	return okResult("initialized", nil), nil
}

// handleShutdown stops any in-flight scan, disconnects every connected
// device, and flushes an active recording, tolerating partial failures the
// same way stop_recording does.
func (co *Coordinator) handleShutdown(ctx context.Context) (wire.CommandResult, error) {
	if _, err := co.handleCancelScan(); err != nil {
		co.log.Warn("shutdown: cancel scan failed", "err", err)
	}
	if _, err := co.handleStopRecording(); err != nil {
		co.log.Warn("shutdown: stop recording failed", "err", err)
	}

	var failures []string
	for _, d := range co.registry.All() {
		if _, err := co.handleDisconnect(ctx, mustJSON(deviceRequest{DeviceID: d.ID})); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", d.ID, err))
		}
	}

	data := map[string]any{}
	if len(failures) > 0 {
		data["disconnect_failures"] = failures
	}
	return okResult("shutdown complete", data), nil
}

// handleCancelScan stops an in-flight scan early, if any.
func (co *Coordinator) handleCancelScan() (wire.CommandResult, error) {
	co.mu.Lock()
	cancel := co.scanCancel
	co.mu.Unlock()
	if cancel == nil {
		return okResult("no scan in progress", nil), nil
	}
	cancel()
	return okResult("scan cancelled", nil), nil
}

// handleConnect connects to one discovered device and brings it to the
// connected state (spec §4.6).
func (co *Coordinator) handleConnect(ctx context.Context, payload []byte) (wire.CommandResult, error) {
	req, err := decodeDeviceRequest(payload)
	if err != nil {
		return wire.CommandResult{}, err
	}

	if _, ok := co.registry.Snapshot(req.DeviceID); !ok {
		return wire.CommandResult{}, apperr.Newf(apperr.DeviceConnectFailed, "device %s was never discovered", req.DeviceID)
	}
	if err := co.registry.Transition(req.DeviceID, registry.StateConnecting); err != nil {
		return wire.CommandResult{}, err
	}

	sess, err := co.transport.Connect(ctx, req.DeviceID)
	if err != nil {
		_ = co.registry.SetError(req.DeviceID, err.Error())
		return wire.CommandResult{}, apperr.Wrap(apperr.DeviceConnectFailed, "connect failed", err)
	}

	ingestCtx, cancel := context.WithCancel(context.Background())
	co.mu.Lock()
	co.sessions[req.DeviceID] = &sessionHandle{session: sess, cancel: cancel}
	co.mu.Unlock()

	if err := co.registry.Transition(req.DeviceID, registry.StateConnected); err != nil {
		cancel()
		return wire.CommandResult{}, err
	}
	go co.startIngest(ingestCtx, req.DeviceID, sess)
	go co.startBatteryIngest(ingestCtx, req.DeviceID, sess)

	return okResult("device connected", map[string]any{"device_id": req.DeviceID}), nil
}

// handleConnectAll connects every discovered, not-yet-connected device in
// parallel (spec §6 connect_all).
func (co *Coordinator) handleConnectAll(ctx context.Context) (wire.CommandResult, error) {
	var targets []string
	for _, d := range co.registry.All() {
		if d.State == registry.StateDiscovered || d.State == registry.StateDisconnected {
			targets = append(targets, d.ID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]map[string]any, len(targets))
	for i, id := range targets {
		i, id := i, id
		g.Go(func() error {
			res, err := co.handleConnect(gctx, mustJSON(deviceRequest{DeviceID: id}))
			if err != nil {
				results[i] = map[string]any{"device_id": id, "error": err.Error()}
				return nil
			}
			results[i] = map[string]any{"device_id": id, "ok": true, "result": res}
			return nil
		})
	}
	_ = g.Wait()

	return okResult("connect_all complete", map[string]any{"devices": results}), nil
}

// handleDisconnect tears down a device's session and returns it to
// disconnected, tolerating an already-gone session (spec §4.6 "(all)").
func (co *Coordinator) handleDisconnect(ctx context.Context, payload []byte) (wire.CommandResult, error) {
	req, err := decodeDeviceRequest(payload)
	if err != nil {
		return wire.CommandResult{}, err
	}

	co.mu.Lock()
	handle, ok := co.sessions[req.DeviceID]
	delete(co.sessions, req.DeviceID)
	co.mu.Unlock()

	if ok {
		handle.cancel()
		if err := co.transport.Disconnect(ctx, handle.session); err != nil {
			co.log.Warn("disconnect reported an error, proceeding anyway", "device_id", req.DeviceID, "err", err)
		}
	}
	if err := co.registry.Transition(req.DeviceID, registry.StateDisconnected); err != nil {
		return wire.CommandResult{}, err
	}
	return okResult("device disconnected", map[string]any{"device_id": req.DeviceID}), nil
}

// handleSync runs the multi-device time-sync coordinator sequence against
// every currently connected session (spec §4.5).
func (co *Coordinator) handleSync(ctx context.Context) (wire.CommandResult, error) {
	co.mu.Lock()
	sessions := make([]transport.Session, 0, len(co.sessions))
	for _, h := range co.sessions {
		sessions = append(sessions, h.session)
	}
	co.mu.Unlock()

	if len(sessions) == 0 {
		return wire.CommandResult{}, apperr.New(apperr.TimeSyncFailed, "no connected devices to sync")
	}

	outcome, err := co.timesync.SyncDevices(ctx, sessions, co.registry)
	if err != nil {
		return wire.CommandResult{}, apperr.Wrap(apperr.TimeSyncFailed, "time sync failed", err)
	}

	for _, reset := range outcome.SuspectedResets {
		resetErr := apperr.Newf(apperr.SyncSuspectedReset, "device %s counter diverged by %dms while fully synced", reset.DeviceID, reset.OffsetMs)
		co.reportError(ctx, resetErr)
	}

	results := make(map[string]any, len(outcome.Results))
	for id, r := range outcome.Results {
		results[id] = r
	}
	return okResult("time sync complete", map[string]any{
		"results":          results,
		"suspected_resets": len(outcome.SuspectedResets),
	}), nil
}

// handleStartRecording starts the pipeline's recording stream into a fresh
// per-session chunker, requiring at least one streaming device and
// rejecting a second concurrent recording (spec §4.7, §4.8, global
// invariants).
func (co *Coordinator) handleStartRecording(payload []byte) (wire.CommandResult, error) {
	var req startRecordingRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return wire.CommandResult{}, apperr.Wrap(apperr.WireProtocolError, "malformed start_recording payload", err)
		}
	}
	if req.SessionID == "" {
		return wire.CommandResult{}, apperr.New(apperr.WireProtocolError, "session_id is required")
	}

	streaming := 0
	for _, d := range co.registry.All() {
		if d.State == registry.StateStreaming {
			streaming++
		}
	}
	if streaming == 0 {
		return wire.CommandResult{}, apperr.New(apperr.MotionProcessingFailed, "start_recording requires at least one streaming device")
	}

	co.mu.Lock()
	if co.recordingActive {
		co.mu.Unlock()
		return wire.CommandResult{}, apperr.New(apperr.RecordingOverrun, "a recording is already active")
	}
	co.mu.Unlock()

	sink, err := co.newChunker(req.SessionID)
	if err != nil {
		return wire.CommandResult{}, apperr.Wrap(apperr.InitFailed, "failed to build chunker for session", err)
	}
	if err := co.pipeline.StartRecording(sink); err != nil {
		return wire.CommandResult{}, err
	}

	co.mu.Lock()
	co.recordingActive = true
	co.recordingSink = sink
	co.sessionID = req.SessionID
	co.mu.Unlock()

	co.broadcastStatus()
	return okResult("recording started", map[string]any{"session_id": req.SessionID}), nil
}

// handleStopRecording flushes and detaches the active sink, always
// returning previously-streaming devices to connected even if some
// transition calls below fail (spec §4.8 "tolerates partial failures").
func (co *Coordinator) handleStopRecording() (wire.CommandResult, error) {
	co.mu.Lock()
	if !co.recordingActive {
		co.mu.Unlock()
		return okResult("no recording in progress", nil), nil
	}
	sessionID := co.sessionID
	co.recordingActive = false
	co.recordingSink = nil
	co.sessionID = ""
	co.mu.Unlock()

	co.pipeline.StopRecording()

	var failures []string
	for _, d := range co.registry.All() {
		if d.State == registry.StateStreaming {
			if err := co.registry.Transition(d.ID, registry.StateConnected); err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", d.ID, err))
			}
		}
	}

	data := map[string]any{"session_id": sessionID}
	if len(failures) > 0 {
		data["transition_failures"] = failures
	}
	co.broadcastStatus()
	return okResult("recording stopped", data), nil
}

// StatusSnapshot implements server.StatusProvider (cmd/motiond adapts it to
// adminapi.StatusProvider through statusAdapter):
// a compact view of every device, the active recording, and per-joint
// rolling windows (spec §4.9's immediate post-connect status push, and the
// get_status command).
func (co *Coordinator) StatusSnapshot() wire.CommandResult {
	co.mu.Lock()
	recording := co.recordingActive
	sessionID := co.sessionID
	co.mu.Unlock()

	devices := make([]map[string]any, 0)
	for _, d := range co.registry.All() {
		devices = append(devices, deviceSummary(d))
	}

	joints := make(map[string]any)
	for name, snap := range co.pipeline.JointSnapshots() {
		joints[name] = snap
	}

	return okResult("status", map[string]any{
		"devices":          devices,
		"recording_active": recording,
		"session_id":       sessionID,
		"joints":           joints,
	})
}

func deviceSummary(d registry.Device) map[string]any {
	return map[string]any{
		"device_id":      d.ID,
		"name":           d.Name,
		"joint":          d.Joint,
		"position":       d.Position,
		"state":          d.State,
		"battery_pct":    d.BatteryPct,
		"has_battery":    d.HasBattery,
		"sync_state":     d.SyncState,
		"clock_offset_ms": d.ClockOffsetMs,
		"semantic_id":    d.SemanticID(),
	}
}
