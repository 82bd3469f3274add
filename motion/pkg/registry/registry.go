// Package registry is the single authoritative holder of device state
// (spec §5 "Shared-resource policy"): every other component observes
// devices through subscription rather than mutating this state directly.
package registry

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tropx/motioncore/motion/pkg/apperr"
	"github.com/tropx/motioncore/motion/pkg/config"
	"github.com/tropx/motioncore/motion/pkg/timesync"
)

// State is a device's lifecycle state (spec §4.6).
type State string

const (
	StateDiscovered  State = "discovered"
	StateConnecting  State = "connecting"
	StateConnected   State = "connected"
	StateStreaming   State = "streaming"
	StateError       State = "error"
	StateDisconnected State = "disconnected"
)

// allowedTransitions encodes the state diagram in spec §4.6. "disconnected"
// is reachable from every state (the "(all)" arrow) and is handled as a
// special case in Transition rather than listed here.
var allowedTransitions = map[State][]State{
	StateDiscovered:   {StateConnecting},
	StateConnecting:   {StateConnected, StateError},
	StateConnected:    {StateStreaming},
	StateStreaming:    {StateConnected},
	StateError:        {},
	StateDisconnected: {StateDiscovered},
}

// Device is a snapshot of one device's registry record.
type Device struct {
	ID          string
	Name        string
	Joint       string
	Position    string
	State       State
	BatteryPct  float64
	HasBattery  bool
	LastSeen    time.Time
	ErrorReason string

	SyncState     timesync.SyncState
	ClockOffsetMs int64
}

// SemanticID packs joint (upper nibble) and position (lower nibble) into a
// single byte for compact logging and wire use (spec §4.6).
func (d Device) SemanticID() byte {
	return (jointNibble(d.Joint) << 4) | positionNibble(d.Position)
}

func jointNibble(joint string) byte {
	switch joint {
	case "left_knee":
		return 0x1
	case "right_knee":
		return 0x2
	default:
		return 0x0
	}
}

func positionNibble(pos string) byte {
	switch pos {
	case "top":
		return 0x1
	case "bottom":
		return 0x2
	default:
		return 0x0
	}
}

// legacyNameMap is the fixed exact-match fallback consulted after
// NameRules, preserving older device names that predate substring rules.
var legacyNameMap = map[string]struct{ joint, position string }{
	"tropx_ln_top":    {"left_knee", "top"},
	"tropx_ln_bottom": {"left_knee", "bottom"},
	"tropx_rn_top":    {"right_knee", "top"},
	"tropx_rn_bottom": {"right_knee", "bottom"},
}

// DeviceChangeFunc observes every registry mutation.
type DeviceChangeFunc func(deviceID string, snapshot Device)

// BatteryFunc observes battery updates.
type BatteryFunc func(deviceID string, pct float64)

// Registry holds per-device state and fans out change notifications.
type Registry struct {
	mu sync.Mutex

	log   *slog.Logger
	clock clockwork.Clock

	nameRules []config.NameRule
	statePath string

	devices map[string]*Device
	nextSeq int

	onDeviceChange []DeviceChangeFunc
	onBattery      []BatteryFunc
}

// New constructs a Registry, loading persisted sync_state from statePath if
// it exists (spec SPEC_FULL §3 C6 addendum).
func New(log *slog.Logger, clock clockwork.Clock, nameRules []config.NameRule, statePath string) (*Registry, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Registry{
		log:       log,
		clock:     clock,
		nameRules: nameRules,
		statePath: statePath,
		devices:   map[string]*Device{},
	}
	if statePath != "" {
		if err := r.load(); err != nil {
			return nil, fmt.Errorf("registry: load persisted state: %w", err)
		}
	}
	return r, nil
}

// OnDeviceChange registers a synchronous subscriber, invoked in registration
// order; a panicking subscriber is isolated and does not affect others.
func (r *Registry) OnDeviceChange(fn DeviceChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDeviceChange = append(r.onDeviceChange, fn)
}

// OnBattery registers a synchronous battery subscriber.
func (r *Registry) OnBattery(fn BatteryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onBattery = append(r.onBattery, fn)
}

// Discover assigns a stable device ID on first sight of a name+address, or
// returns the existing record if already known. The caller supplies addr
// (e.g. a BLE MAC) as the stability key, and the device ID is addr itself.
func (r *Registry) Discover(addr, name string) Device {
	r.mu.Lock()
	d, ok := r.devices[addr]
	if !ok {
		joint, position := r.mapName(name)
		d = &Device{
			ID:        addr,
			Name:      name,
			Joint:     joint,
			Position:  position,
			State:     StateDiscovered,
			LastSeen:  r.clock.Now(),
			SyncState: timesync.StateNotSynced,
		}
		r.devices[addr] = d
		r.nextSeq++
	} else {
		d.LastSeen = r.clock.Now()
	}
	snapshot := *d
	r.mu.Unlock()
	r.notifyDeviceChange(snapshot)
	return snapshot
}

// mapName applies substring rules first, then the legacy exact-match table
// (spec §4.6).
func (r *Registry) mapName(name string) (joint, position string) {
	for _, rule := range r.nameRules {
		if rule.Contains != "" && strings.Contains(name, rule.Contains) {
			return rule.Joint, rule.Position
		}
	}
	if m, ok := legacyNameMap[name]; ok {
		return m.joint, m.position
	}
	return "", ""
}

// Transition moves a device to newState, enforcing the state diagram in
// spec §4.6. Transitioning to StateDisconnected is always legal.
func (r *Registry) Transition(deviceID string, newState State) error {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return apperr.Newf(apperr.Unknown, "registry: unknown device %q", deviceID)
	}
	if newState != StateDisconnected {
		allowed := allowedTransitions[d.State]
		legal := false
		for _, s := range allowed {
			if s == newState {
				legal = true
				break
			}
		}
		if !legal {
			r.mu.Unlock()
			return apperr.Newf(apperr.Unknown, "registry: illegal transition %s -> %s for device %s", d.State, newState, deviceID)
		}
	}
	d.State = newState
	d.LastSeen = r.clock.Now()
	if newState != StateError {
		d.ErrorReason = ""
	}
	snapshot := *d
	r.mu.Unlock()
	r.notifyDeviceChange(snapshot)
	return nil
}

// SetError moves a device into the error state with a reason attached.
func (r *Registry) SetError(deviceID, reason string) error {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return apperr.Newf(apperr.Unknown, "registry: unknown device %q", deviceID)
	}
	d.State = StateError
	d.ErrorReason = reason
	d.LastSeen = r.clock.Now()
	snapshot := *d
	r.mu.Unlock()
	r.notifyDeviceChange(snapshot)
	return nil
}

// SetBattery records a battery reading and notifies subscribers.
func (r *Registry) SetBattery(deviceID string, pct float64) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	d.BatteryPct = pct
	d.HasBattery = true
	r.mu.Unlock()
	r.notifyBattery(deviceID, pct)
}

// Snapshot returns the current record for deviceID.
func (r *Registry) Snapshot(deviceID string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// All returns a snapshot of every known device.
func (r *Registry) All() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// SyncState implements timesync.StateStore.
func (r *Registry) SyncState(deviceID string) timesync.SyncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return timesync.StateNotSynced
	}
	return d.SyncState
}

// SetSyncState implements timesync.StateStore and persists the change.
func (r *Registry) SetSyncState(deviceID string, state timesync.SyncState) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if ok {
		d.SyncState = state
	}
	r.mu.Unlock()
	if ok {
		if err := r.save(); err != nil {
			r.log.Error("registry: persist sync state failed", "device", deviceID, "error", err)
		}
		snapshot, _ := r.Snapshot(deviceID)
		r.notifyDeviceChange(snapshot)
	}
}

// SetClockOffsetMs implements timesync.StateStore and persists the change.
func (r *Registry) SetClockOffsetMs(deviceID string, offsetMs int64) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if ok {
		d.ClockOffsetMs = offsetMs
	}
	r.mu.Unlock()
	if ok {
		if err := r.save(); err != nil {
			r.log.Error("registry: persist clock offset failed", "device", deviceID, "error", err)
		}
	}
}

func (r *Registry) notifyDeviceChange(d Device) {
	r.mu.Lock()
	subs := append([]DeviceChangeFunc{}, r.onDeviceChange...)
	r.mu.Unlock()
	for _, fn := range subs {
		r.safeNotifyDevice(fn, d)
	}
}

func (r *Registry) safeNotifyDevice(fn DeviceChangeFunc, d Device) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("registry: on_device_change subscriber panicked", "panic", rec)
		}
	}()
	fn(d.ID, d)
}

func (r *Registry) notifyBattery(id string, pct float64) {
	r.mu.Lock()
	subs := append([]BatteryFunc{}, r.onBattery...)
	r.mu.Unlock()
	for _, fn := range subs {
		r.safeNotifyBattery(fn, id, pct)
	}
}

func (r *Registry) safeNotifyBattery(fn BatteryFunc, id string, pct float64) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("registry: on_battery subscriber panicked", "panic", rec)
		}
	}()
	fn(id, pct)
}
