// Package fake provides an in-memory, scriptable DeviceTransport used by
// the timesync and coordinator tests and by the motiond binary's demo mode, standing in
// for the real BLE GATT transport which is out of scope for this repo.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/tropx/motioncore/motion/pkg/transport"
)

// deviceCounterEpochMs is the reference epoch for device counters, per spec
// §6: Unix 1,580,000,000s (2020-01-26T00:53:20Z).
const deviceCounterEpochMs = int64(1_580_000_000) * 1000

// Device is one simulated peripheral: a free-running counter plus GATT
// characteristic storage.
type Device struct {
	mu sync.Mutex

	id   string
	name string

	clock      clockwork.Clock
	driftMs    int64 // constant additive drift vs. the clock's notion of "now"
	offsetApplied int64 // cumulative SET_CLOCK_OFFSET subtraction applied by firmware

	chars map[string][]byte

	notifySubs map[string][]chan []byte
}

// NewDevice creates a simulated device whose free-running counter starts at
// the device-counter epoch plus driftMs.
func NewDevice(id, name string, clock clockwork.Clock, driftMs int64) *Device {
	return &Device{
		id:         id,
		name:       name,
		clock:      clock,
		driftMs:    driftMs,
		chars:      map[string][]byte{},
		notifySubs: map[string][]chan []byte{},
	}
}

// CounterMs returns the device's current free-running millisecond counter.
func (d *Device) CounterMs() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	elapsed := d.clock.Now().UnixMilli() - deviceCounterEpochMs
	return uint64(elapsed + d.driftMs - d.offsetApplied)
}

// ApplyClockOffset records a firmware SET_CLOCK_OFFSET write: the firmware
// subtracts the given absolute ms value from subsequent timestamps.
func (d *Device) ApplyClockOffset(absMs uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offsetApplied += int64(absMs)
}

// session implements transport.Session for the fake transport.
type session struct {
	deviceID string
}

func (s *session) DeviceID() string { return s.deviceID }

// Transport is an in-memory DeviceTransport over a fixed device set.
type Transport struct {
	mu      sync.Mutex
	devices map[string]*Device

	// WriteLog records every WriteCharacteristic call, in order, for test
	// assertions (e.g. counting SET_CLOCK_OFFSET writes per device).
	WriteLog []WriteRecord
}

// WriteRecord is one recorded characteristic write.
type WriteRecord struct {
	DeviceID string
	UUID     string
	Data     []byte
}

// New returns a Transport seeded with the given devices.
func New(devices ...*Device) *Transport {
	t := &Transport{devices: map[string]*Device{}}
	for _, d := range devices {
		t.devices[d.id] = d
	}
	return t
}

// Device returns the simulated device by ID, or nil.
func (t *Transport) Device(id string) *Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.devices[id]
}

func (t *Transport) Scan(ctx context.Context, filter transport.ScanFilter) (<-chan transport.DeviceDescriptor, error) {
	out := make(chan transport.DeviceDescriptor, len(t.devices))
	t.mu.Lock()
	for _, d := range t.devices {
		if filter.Matches(d.name) {
			out <- transport.DeviceDescriptor{ID: d.id, Name: d.name, RSSI: -50}
		}
	}
	t.mu.Unlock()
	close(out)
	return out, nil
}

func (t *Transport) Connect(ctx context.Context, deviceID string) (transport.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[deviceID]; !ok {
		return nil, fmt.Errorf("fake transport: unknown device %q", deviceID)
	}
	return &session{deviceID: deviceID}, nil
}

func (t *Transport) Disconnect(ctx context.Context, sess transport.Session) error {
	return nil
}

func (t *Transport) Close(ctx context.Context, sess transport.Session) error {
	return nil
}

func (t *Transport) WriteCharacteristic(ctx context.Context, sess transport.Session, uuid string, data []byte) error {
	t.mu.Lock()
	d, ok := t.devices[sess.DeviceID()]
	if ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		t.WriteLog = append(t.WriteLog, WriteRecord{DeviceID: sess.DeviceID(), UUID: uuid, Data: cp})
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("fake transport: unknown device %q", sess.DeviceID())
	}
	d.mu.Lock()
	d.chars[uuid] = append([]byte{}, data...)
	d.mu.Unlock()
	// SET_CLOCK_OFFSET (opcode 0x31 + u32 LE absolute ms) is applied to the
	// simulated counter, as the firmware does.
	if uuid == transport.CharTimeSync && len(data) >= 5 && data[0] == 0x31 {
		d.ApplyClockOffset(uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16 | uint32(data[4])<<24)
	}
	return nil
}

func (t *Transport) ReadCharacteristic(ctx context.Context, sess transport.Session, uuid string) ([]byte, error) {
	t.mu.Lock()
	d, ok := t.devices[sess.DeviceID()]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake transport: unknown device %q", sess.DeviceID())
	}
	if uuid == transport.CharTimeSyncCounter {
		buf := make([]byte, 8)
		counter := d.CounterMs()
		for i := 0; i < 8; i++ {
			buf[i] = byte(counter >> (8 * uint(i)))
		}
		return buf, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte{}, d.chars[uuid]...), nil
}

func (t *Transport) SubscribeNotifications(ctx context.Context, sess transport.Session, uuid string) (<-chan []byte, error) {
	t.mu.Lock()
	d, ok := t.devices[sess.DeviceID()]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake transport: unknown device %q", sess.DeviceID())
	}
	ch := make(chan []byte, 64)
	d.mu.Lock()
	d.notifySubs[uuid] = append(d.notifySubs[uuid], ch)
	d.mu.Unlock()
	go func() {
		<-ctx.Done()
	}()
	return ch, nil
}

// Notify pushes a notification payload to every current subscriber of uuid
// on the given device, from test code simulating IMU sample streaming.
func (t *Transport) Notify(deviceID, uuid string, data []byte) {
	t.mu.Lock()
	d, ok := t.devices[deviceID]
	t.mu.Unlock()
	if !ok {
		return
	}
	d.mu.Lock()
	subs := append([]chan []byte{}, d.notifySubs[uuid]...)
	d.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- data:
		default:
		}
	}
}
