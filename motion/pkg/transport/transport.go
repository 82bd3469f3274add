// Package transport defines the DeviceTransport capability consumed by the
// upper layers (time-sync, registry, coordinator). The concrete BLE GATT
// transport is outside this repo's scope per spec §1; this package defines
// only the contract and a scriptable in-memory fake used by tests and the
// demo binary.
package transport

import "context"

// DeviceDescriptor is what a scan discovers about a nearby device, before a
// session is established.
type DeviceDescriptor struct {
	ID   string
	Name string
	RSSI int
}

// Session represents an established connection to one device. All
// operations against a Session are expected to be serialized by the
// transport implementation (FIFO per device); callers may drive many
// Sessions concurrently.
type Session interface {
	DeviceID() string
}

// Characteristic UUIDs used by the upper layers (the time-sync device
// protocol in spec §6, plus vendor-specific ones for IMU sample
// notifications and battery level).
const (
	CharTimeSync        = "0000b000-0000-1000-8000-00805f9b34fb"
	CharTimeSyncCounter = "0000b003-0000-1000-8000-00805f9b34fb"
	CharIMUSample       = "0000b001-0000-1000-8000-00805f9b34fb"
	CharBattery         = "0000b002-0000-1000-8000-00805f9b34fb"
)

// DeviceTransport is the capability interface consumed by everything above
// it: scan, connect, disconnect, characteristic read/write, and
// notification subscription. Every operation accepts a context and must
// respect cancellation (spec §5 "every async operation accepts a
// cancellation signal").
type DeviceTransport interface {
	// Scan streams discovered devices matching filter until ctx is
	// cancelled or the scan's own timeout elapses. The returned channel is
	// closed when the scan ends.
	Scan(ctx context.Context, filter ScanFilter) (<-chan DeviceDescriptor, error)

	// Connect establishes a session with the given device.
	Connect(ctx context.Context, deviceID string) (Session, error)

	// Disconnect tears down a session. Implementations must tolerate being
	// called on an already-closed session.
	Disconnect(ctx context.Context, sess Session) error

	// WriteCharacteristic writes bytes to a GATT characteristic.
	WriteCharacteristic(ctx context.Context, sess Session, uuid string, data []byte) error

	// ReadCharacteristic reads the current value of a GATT characteristic.
	ReadCharacteristic(ctx context.Context, sess Session, uuid string) ([]byte, error)

	// SubscribeNotifications streams notification payloads for a
	// characteristic until ctx is cancelled. The returned channel is closed
	// when the subscription ends.
	SubscribeNotifications(ctx context.Context, sess Session, uuid string) (<-chan []byte, error)

	// Close releases any transport-wide resources (e.g. the underlying BLE
	// adapter handle). Idempotent.
	Close(ctx context.Context, sess Session) error
}

// ScanFilter narrows a scan to devices matching a name prefix/substring;
// an empty filter matches everything.
type ScanFilter struct {
	NameContains string
}

// Matches reports whether name satisfies the filter.
func (f ScanFilter) Matches(name string) bool {
	if f.NameContains == "" {
		return true
	}
	return contains(name, f.NameContains)
}

func contains(s, substr string) bool {
	if len(substr) == 0 {
		return true
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
