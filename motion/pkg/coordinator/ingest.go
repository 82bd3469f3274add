package coordinator

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/tropx/motioncore/motion/pkg/quat"
	"github.com/tropx/motioncore/motion/pkg/registry"
	"github.com/tropx/motioncore/motion/pkg/transport"
)

// imuSampleSize is one notification payload on transport.CharIMUSample:
// an 8-byte device-monotonic counter (ms, little-endian) followed by a
// unit quaternion as four little-endian float32s (w,x,y,z). The BLE GATT
// transport itself is out of this repo's scope; this is this coordinator's
// own framing for whatever concrete transport is wired in.
const imuSampleSize = 8 + 4*4

func decodeIMUSample(buf []byte) (tsMs uint64, q quat.Quaternion, ok bool) {
	if len(buf) < imuSampleSize {
		return 0, quat.Quaternion{}, false
	}
	tsMs = binary.LittleEndian.Uint64(buf[0:8])
	w := math.Float32frombits(binary.LittleEndian.Uint32(buf[8:12]))
	x := math.Float32frombits(binary.LittleEndian.Uint32(buf[12:16]))
	y := math.Float32frombits(binary.LittleEndian.Uint32(buf[16:20]))
	z := math.Float32frombits(binary.LittleEndian.Uint32(buf[20:24]))
	return tsMs, quat.Quaternion{W: float64(w), X: float64(x), Y: float64(y), Z: float64(z)}, true
}

// startIngest subscribes to a just-connected device's IMU notifications and
// feeds the motion pipeline until ctx is cancelled (on disconnect). The
// device is promoted from connected to streaming on every sample that
// finds it still connected, matching the "streaming ⇒ connected" registry
// invariant; stop_recording deliberately reverts streaming devices to
// connected, and the next live sample promotes them again, so the registry
// state tracks "data flowing right now" rather than a one-shot latch.
func (co *Coordinator) startIngest(ctx context.Context, deviceID string, sess transport.Session) {
	notifications, err := co.transport.SubscribeNotifications(ctx, sess, transport.CharIMUSample)
	if err != nil {
		co.log.Error("imu subscription failed", "device_id", deviceID, "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload, open := <-notifications:
			if !open {
				return
			}
			tsMs, q, ok := decodeIMUSample(payload)
			if !ok {
				co.log.Warn("malformed imu sample dropped", "device_id", deviceID)
				continue
			}
			dev, found := co.registry.Snapshot(deviceID)
			if !found {
				continue
			}
			masterTs := int64(tsMs) + dev.ClockOffsetMs
			if err := co.pipeline.ProcessSample(deviceID, masterTs, q); err != nil {
				co.log.Debug("sample dropped by pipeline", "device_id", deviceID, "err", err)
				continue
			}
			if dev.State == registry.StateConnected {
				_ = co.registry.Transition(deviceID, registry.StateStreaming)
			}
		}
	}
}

// startBatteryIngest subscribes to a connected device's battery-level
// notifications, feeding registry.SetBattery (spec §5 shared-resource
// policy: battery is observed through the registry, not read ad hoc). Each
// notification is a single byte, 0-100, the battery's own internal framing
// for this characteristic.
func (co *Coordinator) startBatteryIngest(ctx context.Context, deviceID string, sess transport.Session) {
	notifications, err := co.transport.SubscribeNotifications(ctx, sess, transport.CharBattery)
	if err != nil {
		co.log.Warn("battery subscription failed", "device_id", deviceID, "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload, open := <-notifications:
			if !open {
				return
			}
			if len(payload) < 1 {
				continue
			}
			co.registry.SetBattery(deviceID, float64(payload[0]))
		}
	}
}
