package motionpipeline

import "github.com/tropx/motioncore/motion/pkg/quat"

// JointSnapshot is one joint's rolling window, as exposed to the UI stream
// and the coordinator's get_status command.
type JointSnapshot struct {
	Current float64
	Max     float64
	Min     float64
	ROM     float64 // range of motion: Max - Min
	HasValue bool
}

func (w *JointSnapshot) update(angle float64) {
	if !w.HasValue {
		w.Current, w.Max, w.Min = angle, angle, angle
		w.HasValue = true
	} else {
		w.Current = angle
		if angle > w.Max {
			w.Max = angle
		}
		if angle < w.Min {
			w.Min = angle
		}
	}
	w.ROM = w.Max - w.Min
}

func (w *JointSnapshot) reset() {
	*w = JointSnapshot{}
}

// UISnapshot is the coalesced, throttled view sent to UI subscribers at up
// to 60 Hz (spec §4.7).
type UISnapshot struct {
	Left        JointSnapshot
	Right       JointSnapshot
	TimestampMs int64
}

// RecordingTick is one lossless sample appended to the active recording
// session, per joint, per target tick (spec §4.7). Relative carries the
// joint's relative orientation (bottom device relative to top), the
// quantity the chunker compresses per §4.2/§4.8; AngleDeg is the derived
// scalar angle, carried alongside for convenience.
type RecordingTick struct {
	TimestampMs  int64
	Relative     quat.Quaternion
	AngleDeg     float64
	Missing      bool
	Interpolated bool
}

// RecordingSink receives the lossless recording-stream output; the chunker
// package is the concrete implementation.
type RecordingSink interface {
	AppendTick(jointName string, tick RecordingTick)
	Flush()
}

// JointConfig names one joint and its two contributing devices (spec §4.1,
// §4.7): e.g. left_knee is computed from the top and bottom IMUs on the
// left leg.
type JointConfig struct {
	Name           string
	TopDeviceID    string
	BottomDeviceID string
}
