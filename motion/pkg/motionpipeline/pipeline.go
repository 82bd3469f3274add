// Package motionpipeline resamples per-device IMU orientation streams to a
// fixed target rate, computes joint angles, and fans the result out to a
// throttled UI stream and a lossless recording stream (spec §4.7).
package motionpipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tropx/motioncore/motion/pkg/apperr"
	"github.com/tropx/motioncore/motion/pkg/metrics"
	"github.com/tropx/motioncore/motion/pkg/quat"
)

// UIRate is the hard cap on UI-stream emission frequency (spec §4.7).
const UIRate = 60

type deviceBuffer struct {
	mu sync.Mutex
	rb *ringBuffer
}

// UISubscriber is a single-slot mailbox: the pipeline mutates the same
// UISnapshot in place on every UI tick rather than allocating a new one,
// and signals notify without blocking (spec §4.7 "MUST NOT allocate
// per-tick in the steady state").
type UISubscriber struct {
	mu       sync.Mutex
	snapshot UISnapshot
	notify   chan struct{}
}

// Snapshot returns a copy of the current UI state.
func (s *UISubscriber) Snapshot() UISnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Notify fires (non-blocking, coalescing) whenever the snapshot updates.
func (s *UISubscriber) Notify() <-chan struct{} { return s.notify }

// Pipeline is the per-process motion-data resampler and joint-angle
// computer described in spec §4.7.
type Pipeline struct {
	log   *slog.Logger
	clock clockwork.Clock

	period      time.Duration
	rawPeriodMs int64
	joints      []JointConfig
	ringCap     int

	buffersMu sync.Mutex
	buffers   map[string]*deviceBuffer
	lastTsMu  sync.Mutex
	lastTs    map[string]int64

	windowsMu sync.Mutex
	windows   map[string]*JointSnapshot

	subsMu sync.Mutex
	uiSubs []*UISubscriber

	recMu       sync.Mutex
	recording   bool
	activeSink  RecordingSink
}

// New constructs a Pipeline from a validated Config.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	windows := make(map[string]*JointSnapshot, len(cfg.Joints))
	for _, j := range cfg.Joints {
		windows[j.Name] = &JointSnapshot{}
	}
	return &Pipeline{
		log:         cfg.Logger,
		clock:       cfg.Clock,
		period:      time.Second / time.Duration(cfg.TargetHz),
		rawPeriodMs: int64(1000 / cfg.RawDeviceHz),
		joints:      cfg.Joints,
		ringCap:     cfg.RingBufferCapacity,
		buffers:     map[string]*deviceBuffer{},
		lastTs:      map[string]int64{},
		windows:     windows,
	}, nil
}

// ProcessSample ingests one raw IMU reading at device rate (spec §4.7
// "Ingest"). Out-of-order or non-finite samples are dropped with a counter
// increment; this never terminates the stream.
func (p *Pipeline) ProcessSample(deviceID string, masterTimestampMs int64, orientation quat.Quaternion) error {
	if !orientation.IsFinite() {
		metrics.DroppedSamplesTotal.WithLabelValues(deviceID).Inc()
		return apperr.Newf(apperr.MotionProcessingFailed, "device %s: non-finite orientation dropped", deviceID)
	}

	p.lastTsMu.Lock()
	last, seen := p.lastTs[deviceID]
	if seen && masterTimestampMs < last {
		p.lastTsMu.Unlock()
		metrics.DroppedSamplesTotal.WithLabelValues(deviceID).Inc()
		return apperr.Newf(apperr.MotionProcessingFailed, "device %s: out-of-order sample dropped (ts=%d < last=%d)", deviceID, masterTimestampMs, last)
	}
	p.lastTs[deviceID] = masterTimestampMs
	p.lastTsMu.Unlock()

	buf := p.bufferFor(deviceID)
	buf.mu.Lock()
	buf.rb.Push(Sample{MasterTimestampMs: masterTimestampMs, Orientation: quat.Normalize(orientation)})
	buf.mu.Unlock()
	return nil
}

func (p *Pipeline) bufferFor(deviceID string) *deviceBuffer {
	p.buffersMu.Lock()
	defer p.buffersMu.Unlock()
	b, ok := p.buffers[deviceID]
	if !ok {
		b = &deviceBuffer{rb: newRingBuffer(p.ringCap)}
		p.buffers[deviceID] = b
	}
	return b
}

// SubscribeUI registers a new throttled UI subscriber.
func (p *Pipeline) SubscribeUI() *UISubscriber {
	s := &UISubscriber{notify: make(chan struct{}, 1)}
	p.subsMu.Lock()
	p.uiSubs = append(p.uiSubs, s)
	p.subsMu.Unlock()
	return s
}

// StartRecording resets per-joint rolling windows and routes the recording
// stream into sink (spec §4.7 "Lifecycle").
func (p *Pipeline) StartRecording(sink RecordingSink) error {
	p.recMu.Lock()
	defer p.recMu.Unlock()
	if p.recording {
		return apperr.New(apperr.MotionProcessingFailed, "a recording is already active")
	}
	p.windowsMu.Lock()
	for _, w := range p.windows {
		w.reset()
	}
	p.windowsMu.Unlock()
	p.recording = true
	p.activeSink = sink
	return nil
}

// StopRecording flushes the active sink and detaches it.
func (p *Pipeline) StopRecording() {
	p.recMu.Lock()
	defer p.recMu.Unlock()
	if !p.recording {
		return
	}
	if p.activeSink != nil {
		p.activeSink.Flush()
	}
	p.recording = false
	p.activeSink = nil
}

// JointSnapshots returns a copy of the current rolling window per joint,
// for the coordinator's get_status.
func (p *Pipeline) JointSnapshots() map[string]JointSnapshot {
	p.windowsMu.Lock()
	defer p.windowsMu.Unlock()
	out := make(map[string]JointSnapshot, len(p.windows))
	for name, w := range p.windows {
		out[name] = *w
	}
	return out
}

// Start launches the target-rate scheduler and the 60Hz UI publisher. Both
// run on one goroutine: their rates are independent and each tick's work
// fits well under either period (spec §5 "Compute domain" budget).
func (p *Pipeline) Start(ctx context.Context) {
	go func() {
		targetTicker := p.clock.NewTicker(p.period)
		defer targetTicker.Stop()
		uiTicker := p.clock.NewTicker(time.Second / UIRate)
		defer uiTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-targetTicker.Chan():
				p.tick()
			case <-uiTicker.Chan():
				p.publishUI()
			}
		}
	}()
}

func (p *Pipeline) tick() {
	now := p.clock.Now().UnixMilli()
	for _, joint := range p.joints {
		rel, angle, missing, interpolated := p.resampleJoint(joint, now)

		p.windowsMu.Lock()
		w := p.windows[joint.Name]
		if !missing {
			w.update(angle)
		}
		p.windowsMu.Unlock()

		if missing {
			metrics.MissingTicksTotal.WithLabelValues(joint.Name).Inc()
		}

		p.recMu.Lock()
		recording, sink := p.recording, p.activeSink
		p.recMu.Unlock()
		if recording && sink != nil {
			sink.AppendTick(joint.Name, RecordingTick{
				TimestampMs:  now,
				Relative:     rel,
				AngleDeg:     angle,
				Missing:      missing,
				Interpolated: interpolated,
			})
		}
	}
}

func (p *Pipeline) resampleJoint(joint JointConfig, tickMs int64) (rel quat.Quaternion, angleDeg float64, missing bool, interpolated bool) {
	topQ, topMissing, topInterp := p.interpAt(joint.TopDeviceID, tickMs)
	bottomQ, bottomMissing, bottomInterp := p.interpAt(joint.BottomDeviceID, tickMs)

	missing = topMissing || bottomMissing
	interpolated = topInterp || bottomInterp
	if missing {
		p.windowsMu.Lock()
		w := p.windows[joint.Name]
		angleDeg = w.Current
		p.windowsMu.Unlock()
		return quat.Identity(), angleDeg, true, interpolated
	}

	rel = quat.Multiply(quat.Inverse(topQ), bottomQ)
	result := quat.JointAngleFromPair(topQ, bottomQ, quat.DefaultCalibration())
	return rel, result.AngleDeg, false, interpolated
}

// interpAt resamples one device's orientation stream to tickMs (spec §4.7
// step 1-2): bracket the tick between the two straddling samples and
// SLERP/LERP between them, or report "missing" if the device has gone
// stale.
func (p *Pipeline) interpAt(deviceID string, tickMs int64) (q quat.Quaternion, missing bool, interpolated bool) {
	buf := p.bufferFor(deviceID)
	var local [4]Sample
	buf.mu.Lock()
	n := buf.rb.CopyLastInto(local[:])
	buf.mu.Unlock()

	if n == 0 {
		return quat.Identity(), true, false
	}
	latest := local[n-1]
	missing = latest.MasterTimestampMs < tickMs-p.rawPeriodMs

	for i := n - 1; i > 0; i-- {
		before, after := local[i-1], local[i]
		if before.MasterTimestampMs <= tickMs && tickMs <= after.MasterTimestampMs && after.MasterTimestampMs > before.MasterTimestampMs {
			t := float64(tickMs-before.MasterTimestampMs) / float64(after.MasterTimestampMs-before.MasterTimestampMs)
			gap := after.MasterTimestampMs - before.MasterTimestampMs
			interp := gap > p.rawPeriodMs
			if quat.Dot(before.Orientation, after.Orientation) < 0.9995 {
				return quat.Slerp(before.Orientation, after.Orientation, t), missing, interp
			}
			return quat.Lerp(before.Orientation, after.Orientation, t), missing, interp
		}
	}
	return latest.Orientation, missing, false
}

func (p *Pipeline) publishUI() {
	now := p.clock.Now().UnixMilli()
	p.windowsMu.Lock()
	left := JointSnapshot{}
	right := JointSnapshot{}
	if w, ok := p.windows["left_knee"]; ok {
		left = *w
	}
	if w, ok := p.windows["right_knee"]; ok {
		right = *w
	}
	p.windowsMu.Unlock()

	p.subsMu.Lock()
	subs := p.uiSubs
	p.subsMu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		s.snapshot.Left = left
		s.snapshot.Right = right
		s.snapshot.TimestampMs = now
		s.mu.Unlock()
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}
