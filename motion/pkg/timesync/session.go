package timesync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tropx/motioncore/motion/pkg/transport"
)

// SampleCount is N in spec §4.5 step 4: the number of round-trip samples
// collected per session.
const SampleCount = 20

// SampleInterval is the sleep between samples (spec §4.5 step 4).
const SampleInterval = 10 * time.Millisecond

// TrimFraction discards the top and bottom 20% of samples by RTT before
// taking the median offset (spec §4.5 step 6).
const TrimFraction = 0.2

// MaxSessionAttempts is the retry budget for a whole session (spec §4.5
// step 7): the first attempt plus up to 3 retries, with linear backoff 1s,
// 2s, 3s before the retries.
const MaxSessionAttempts = 4

// Sample is one (T1,counter,T4) round trip observation.
type Sample struct {
	T1MasterMs       int64
	DeviceCounterMs  uint64
	T4MasterMs       int64
	RTTMs            int64
	OffsetMs         int64
}

// Result is the outcome of a single device's time-sync session.
type Result struct {
	DeviceID     string
	OffsetMs     int64
	AvgRTTMs     float64
	MinRTTMs     int64
	MaxRTTMs     int64
	SampleCount  int
	Samples      []Sample
	Attempts     int
}

// Session runs the per-device NTP-style three-way handshake and statistical
// filtering described in spec §4.5.
type Session struct {
	log       *slog.Logger
	clock     clockwork.Clock
	transport transport.DeviceTransport
}

// NewSession constructs a Session. clock defaults to the real clock if nil.
func NewSession(log *slog.Logger, clock clockwork.Clock, tr transport.DeviceTransport) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Session{log: log, clock: clock, transport: tr}
}

// RunOptions configures one invocation of Run.
type RunOptions struct {
	// SkipSetDateTime skips step 2 (SET_DATETIME) because a multi-device
	// coordinator has already broadcast one (spec §4.5 step 2).
	SkipSetDateTime bool
	// UnixSeconds is used only when SkipSetDateTime is false.
	UnixSeconds uint32
}

// Run executes the full per-device session against sess, making up to
// MaxSessionAttempts attempts of the entire session with linear backoff
// after any failure (spec §4.5 step 7).
func (s *Session) Run(ctx context.Context, sess transport.Session, opts RunOptions) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxSessionAttempts; attempt++ {
		result, err := s.runOnce(ctx, sess, opts)
		if err == nil {
			result.Attempts = attempt
			return result, nil
		}
		lastErr = err
		s.log.Warn("timesync: session attempt failed", "device", sess.DeviceID(), "attempt", attempt, "error", err)
		if attempt < MaxSessionAttempts {
			backoff := time.Duration(attempt) * time.Second
			if err := sleepCtx(ctx, s.clock, backoff); err != nil {
				return Result{}, err
			}
		}
	}
	return Result{}, fmt.Errorf("timesync: TIME_SYNC_FAILED: device %s: %w", sess.DeviceID(), lastErr)
}

func (s *Session) runOnce(ctx context.Context, sess transport.Session, opts RunOptions) (Result, error) {
	if err := s.ensureIdle(ctx, sess); err != nil {
		return Result{}, fmt.Errorf("ensure idle: %w", err)
	}

	if !opts.SkipSetDateTime {
		if err := s.transport.WriteCharacteristic(ctx, sess, transport.CharTimeSync, encodeSetDateTime(opts.UnixSeconds)); err != nil {
			return Result{}, fmt.Errorf("set datetime: %w", err)
		}
	}

	if err := s.transport.WriteCharacteristic(ctx, sess, transport.CharTimeSync, encodeEnterTimeSync()); err != nil {
		return Result{}, fmt.Errorf("enter timesync: %w", err)
	}
	defer func() {
		_ = s.transport.WriteCharacteristic(ctx, sess, transport.CharTimeSync, encodeExitTimeSync())
	}()

	samples := make([]Sample, 0, SampleCount)
	for i := 0; i < SampleCount; i++ {
		t1 := s.clock.Now().UnixMilli()
		raw, err := s.transport.ReadCharacteristic(ctx, sess, transport.CharTimeSyncCounter)
		if err != nil {
			return Result{}, fmt.Errorf("get timestamp: %w", err)
		}
		counter, ok := decodeTimestamp(raw)
		if !ok {
			return Result{}, fmt.Errorf("get timestamp: malformed response (%d bytes)", len(raw))
		}
		t4 := s.clock.Now().UnixMilli()

		rtt := t4 - t1
		offset := int64(counter) - (t1 + rtt/2)
		samples = append(samples, Sample{T1MasterMs: t1, DeviceCounterMs: counter, T4MasterMs: t4, RTTMs: rtt, OffsetMs: offset})

		if i < SampleCount-1 {
			if err := sleepCtx(ctx, s.clock, SampleInterval); err != nil {
				return Result{}, err
			}
		}
	}

	return summarize(sess.DeviceID(), samples), nil
}

// ensureIdle implements spec §4.5 step 1: write IDLE then re-read to
// confirm, if the device isn't already there.
func (s *Session) ensureIdle(ctx context.Context, sess transport.Session) error {
	if err := s.transport.WriteCharacteristic(ctx, sess, transport.CharTimeSync, encodeSetSystemStatus(SystemStatusIdle)); err != nil {
		return err
	}
	got, err := s.transport.ReadCharacteristic(ctx, sess, transport.CharTimeSync)
	if err != nil {
		return err
	}
	if len(got) < 2 || got[0] != opSetSystemStatus || got[1] != SystemStatusIdle {
		return fmt.Errorf("device did not confirm IDLE status")
	}
	return nil
}

// summarize computes the robust offset: trim the top/bottom TrimFraction of
// samples by RTT, then take the median offset of the remainder, per spec
// §4.5 step 6.
func summarize(deviceID string, samples []Sample) Result {
	sorted := append([]Sample{}, samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RTTMs < sorted[j].RTTMs })

	trim := int(float64(len(sorted)) * TrimFraction)
	kept := sorted
	if len(sorted) > 2*trim {
		kept = sorted[trim : len(sorted)-trim]
	}
	if len(kept) == 0 {
		kept = sorted
	}

	offsets := make([]int64, len(kept))
	var sumRTT, minRTT, maxRTT int64
	minRTT = kept[0].RTTMs
	for i, k := range kept {
		offsets[i] = k.OffsetMs
		sumRTT += k.RTTMs
		if k.RTTMs < minRTT {
			minRTT = k.RTTMs
		}
		if k.RTTMs > maxRTT {
			maxRTT = k.RTTMs
		}
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	median := medianInt64(offsets)

	return Result{
		DeviceID:    deviceID,
		OffsetMs:    median,
		AvgRTTMs:    float64(sumRTT) / float64(len(kept)),
		MinRTTMs:    minRTT,
		MaxRTTMs:    maxRTT,
		SampleCount: len(samples),
		Samples:     samples,
	}
}

func medianInt64(sorted []int64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func sleepCtx(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
