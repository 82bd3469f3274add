package timesync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/tropx/motioncore/motion/pkg/transport"
)

// SyncState is a device's position in the time-sync state machine, per
// spec §4.4: not_synced → rtc_initialized → offset_computed → fully_synced.
type SyncState string

const (
	StateNotSynced      SyncState = "not_synced"
	StateRTCInitialized SyncState = "rtc_initialized"
	StateOffsetComputed SyncState = "offset_computed"
	StateFullySynced    SyncState = "fully_synced"
)

// StateStore persists each device's sync_state and clock_offset_ms so that
// SET_CLOCK_OFFSET is never re-sent across a reconnect, even though this
// process's in-memory state is gone. The registry package is the production
// implementation; tests use an in-memory stand-in.
type StateStore interface {
	SyncState(deviceID string) SyncState
	SetSyncState(deviceID string, state SyncState)
	SetClockOffsetMs(deviceID string, offsetMs int64)
}

// ReferenceTieWindowMs is the width within which two devices' counter_at_ref
// values are considered tied; spec §4.5 leaves the winner among ties
// unspecified beyond "deterministic given the order" — this package breaks
// ties by ascending device ID.
const ReferenceTieWindowMs = 1

// MinCorrectionMs is the smallest correction worth writing; spec §4.5 step 4
// skips SET_CLOCK_OFFSET when the correction is ≤ 1ms.
const MinCorrectionMs = 1

// SuspectedResetThresholdMs is the offset magnitude that, observed on an
// already fully_synced device, is reported as SYNC_SUSPECTED_RESET instead
// of silently re-applied (spec §4.5 "Tie-break and edge cases").
const SuspectedResetThresholdMs = 1000

// SuspectedReset reports a device whose counter no longer agrees with its
// previously-computed offset by more than SuspectedResetThresholdMs.
type SuspectedReset struct {
	DeviceID     string
	OffsetMs     int64
	PreviousSync SyncState
}

// Outcome is the result of one Manager.SyncDevices call.
type Outcome struct {
	Results         map[string]Result
	SuspectedResets []SuspectedReset
}

// Manager coordinates time-sync across every connected device, per spec
// §4.5 "Multi-device coordinator".
type Manager struct {
	log       *slog.Logger
	clock     clockwork.Clock
	transport transport.DeviceTransport
}

// NewManager constructs a Manager. clock defaults to the real clock if nil.
func NewManager(log *slog.Logger, clock clockwork.Clock, tr transport.DeviceTransport) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{log: log, clock: clock, transport: tr}
}

type deviceSample struct {
	deviceID     string
	counterAtRef int64
}

// SyncDevices runs the full coordinator sequence against sessions: force
// IDLE, broadcast a common wall clock, select a reference device, issue
// SET_CLOCK_OFFSET where needed (respecting the one-shot guard in store),
// then collect per-device statistics.
func (m *Manager) SyncDevices(ctx context.Context, sessions []transport.Session, store StateStore) (Outcome, error) {
	if len(sessions) == 0 {
		return Outcome{Results: map[string]Result{}}, nil
	}

	sess := NewSession(m.log, m.clock, m.transport)

	// Step 1: force every device IDLE in parallel.
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := sess.ensureIdle(gctx, s); err != nil {
				return fmt.Errorf("device %s: idle: %w", s.DeviceID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}

	// Step 2: broadcast one common unix_seconds to every device in parallel.
	commonUnixSeconds := uint32(m.clock.Now().Unix())
	g, gctx = errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := m.transport.WriteCharacteristic(gctx, s, transport.CharTimeSync, encodeSetDateTime(commonUnixSeconds)); err != nil {
				return fmt.Errorf("device %s: set datetime: %w", s.DeviceID(), err)
			}
			if store.SyncState(s.DeviceID()) == StateNotSynced {
				store.SetSyncState(s.DeviceID(), StateRTCInitialized)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}

	// Step 3: read every counter once in parallel against one shared
	// reference_wall_ms, normalizing each to that instant.
	referenceWallMs := m.clock.Now().UnixMilli()
	samples := make([]deviceSample, len(sessions))
	g, gctx = errgroup.WithContext(ctx)
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			t1 := m.clock.Now().UnixMilli()
			raw, err := m.transport.ReadCharacteristic(gctx, s, transport.CharTimeSyncCounter)
			if err != nil {
				return fmt.Errorf("device %s: get timestamp: %w", s.DeviceID(), err)
			}
			counter, ok := decodeTimestamp(raw)
			if !ok {
				return fmt.Errorf("device %s: get timestamp: malformed response", s.DeviceID())
			}
			receiveTime := m.clock.Now().UnixMilli()
			rtt := receiveTime - t1
			sampleTime := receiveTime - rtt/2
			counterAtRef := int64(counter) - (sampleTime - referenceWallMs)
			samples[i] = deviceSample{deviceID: s.DeviceID(), counterAtRef: counterAtRef}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}

	// Step 4: select the reference device and issue corrections.
	refCounter := selectReference(samples)
	var resets []SuspectedReset
	g, gctx = errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		var sample deviceSample
		for _, sm := range samples {
			if sm.deviceID == s.DeviceID() {
				sample = sm
				break
			}
		}
		correctionMs := sample.counterAtRef - refCounter

		state := store.SyncState(s.DeviceID())
		if state == StateFullySynced {
			if abs64(correctionMs) > SuspectedResetThresholdMs {
				resets = append(resets, SuspectedReset{DeviceID: s.DeviceID(), OffsetMs: correctionMs, PreviousSync: state})
			}
			continue
		}
		if correctionMs <= MinCorrectionMs && correctionMs >= -MinCorrectionMs {
			store.SetSyncState(s.DeviceID(), StateOffsetComputed)
			continue
		}

		absMs := uint32(abs64(correctionMs))
		g.Go(func() error {
			if err := m.transport.WriteCharacteristic(gctx, s, transport.CharTimeSync, encodeSetClockOffset(absMs)); err != nil {
				return fmt.Errorf("device %s: set clock offset: %w", s.DeviceID(), err)
			}
			store.SetClockOffsetMs(s.DeviceID(), int64(absMs))
			store.SetSyncState(s.DeviceID(), StateOffsetComputed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}

	// Step 5: collect per-device statistics; these sessions must not
	// re-issue SET_CLOCK_OFFSET, which Session.Run never does.
	results := make(map[string]Result, len(sessions))
	var resultsMu sync.Mutex
	g, gctx = errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			result, err := sess.Run(gctx, s, RunOptions{SkipSetDateTime: true})
			if err != nil {
				return err
			}
			resultsMu.Lock()
			results[s.DeviceID()] = result
			resultsMu.Unlock()
			if store.SyncState(s.DeviceID()) != StateFullySynced {
				store.SetSyncState(s.DeviceID(), StateFullySynced)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}

	return Outcome{Results: results, SuspectedResets: resets}, nil
}

// selectReference picks the minimum counter_at_ref, breaking ties within
// ReferenceTieWindowMs by ascending device ID for determinism.
func selectReference(samples []deviceSample) int64 {
	sorted := append([]deviceSample{}, samples...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].counterAtRef == sorted[j].counterAtRef {
			return sorted[i].deviceID < sorted[j].deviceID
		}
		return sorted[i].counterAtRef < sorted[j].counterAtRef
	})
	min := sorted[0].counterAtRef
	winner := sorted[0]
	for _, s := range sorted[1:] {
		if s.counterAtRef-min <= ReferenceTieWindowMs && s.deviceID < winner.deviceID {
			winner = s
		}
	}
	return winner.counterAtRef
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
