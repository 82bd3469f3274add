package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/tropx/motioncore/motion/pkg/config"
	"github.com/tropx/motioncore/motion/pkg/timesync"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDiscoverAssignsStableID(t *testing.T) {
	reg, err := New(discardLogger(), clockwork.NewFakeClock(), nil, "")
	require.NoError(t, err)

	d1 := reg.Discover("aa:bb", "tropx_ln_top")
	d2 := reg.Discover("aa:bb", "tropx_ln_top")
	require.Equal(t, d1.ID, d2.ID)
	require.Equal(t, "left_knee", d1.Joint)
	require.Equal(t, "top", d1.Position)
}

func TestNameRulesTakePriorityOverLegacyMap(t *testing.T) {
	rules := []config.NameRule{{Contains: "ln_top", Joint: "left_knee", Position: "top"}}
	reg, err := New(discardLogger(), clockwork.NewFakeClock(), rules, "")
	require.NoError(t, err)
	d := reg.Discover("aa", "custom_ln_top_v2")
	require.Equal(t, "left_knee", d.Joint)
	require.Equal(t, "top", d.Position)
}

func TestTransitionEnforcesStateMachine(t *testing.T) {
	reg, err := New(discardLogger(), clockwork.NewFakeClock(), nil, "")
	require.NoError(t, err)
	reg.Discover("aa", "tropx_ln_top")

	require.Error(t, reg.Transition("aa", StateStreaming), "cannot jump straight to streaming")
	require.NoError(t, reg.Transition("aa", StateConnecting))
	require.NoError(t, reg.Transition("aa", StateConnected))
	require.NoError(t, reg.Transition("aa", StateStreaming))
	require.NoError(t, reg.Transition("aa", StateDisconnected), "disconnected is reachable from any state")
	require.NoError(t, reg.Transition("aa", StateDiscovered))
}

func TestDeviceChangeSubscribersIsolatePanics(t *testing.T) {
	reg, err := New(discardLogger(), clockwork.NewFakeClock(), nil, "")
	require.NoError(t, err)

	var secondCalled bool
	reg.OnDeviceChange(func(id string, d Device) { panic("boom") })
	reg.OnDeviceChange(func(id string, d Device) { secondCalled = true })

	reg.Discover("aa", "tropx_ln_top")
	require.True(t, secondCalled, "a panicking subscriber must not block later subscribers")
}

func TestSyncStatePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	reg, err := New(discardLogger(), clockwork.NewFakeClock(), nil, path)
	require.NoError(t, err)
	reg.Discover("aa", "tropx_rn_top")
	reg.SetSyncState("aa", timesync.StateFullySynced)
	reg.SetClockOffsetMs("aa", 42)

	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded, err := New(discardLogger(), clockwork.NewFakeClock(), nil, path)
	require.NoError(t, err)
	require.Equal(t, timesync.StateFullySynced, reloaded.SyncState("aa"))
	d, ok := reloaded.Snapshot("aa")
	require.True(t, ok)
	require.Equal(t, int64(42), d.ClockOffsetMs)
	require.Equal(t, StateDisconnected, d.State, "reloaded devices start disconnected until rediscovered")
}

func TestBatterySubscribers(t *testing.T) {
	reg, err := New(discardLogger(), clockwork.NewFakeClock(), nil, "")
	require.NoError(t, err)
	reg.Discover("aa", "tropx_ln_top")

	var got float64
	reg.OnBattery(func(id string, pct float64) { got = pct })
	reg.SetBattery("aa", 87.5)
	require.Equal(t, 87.5, got)
}
