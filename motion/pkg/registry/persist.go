package registry

import (
	"encoding/json"
	"os"

	"github.com/tropx/motioncore/motion/pkg/timesync"
)

// persistedDevice is the on-disk shape of one device's durable fields: just
// enough to uphold the SET_CLOCK_OFFSET one-shot guard across a process
// restart (spec SPEC_FULL §3 C6 addendum). Transient fields (state,
// battery, last_seen) are not persisted; they are rebuilt by rediscovery.
type persistedDevice struct {
	Name          string             `json:"name"`
	Joint         string             `json:"joint"`
	Position      string             `json:"position"`
	SyncState     timesync.SyncState `json:"sync_state"`
	ClockOffsetMs int64              `json:"clock_offset_ms"`
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var persisted map[string]persistedDevice
	if err := json.Unmarshal(data, &persisted); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range persisted {
		r.devices[id] = &Device{
			ID:            id,
			Name:          p.Name,
			Joint:         p.Joint,
			Position:      p.Position,
			State:         StateDisconnected,
			SyncState:     p.SyncState,
			ClockOffsetMs: p.ClockOffsetMs,
		}
	}
	return nil
}

// save writes the full device table to statePath. Called after every
// sync_state/clock_offset_ms mutation; a handful of devices makes this
// proportionate to rewrite wholesale rather than maintain a WAL.
func (r *Registry) save() error {
	if r.statePath == "" {
		return nil
	}
	r.mu.Lock()
	out := make(map[string]persistedDevice, len(r.devices))
	for id, d := range r.devices {
		out[id] = persistedDevice{
			Name:          d.Name,
			Joint:         d.Joint,
			Position:      d.Position,
			SyncState:     d.SyncState,
			ClockOffsetMs: d.ClockOffsetMs,
		}
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.statePath)
}
