package directory

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the aggregator's current view of live publishers: a
// timestamped, deduplicated set of Entries. No two Entries in a Snapshot
// share an (addr, port) pair.
type Snapshot struct {
	SysTime time.Time
	Log     string
	Entries []Entry
}

type snapshotWire struct {
	Event   string `json:"event"`
	SysTime string `json:"systime"`
	Log     string `json:"log"`
	Entries []Entry `json:"entries"`
}

// New returns an empty Snapshot stamped at systime.
func New(systime time.Time) *Snapshot {
	return &Snapshot{SysTime: systime}
}

// AddEntry adds entry to the Snapshot, first removing any existing Entry
// that entry is an update of (same addr+port, newer-or-equal systime). An
// entry older than the one already held for its (addr, port) is ignored.
func (s *Snapshot) AddEntry(entry Entry) {
	for _, e := range s.Entries {
		if e.key() == entry.key() && !entry.IsUpdate(e) {
			return
		}
	}
	kept := s.Entries[:0]
	for _, e := range s.Entries {
		if !entry.IsUpdate(e) {
			kept = append(kept, e)
		}
	}
	s.Entries = append(kept, entry)
}

// RemoveEntry removes every Entry equal to entry.
func (s *Snapshot) RemoveEntry(entry Entry) {
	kept := s.Entries[:0]
	for _, e := range s.Entries {
		if !e.Equal(entry) {
			kept = append(kept, e)
		}
	}
	s.Entries = kept
}

// Locations returns the set of (addr, port) pairs held by this Snapshot.
func (s *Snapshot) Locations() map[entryKey]Entry {
	out := make(map[entryKey]Entry, len(s.Entries))
	for _, e := range s.Entries {
		out[e.key()] = e
	}
	return out
}

// Names returns a map from Entry name to Entry, for the last Entry seen
// under that name.
func (s *Snapshot) Names() map[string]Entry {
	out := make(map[string]Entry, len(s.Entries))
	for _, e := range s.Entries {
		out[e.Name] = e
	}
	return out
}

// ByAge splits Entries into those older and newer than age relative to now.
func (s *Snapshot) ByAge(now time.Time, age time.Duration) (older, newer []Entry) {
	for _, e := range s.Entries {
		if now.Sub(e.SysTime) > age {
			older = append(older, e)
		} else {
			newer = append(newer, e)
		}
	}
	return older, newer
}

// PurgeOlderThan removes every Entry older than age relative to now
// (daqfabric's liveness purge window is 3 minutes by default).
func (s *Snapshot) PurgeOlderThan(now time.Time, age time.Duration) {
	_, newer := s.ByAge(now, age)
	s.Entries = newer
}

// Diff computes a SnapshotDiff transitioning from old to s ("s - old"):
// add holds Entries present in s but not old; remove holds Entries present
// in old but not s, by full Entry equality (see DESIGN.md for how this
// differs from the original Python implementation's Snapshot.__sub__).
func (s *Snapshot) Diff(old *Snapshot) SnapshotDiff {
	var diff SnapshotDiff
	for _, e := range s.Entries {
		if !containsEntry(old.Entries, e) {
			diff.Add = append(diff.Add, e)
		}
	}
	for _, e := range old.Entries {
		if !containsEntry(s.Entries, e) {
			diff.Remove = append(diff.Remove, e)
		}
	}
	return diff
}

func containsEntry(entries []Entry, target Entry) bool {
	for _, e := range entries {
		if e.Equal(target) {
			return true
		}
	}
	return false
}

// MarshalJSON emits the snapshot envelope: event="snapshot", systime, log,
// entries.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	entries := s.Entries
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(snapshotWire{
		Event:   "snapshot",
		SysTime: formatTimestamp(s.SysTime),
		Log:     s.Log,
		Entries: entries,
	})
}

// UnmarshalJSON populates entries via AddEntry, preserving the dedup-by-
// update invariant even for a Snapshot received over the wire.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("directory: decoding snapshot: %w", err)
	}
	t, err := parseTimestamp(w.SysTime)
	if err != nil {
		return fmt.Errorf("directory: parsing snapshot systime %q: %w", w.SysTime, err)
	}
	s.SysTime = t
	s.Log = w.Log
	s.Entries = nil
	for _, e := range w.Entries {
		s.AddEntry(e)
	}
	return nil
}

// SnapshotDiff is the add/remove transition between two Snapshots.
type SnapshotDiff struct {
	Add    []Entry
	Remove []Entry
}
