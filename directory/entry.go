// Package directory implements daqfabric's liveness model: Entry records
// one publisher's heartbeat, Snapshot collects the aggregator's current
// view, and SnapshotDiff expresses the add/remove transition between two
// Snapshots. None of these types touch a socket; they are pure values
// produced and consumed by the publisher/aggregator/subscriber roles.
package directory

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one publisher's liveness record.
type Entry struct {
	Name        string    `json:"name"`
	PID         string    `json:"pid"`
	Addr        string    `json:"addr"`
	Port        int       `json:"port"`
	SysTime     time.Time `json:"-"`
	Status      string    `json:"status"`
	StatusColor string    `json:"status-color"`
}

// entryWire is Entry's JSON envelope: event="pulse" plus the fixed-width
// timestamp string instead of Go's native time encoding.
type entryWire struct {
	Event       string `json:"event"`
	SysTime     string `json:"systime"`
	PID         string `json:"pid"`
	Addr        string `json:"addr"`
	Port        int    `json:"port"`
	Status      string `json:"status"`
	StatusColor string `json:"status-color"`
	Name        string `json:"name"`
}

// Equal reports whether two Entries carry identical field values.
// Snapshot.Diff and Snapshot.RemoveEntry compare Entries this way;
// Snapshot.AddEntry dedups by location instead (see IsUpdate).
func (e Entry) Equal(o Entry) bool {
	return e.Name == o.Name && e.PID == o.PID && e.Addr == o.Addr &&
		e.Port == o.Port && e.SysTime.Equal(o.SysTime) &&
		e.Status == o.Status && e.StatusColor == o.StatusColor
}

// key identifies an Entry's network location for the at-most-one-per-
// (addr,port) Snapshot invariant.
func (e Entry) key() entryKey { return entryKey{Addr: e.Addr, Port: e.Port} }

type entryKey struct {
	Addr string
	Port int
}

// IsUpdate reports whether e supersedes other: same (addr, port) and a
// systime that is not older.
func (e Entry) IsUpdate(other Entry) bool {
	if e.Addr != other.Addr || e.Port != other.Port {
		return false
	}
	return !e.SysTime.Before(other.SysTime)
}

// MarshalJSON emits the pulse envelope, defaulting StatusColor to "white".
func (e Entry) MarshalJSON() ([]byte, error) {
	color := e.StatusColor
	if color == "" {
		color = "white"
	}
	return json.Marshal(entryWire{
		Event:       "pulse",
		SysTime:     formatTimestamp(e.SysTime),
		PID:         e.PID,
		Addr:        e.Addr,
		Port:        e.Port,
		Status:      e.Status,
		StatusColor: color,
		Name:        e.Name,
	})
}

// UnmarshalJSON is tolerant to a missing status-color field, defaulting it
// to "white".
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w entryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("directory: decoding entry: %w", err)
	}
	t, err := parseTimestamp(w.SysTime)
	if err != nil {
		return fmt.Errorf("directory: parsing entry systime %q: %w", w.SysTime, err)
	}
	color := w.StatusColor
	if color == "" {
		color = "white"
	}
	*e = Entry{
		Name:        w.Name,
		PID:         w.PID,
		Addr:        w.Addr,
		Port:        w.Port,
		SysTime:     t,
		Status:      w.Status,
		StatusColor: color,
	}
	return nil
}
