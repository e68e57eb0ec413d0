// Package store keeps the host-side mirror of what has been configured on
// the clock, so it can be replayed after the link comes back.
package store

import (
	"github.com/mil-ad/clockctl/internal/codec"
)

// Alarm is a populated alarm slot.
type Alarm struct {
	Hour    int
	Minute  int
	Enabled bool
	Melody  int
}

// State is the full cached device configuration. A nil slot is empty and a
// nil Brightness has never been set.
type State struct {
	Alarms     [codec.SlotCount]*Alarm
	Brightness *int
}

// Default returns the state used when nothing has been persisted.
func Default() State { return State{} }

// Clone returns a deep copy of s.
func (s State) Clone() State {
	var out State
	for i, a := range s.Alarms {
		if a != nil {
			cp := *a
			out.Alarms[i] = &cp
		}
	}
	if s.Brightness != nil {
		b := *s.Brightness
		out.Brightness = &b
	}
	return out
}

// Equal reports whether s and o hold the same values.
func (s State) Equal(o State) bool {
	for i := range s.Alarms {
		a, b := s.Alarms[i], o.Alarms[i]
		if (a == nil) != (b == nil) || (a != nil && *a != *b) {
			return false
		}
	}
	if (s.Brightness == nil) != (o.Brightness == nil) {
		return false
	}
	return s.Brightness == nil || *s.Brightness == *o.Brightness
}

// Command returns the command that programs slot i to match s.
func (s State) Command(i int) codec.Command {
	a := s.Alarms[i]
	if a == nil {
		return codec.ClearAlarm{Slot: i}
	}
	return codec.SetAlarm{Slot: i, Hour: a.Hour, Minute: a.Minute, Enabled: a.Enabled, Melody: a.Melody}
}

// IntPtr is a helper for building States.
func IntPtr(v int) *int { return &v }
