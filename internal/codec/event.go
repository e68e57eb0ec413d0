package codec

import (
	"strconv"
	"strings"
)

const (
	ackPrefix   = "OK:"
	errPrefix   = "ERR:"
	alarmPrefix = "EVENT:ALARM_"
)

// Event is a status line decoded from the clock. Only Decode produces them.
type Event interface {
	isEvent()
}

// Ack is a positive status line, e.g. "OK:TIME_SYNCED".
type Ack struct {
	Message string
}

// Error is a negative status line, e.g. "ERR:INVALID_ALARM_ID".
type Error struct {
	Message string
}

// AlarmFired reports that the alarm in Slot went off.
type AlarmFired struct {
	Slot int
}

func (Ack) isEvent()        {}
func (Error) isEvent()      {}
func (AlarmFired) isEvent() {}

// Decode classifies one inbound message. The transport delivers each
// notification as a whole message and Decode does no reassembly across
// chunks; a message split by the transport decodes as garbage. Trailing line
// terminators are ignored. ok is false for lines that match no known prefix.
func Decode(chunk []byte) (ev Event, ok bool) {
	line := strings.TrimRight(string(chunk), "\r\n\x00 \t")

	switch {
	case strings.HasPrefix(line, ackPrefix):
		return Ack{Message: line[len(ackPrefix):]}, true
	case strings.HasPrefix(line, errPrefix):
		return Error{Message: line[len(errPrefix):]}, true
	case strings.HasPrefix(line, alarmPrefix):
		slot, err := strconv.Atoi(line[len(alarmPrefix):])
		if err != nil || slot < 0 {
			return nil, false
		}
		return AlarmFired{Slot: slot}, true
	}
	return nil, false
}
