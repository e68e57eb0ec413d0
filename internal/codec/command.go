// Package codec converts clock commands to their framed ASCII wire form and
// classifies the status lines the clock sends back.
package codec

import (
	"fmt"
	"strings"
)

const (
	// SlotCount is the number of alarm slots the clock exposes.
	SlotCount = 3
	// MaxBrightness is the top of the brightness scale.
	MaxBrightness = 100
	// MaxMelody bounds melody ids so they fit the firmware's byte field.
	MaxMelody = 255
)

// MelodyNames are the melodies shipped with the stock firmware, by id.
var MelodyNames = []string{"Default", "Birthday", "Alarm", "Notification"}

// MelodyName returns a display name for a melody id.
func MelodyName(id int) string {
	if id >= 0 && id < len(MelodyNames) {
		return MelodyNames[id]
	}
	return fmt.Sprintf("Melody %d", id)
}

// TextMode selects how custom text is shown.
type TextMode int

const (
	TextScroll TextMode = 0
	TextStatic TextMode = 1
)

func (m TextMode) String() string {
	switch m {
	case TextScroll:
		return "scroll"
	case TextStatic:
		return "static"
	}
	return fmt.Sprintf("TextMode(%d)", int(m))
}

// Command is a single instruction for the clock. Implementations are plain
// values; Validate must succeed before the command is put on the wire.
type Command interface {
	// Validate reports out-of-range fields as a *ValidationError.
	Validate() error
	payload() string
}

// SyncTime sets the clock to the given unix time.
type SyncTime struct {
	Unix int64
}

// SetAlarm programs one alarm slot.
type SetAlarm struct {
	Slot    int
	Hour    int
	Minute  int
	Enabled bool
	Melody  int
}

// ClearAlarm resets one alarm slot to empty.
type ClearAlarm struct {
	Slot int
}

// SetText shows custom text. Text is sent verbatim.
type SetText struct {
	Mode TextMode
	Text string
}

// ShowTime switches the display back to the clock face.
type ShowTime struct{}

// ShowText switches the display to the last custom text.
type ShowText struct{}

// PlayMelody starts a melody.
type PlayMelody struct {
	ID int
}

// StopMelody stops whatever is playing.
type StopMelody struct{}

// SetBrightness sets the display brightness, 0-100.
type SetBrightness struct {
	Level int
}

func (c SyncTime) Validate() error {
	if c.Unix < 0 {
		return invalid("unix", c.Unix, "must not be negative")
	}
	return nil
}

func (c SetAlarm) Validate() error {
	if err := validateSlot(c.Slot); err != nil {
		return err
	}
	if c.Hour < 0 || c.Hour > 23 {
		return invalid("hour", c.Hour, "must be within [0, 23]")
	}
	if c.Minute < 0 || c.Minute > 59 {
		return invalid("minute", c.Minute, "must be within [0, 59]")
	}
	return validateMelody(c.Melody)
}

func (c ClearAlarm) Validate() error { return validateSlot(c.Slot) }

func (c SetText) Validate() error {
	if c.Mode != TextScroll && c.Mode != TextStatic {
		return invalid("mode", int(c.Mode), "must be scroll (0) or static (1)")
	}
	if strings.TrimSpace(c.Text) == "" {
		return invalid("text", c.Text, "must not be empty")
	}
	return nil
}

func (ShowTime) Validate() error   { return nil }
func (ShowText) Validate() error   { return nil }
func (StopMelody) Validate() error { return nil }

func (c PlayMelody) Validate() error { return validateMelody(c.ID) }

func (c SetBrightness) Validate() error {
	if c.Level < 0 || c.Level > MaxBrightness {
		return invalid("level", c.Level, fmt.Sprintf("must be within [0, %d]", MaxBrightness))
	}
	return nil
}

func (c SyncTime) payload() string { return fmt.Sprintf("TIME:%d", c.Unix) }

func (c SetAlarm) payload() string {
	return fmt.Sprintf("ALARM:%d,%02d,%02d,%d,%d", c.Slot, c.Hour, c.Minute, boolDigit(c.Enabled), c.Melody)
}

func (c ClearAlarm) payload() string { return fmt.Sprintf("ALARM:%d,00,00,0,0", c.Slot) }

// The text is not escaped: commas and angle brackets go out as-is and the
// firmware parser will misread them.
func (c SetText) payload() string { return fmt.Sprintf("TEXT:%d,%s", int(c.Mode), c.Text) }

func (ShowTime) payload() string   { return "MODE:TIME" }
func (ShowText) payload() string   { return "MODE:TEXT" }
func (StopMelody) payload() string { return "MUSIC:0,0" }

func (c PlayMelody) payload() string    { return fmt.Sprintf("MUSIC:1,%d", c.ID) }
func (c SetBrightness) payload() string { return fmt.Sprintf("BRIGHTNESS:%d", c.Level) }

// Encode validates cmd and returns its framed wire form, `<payload>`.
func Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, invalid("command", nil, "must not be nil")
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return []byte("<" + cmd.payload() + ">"), nil
}

// Name returns a short label for cmd, used in logs and selftest output.
func Name(cmd Command) string {
	switch cmd.(type) {
	case SyncTime:
		return "sync-time"
	case SetAlarm:
		return "set-alarm"
	case ClearAlarm:
		return "clear-alarm"
	case SetText:
		return "set-text"
	case ShowTime:
		return "show-time"
	case ShowText:
		return "show-text"
	case PlayMelody:
		return "play-melody"
	case StopMelody:
		return "stop-melody"
	case SetBrightness:
		return "set-brightness"
	}
	return fmt.Sprintf("%T", cmd)
}

func validateSlot(slot int) error {
	if slot < 0 || slot >= SlotCount {
		return invalid("slot", slot, fmt.Sprintf("must be within [0, %d]", SlotCount-1))
	}
	return nil
}

func validateMelody(id int) error {
	if id < 0 || id > MaxMelody {
		return invalid("melody", id, fmt.Sprintf("must be within [0, %d]", MaxMelody))
	}
	return nil
}

func boolDigit(b bool) int {
	if b {
		return 1
	}
	return 0
}
