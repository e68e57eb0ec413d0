package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"sync time", SyncTime{Unix: 1700000000}, "<TIME:1700000000>"},
		{"set alarm", SetAlarm{Slot: 1, Hour: 7, Minute: 30, Enabled: true, Melody: 2}, "<ALARM:1,07,30,1,2>"},
		{"set alarm disabled", SetAlarm{Slot: 0, Hour: 8, Minute: 5, Melody: 0}, "<ALARM:0,08,05,0,0>"},
		{"clear alarm", ClearAlarm{Slot: 2}, "<ALARM:2,00,00,0,0>"},
		{"scroll text", SetText{Mode: TextScroll, Text: "Hello Arduino!"}, "<TEXT:0,Hello Arduino!>"},
		{"static text verbatim", SetText{Mode: TextStatic, Text: "a,b<c>"}, "<TEXT:1,a,b<c>>"},
		{"show time", ShowTime{}, "<MODE:TIME>"},
		{"show text", ShowText{}, "<MODE:TEXT>"},
		{"play melody", PlayMelody{ID: 3}, "<MUSIC:1,3>"},
		{"stop melody", StopMelody{}, "<MUSIC:0,0>"},
		{"brightness", SetBrightness{Level: 100}, "<BRIGHTNESS:100>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		cmd   Command
		field string
	}{
		{"brightness too high", SetBrightness{Level: 150}, "level"},
		{"brightness negative", SetBrightness{Level: -1}, "level"},
		{"slot too high", SetAlarm{Slot: 3, Hour: 1}, "slot"},
		{"clear slot negative", ClearAlarm{Slot: -1}, "slot"},
		{"hour", SetAlarm{Slot: 0, Hour: 24}, "hour"},
		{"minute", SetAlarm{Slot: 0, Minute: 60}, "minute"},
		{"melody", PlayMelody{ID: -2}, "melody"},
		{"empty text", SetText{Text: "   "}, "text"},
		{"text mode", SetText{Mode: 7, Text: "x"}, "mode"},
		{"negative time", SyncTime{Unix: -5}, "unix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Encode(tt.cmd)
			require.Error(t, err)
			assert.Nil(t, out)
			assert.True(t, errors.Is(err, ErrValidation))

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestEncodeNil(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		in   string
		want Event
	}{
		{"OK:synced", Ack{Message: "synced"}},
		{"OK:TIME_SYNCED\r\n", Ack{Message: "TIME_SYNCED"}},
		{"OK:", Ack{Message: ""}},
		{"ERR:busy", Error{Message: "busy"}},
		{"ERR:INVALID_ALARM_ID\n", Error{Message: "INVALID_ALARM_ID"}},
		{"EVENT:ALARM_2", AlarmFired{Slot: 2}},
		{"EVENT:ALARM_0\r\n", AlarmFired{Slot: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := Decode([]byte(tt.in))
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeUnrecognized(t *testing.T) {
	for _, in := range []string{"garbage", "", "ok:lowercase", "EVENT:ALARM_", "EVENT:ALARM_x", "EVENT:ALARM_-1", "EVENT:OTHER"} {
		ev, ok := Decode([]byte(in))
		assert.False(t, ok, "input %q", in)
		assert.Nil(t, ev, "input %q", in)
	}
}

func TestMelodyName(t *testing.T) {
	assert.Equal(t, "Birthday", MelodyName(1))
	assert.Equal(t, "Melody 9", MelodyName(9))
}
