package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	h, m, err := parseClock("07:05")
	require.NoError(t, err)
	assert.Equal(t, 7, h)
	assert.Equal(t, 5, m)

	h, m, err = parseClock("23:59")
	require.NoError(t, err)
	assert.Equal(t, 23, h)
	assert.Equal(t, 59, m)

	for _, bad := range []string{"", "7", "24:00", "12:60", "aa:10", "10:-1"} {
		_, _, err := parseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestPrintAlarms(t *testing.T) {
	var buf bytes.Buffer
	printAlarms(&buf, []AlarmView{
		{Slot: 0, Time: "06:30", Enabled: true, Melody: 1, Name: "Birthday"},
		{Slot: 1, Empty: true},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "06:30")
	assert.Contains(t, lines[1], "1 (Birthday)")
	assert.Contains(t, lines[2], "--:--")
}
