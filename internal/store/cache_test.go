package store

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mil-ad/clockctl/internal/codec"
)

func sampleState() State {
	var s State
	s.Alarms[0] = &Alarm{Hour: 7, Minute: 30, Enabled: true, Melody: 2}
	s.Alarms[2] = &Alarm{Hour: 23, Minute: 5, Enabled: false, Melody: 0}
	s.Brightness = IntPtr(40)
	return s
}

func TestLoadDefaultsWhenEmpty(t *testing.T) {
	c := NewCache(NewMemoryKV(), zerolog.Nop())
	st, err := c.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), st)
	assert.Len(t, st.Alarms, codec.SlotCount)
	assert.Nil(t, st.Brightness)
}

func TestPutSurvivesRestart(t *testing.T) {
	kv := NewMemoryKV()
	want := sampleState()
	require.NoError(t, NewCache(kv, zerolog.Nop()).Put(want))

	fresh := NewCache(kv, zerolog.Nop())
	got, err := fresh.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, want, fresh.Get())
}

func TestSQLiteSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	want := sampleState()

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, NewCache(db, zerolog.Nop()).Put(want))
	require.NoError(t, db.Close())

	db, err = OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := NewCache(db, zerolog.Nop()).Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = db.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnsetBrightnessRoundTrips(t *testing.T) {
	kv := NewMemoryKV()
	s := sampleState()
	s.Brightness = nil
	require.NoError(t, NewCache(kv, zerolog.Nop()).Put(s))

	got, err := NewCache(kv, zerolog.Nop()).Load()
	require.NoError(t, err)
	assert.Nil(t, got.Brightness)
	assert.Equal(t, s, got)
}

func TestPersistedLayout(t *testing.T) {
	kv := NewMemoryKV()
	require.NoError(t, NewCache(kv, zerolog.Nop()).Put(sampleState()))

	raw, err := kv.Get(AlarmsKey)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"id":0,"hour":7,"minute":30,"enabled":true,"melody":2},
		{"id":1,"hour":null,"minute":null,"enabled":false,"melody":0},
		{"id":2,"hour":23,"minute":5,"enabled":false,"melody":0}
	]`, string(raw))

	raw, err = kv.Get(BrightnessKey)
	require.NoError(t, err)
	assert.Equal(t, "40", string(raw))
}

func TestLoadFallsBackOnUnknownShape(t *testing.T) {
	kv := NewMemoryKV()
	kv.Set(AlarmsKey, []byte(`{"version":2,"alarms":[]}`))
	kv.Set(BrightnessKey, []byte("bright"))

	got, err := NewCache(kv, zerolog.Nop()).Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), got)
}

func TestLoadRejectsWrongSlotCount(t *testing.T) {
	kv := NewMemoryKV()
	kv.Set(AlarmsKey, []byte(`[{"id":0,"hour":1,"minute":2,"enabled":true,"melody":0}]`))
	kv.Set(BrightnessKey, []byte("55"))

	got, err := NewCache(kv, zerolog.Nop()).Load()
	require.NoError(t, err)
	assert.Equal(t, [codec.SlotCount]*Alarm{}, got.Alarms)
	require.NotNil(t, got.Brightness)
	assert.Equal(t, 55, *got.Brightness)
}

func TestLoadRejectsOutOfRangeSlot(t *testing.T) {
	kv := NewMemoryKV()
	kv.Set(AlarmsKey, []byte(`[
		{"id":0,"hour":25,"minute":0,"enabled":true,"melody":0},
		{"id":1,"hour":null,"minute":null,"enabled":false,"melody":0},
		{"id":2,"hour":null,"minute":null,"enabled":false,"melody":0}
	]`))
	got, err := NewCache(kv, zerolog.Nop()).Load()
	require.NoError(t, err)
	assert.Nil(t, got.Alarms[0])
}

func TestPutRejectsInvalid(t *testing.T) {
	kv := NewMemoryKV()
	c := NewCache(kv, zerolog.Nop())

	s := sampleState()
	s.Brightness = IntPtr(150)
	assert.ErrorIs(t, c.Put(s), codec.ErrValidation)

	s = sampleState()
	s.Alarms[1] = &Alarm{Hour: 12, Minute: 61}
	assert.ErrorIs(t, c.Put(s), codec.ErrValidation)

	assert.Equal(t, 0, kv.Writes())
	assert.Equal(t, Default(), c.Get())
}

func TestPutSkipsUnchanged(t *testing.T) {
	kv := NewMemoryKV()
	c := NewCache(kv, zerolog.Nop())
	require.NoError(t, c.Put(sampleState()))
	require.NoError(t, c.Put(sampleState()))
	assert.Equal(t, 1, kv.Writes())
}

func TestGetReturnsCopy(t *testing.T) {
	c := NewCache(NewMemoryKV(), zerolog.Nop())
	require.NoError(t, c.Put(sampleState()))

	got := c.Get()
	got.Alarms[0].Hour = 1
	*got.Brightness = 99
	assert.Equal(t, sampleState(), c.Get())
}

func TestStateCommand(t *testing.T) {
	s := sampleState()
	assert.Equal(t, codec.SetAlarm{Slot: 0, Hour: 7, Minute: 30, Enabled: true, Melody: 2}, s.Command(0))
	assert.Equal(t, codec.ClearAlarm{Slot: 1}, s.Command(1))
}
