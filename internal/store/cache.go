package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mil-ad/clockctl/internal/codec"
)

// Keys the cache persists under. The layout matches what the web dashboard
// keeps in localStorage, so exported blobs stay interchangeable.
const (
	AlarmsKey     = "dgtClockAlarms"
	BrightnessKey = "dgtClockBrightness"
)

type slotRecord struct {
	ID      int  `json:"id"`
	Hour    *int `json:"hour"`
	Minute  *int `json:"minute"`
	Enabled bool `json:"enabled"`
	Melody  int  `json:"melody"`
}

// Cache is the in-memory copy of State plus its durable KV mirror. Put
// replaces the whole State; callers merge before calling it.
//
// There is no schema version. A blob that does not decode into the current
// shape is ignored by Load and that part of the state falls back to the
// default.
type Cache struct {
	kv  KV
	log zerolog.Logger

	mu  sync.Mutex
	cur State
}

func NewCache(kv KV, log zerolog.Logger) *Cache {
	return &Cache{kv: kv, log: log.With().Str("component", "store").Logger()}
}

// Get returns a copy of the current state.
func (c *Cache) Get() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur.Clone()
}

// Put validates s, writes it through to the KV and makes it current. A state
// equal to the current one is not rewritten.
func (c *Cache) Put(s State) error {
	if err := validate(s); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Equal(c.cur) {
		return nil
	}

	entries, err := encode(s)
	if err != nil {
		return err
	}
	if err := c.kv.SetAll(entries); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	c.cur = s.Clone()
	return nil
}

// Load restores the persisted state and makes it current. Missing or
// unreadable values yield the default for that part; only backend failures
// are returned as errors.
func (c *Cache) Load() (State, error) {
	st := Default()

	raw, err := c.kv.Get(AlarmsKey)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return st, fmt.Errorf("load alarms: %w", err)
	default:
		alarms, err := decodeAlarms(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("ignoring persisted alarms")
		} else {
			st.Alarms = alarms
		}
	}

	raw, err = c.kv.Get(BrightnessKey)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return st, fmt.Errorf("load brightness: %w", err)
	case len(raw) == 0:
	default:
		level, err := strconv.Atoi(string(raw))
		if err != nil || (codec.SetBrightness{Level: level}).Validate() != nil {
			c.log.Warn().Str("value", string(raw)).Msg("ignoring persisted brightness")
		} else {
			st.Brightness = &level
		}
	}

	c.mu.Lock()
	c.cur = st.Clone()
	c.mu.Unlock()
	return st, nil
}

func validate(s State) error {
	for i := range s.Alarms {
		if err := s.Command(i).Validate(); err != nil {
			return err
		}
	}
	if s.Brightness != nil {
		return codec.SetBrightness{Level: *s.Brightness}.Validate()
	}
	return nil
}

func encode(s State) (map[string][]byte, error) {
	recs := make([]slotRecord, len(s.Alarms))
	for i, a := range s.Alarms {
		recs[i] = slotRecord{ID: i}
		if a != nil {
			h, m := a.Hour, a.Minute
			recs[i] = slotRecord{ID: i, Hour: &h, Minute: &m, Enabled: a.Enabled, Melody: a.Melody}
		}
	}
	blob, err := json.Marshal(recs)
	if err != nil {
		return nil, fmt.Errorf("encode alarms: %w", err)
	}
	brightness := []byte{}
	if s.Brightness != nil {
		brightness = []byte(strconv.Itoa(*s.Brightness))
	}
	return map[string][]byte{AlarmsKey: blob, BrightnessKey: brightness}, nil
}

func decodeAlarms(raw []byte) ([codec.SlotCount]*Alarm, error) {
	var out [codec.SlotCount]*Alarm
	var recs []slotRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return out, fmt.Errorf("decode alarms: %w", err)
	}
	if len(recs) != codec.SlotCount {
		return out, fmt.Errorf("decode alarms: want %d slots, got %d", codec.SlotCount, len(recs))
	}
	for i, r := range recs {
		if r.Hour == nil || r.Minute == nil {
			continue
		}
		a := &Alarm{Hour: *r.Hour, Minute: *r.Minute, Enabled: r.Enabled, Melody: r.Melody}
		cmd := codec.SetAlarm{Slot: i, Hour: a.Hour, Minute: a.Minute, Melody: a.Melody}
		if err := cmd.Validate(); err != nil {
			return [codec.SlotCount]*Alarm{}, fmt.Errorf("decode alarms: slot %d: %w", i, err)
		}
		out[i] = a
	}
	return out, nil
}
