package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mil-ad/clockctl/internal/codec"
	"github.com/mil-ad/clockctl/internal/link"
	"github.com/mil-ad/clockctl/internal/store"
	"github.com/mil-ad/clockctl/internal/transport"
)

func socketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "clockctl.sock")
}

// daemon is the presentation side of the link: it turns IPC requests into
// session intents and session events into log lines and watch streams.
type daemon struct {
	s   *link.Session
	log zerolog.Logger

	connectWait time.Duration
	replyWait   time.Duration

	mu   sync.Mutex
	peer string
}

func newDaemon(s *link.Session, log zerolog.Logger) *daemon {
	d := &daemon{
		s:           s,
		log:         log,
		connectWait: 45 * time.Second,
		replyWait:   1500 * time.Millisecond,
	}
	s.Subscribe(d)
	return d
}

func (d *daemon) OnConnectionChanged(ev link.ConnectionEvent) {
	d.mu.Lock()
	if ev.State == link.Connected {
		d.peer = ev.Peer.String()
	} else if ev.State == link.Disconnected {
		d.peer = ""
	}
	d.mu.Unlock()

	switch {
	case ev.State == link.Connected:
		d.log.Info().Str("peer", ev.Peer.String()).Msg("connected to clock")
	case ev.Reason == link.ReasonInvoluntary:
		d.log.Warn().Err(ev.Err).Msg("device disconnected, attempting to reconnect")
	case ev.Reason == link.ReasonConnectFailed:
		d.log.Error().Err(ev.Err).Msg("connection failed, make sure the device is paired and nearby")
	case ev.Reason == link.ReasonVoluntary:
		d.log.Info().Msg("disconnected from clock")
	}
}

func (d *daemon) OnAck(m string)   { d.log.Info().Str("reply", m).Msg("device ok") }
func (d *daemon) OnError(m string) { d.log.Warn().Str("reply", m).Msg("device error") }

func (d *daemon) OnAlarmFired(slot int) {
	d.log.Warn().Int("alarm", slot+1).Msg("alarm triggered")
}

func (d *daemon) status() IPCResponse {
	d.mu.Lock()
	peer := d.peer
	d.mu.Unlock()

	st := d.s.Snapshot()
	return IPCResponse{
		State:      d.s.State().String(),
		Peer:       peer,
		Alarms:     alarmViews(st),
		Brightness: st.Brightness,
	}
}

func alarmViews(st store.State) []AlarmView {
	out := make([]AlarmView, len(st.Alarms))
	for i, a := range st.Alarms {
		if a == nil {
			out[i] = AlarmView{Slot: i, Empty: true}
			continue
		}
		out[i] = AlarmView{
			Slot:    i,
			Time:    fmt.Sprintf("%02d:%02d", a.Hour, a.Minute),
			Enabled: a.Enabled,
			Melody:  a.Melody,
			Name:    codec.MelodyName(a.Melody),
		}
	}
	return out
}

// connect starts an attempt and waits for its outcome.
func (d *daemon) connect() IPCResponse {
	outcome := make(chan link.ConnectionEvent, 4)
	unsubscribe := d.s.Subscribe(link.Funcs{ConnectionChanged: func(ev link.ConnectionEvent) {
		if ev.State == link.Connecting {
			return
		}
		select {
		case outcome <- ev:
		default:
		}
	}})
	defer unsubscribe()

	if err := d.s.Connect(); err != nil {
		return IPCResponse{State: d.s.State().String(), Error: err.Error()}
	}
	select {
	case ev := <-outcome:
		resp := IPCResponse{State: ev.State.String()}
		if ev.State == link.Connected {
			resp.Peer = ev.Peer.String()
		}
		if ev.Err != nil {
			resp.Error = ev.Err.Error()
		}
		return resp
	case <-time.After(d.connectWait):
		return IPCResponse{State: d.s.State().String(), Error: "still connecting"}
	}
}

func (d *daemon) handleRequest(req IPCRequest) IPCResponse {
	var err error
	switch req.Command {
	case "status", "alarms":
		return d.status()
	case "connect":
		return d.connect()
	case "disconnect":
		err = d.s.Disconnect()
	case "sync-time":
		err = d.s.SyncTime()
	case "resync":
		err = d.s.Resync()
	case "alarm-set":
		err = d.s.SetAlarm(req.Slot, req.Hour, req.Minute, req.Melody)
	case "alarm-toggle":
		err = d.s.ToggleAlarm(req.Slot)
	case "alarm-clear":
		err = d.s.ClearAlarm(req.Slot)
	case "brightness":
		err = d.s.SetBrightness(req.Level)
	case "text":
		mode := codec.TextScroll
		if req.Static {
			mode = codec.TextStatic
		}
		err = d.s.Send(codec.SetText{Mode: mode, Text: req.Text})
	case "show-time":
		err = d.s.Send(codec.ShowTime{})
	case "show-text":
		err = d.s.Send(codec.ShowText{})
	case "play":
		err = d.s.Send(codec.PlayMelody{ID: req.Melody})
	case "stop":
		err = d.s.Send(codec.StopMelody{})
	case "selftest":
		steps, err := d.selftest()
		resp := d.status()
		resp.Steps = steps
		if err != nil {
			resp.Error = err.Error()
		}
		return resp
	default:
		return IPCResponse{Error: fmt.Sprintf("unknown command: %q", req.Command)}
	}

	resp := d.status()
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (d *daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp := IPCResponse{Error: "invalid request: " + err.Error()}
		json.NewEncoder(conn).Encode(resp)
		return
	}

	if req.Command == "watch" {
		d.watch(conn)
		return
	}
	resp := d.handleRequest(req)
	json.NewEncoder(conn).Encode(resp)
}

// watch streams session events to conn until the client goes away.
func (d *daemon) watch(conn net.Conn) {
	events := make(chan WatchEvent, 64)
	push := func(ev WatchEvent) {
		select {
		case events <- ev:
		default:
			d.log.Warn().Str("type", ev.Type).Msg("watch client too slow, dropping event")
		}
	}
	unsubscribe := d.s.Subscribe(link.Funcs{
		ConnectionChanged: func(ev link.ConnectionEvent) {
			push(WatchEvent{Type: "connection", State: ev.State.String(), Reason: ev.Reason.String(), Auto: ev.Auto, Message: errString(ev.Err)})
		},
		Ack:   func(m string) { push(WatchEvent{Type: "ack", Message: m}) },
		Error: func(m string) { push(WatchEvent{Type: "error", Message: m}) },
		AlarmFired: func(slot int) {
			push(WatchEvent{Type: "alarm", Slot: &slot})
		},
	})
	defer unsubscribe()

	gone := make(chan struct{})
	go func() {
		io.Copy(io.Discard, conn)
		close(gone)
	}()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(WatchEvent{Type: "connection", State: d.s.State().String()}); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case ev := <-events:
			if err := enc.Encode(ev); err != nil {
				return
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

func newTransport(cfg Config, log zerolog.Logger) (transport.Transport, func()) {
	if cfg.Transport == "serial" {
		return transport.NewSerial(cfg.Serial.Port, cfg.Serial.Baud, nil, log), func() {}
	}
	bz := transport.NewBlueZ(cfg.Adapter, nil, log)
	return bz, bz.Close
}

func runDaemon(cfg Config, addr string) error {
	log := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.StateDB), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	db, err := store.OpenSQLite(cfg.StateDB)
	if err != nil {
		return err
	}
	defer db.Close()
	cache := store.NewCache(db, log)
	if _, err := cache.Load(); err != nil {
		return err
	}

	tr, closeTransport := newTransport(cfg, log)
	defer closeTransport()

	s := link.New(cfg.linkConfig(addr), tr, cache, link.WithLogger(log))
	defer s.Close()
	d := newDaemon(s, log)

	sock := socketPath()
	os.Remove(sock) // remove stale socket
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	os.Chmod(sock, 0700)
	defer os.Remove(sock)
	defer ln.Close()

	if err := s.Connect(); err != nil {
		log.Error().Err(err).Msg("initial connect")
	}

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutting down")
		ln.Close()
	}()

	log.Info().Str("socket", sock).Msg("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed by shutdown goroutine.
			return nil
		}
		go d.handleConn(conn)
	}
}
