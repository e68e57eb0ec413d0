// Package link owns the connection to the clock: the connect/disconnect
// state machine, the single automatic reconnect after a drop, outbound
// commands, and dispatch of inbound status lines to subscribers.
//
// All session state is touched only by one loop goroutine. Public methods
// queue work onto that loop and wait for it, so commands are encoded and
// written one at a time and never race with inbound handling.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mil-ad/clockctl/internal/codec"
	"github.com/mil-ad/clockctl/internal/store"
	"github.com/mil-ad/clockctl/internal/transport"
)

// DefaultReconnectDelay is how long after a drop the reconnect fires.
const DefaultReconnectDelay = 3 * time.Second

var (
	ErrNotConnected = errors.New("not connected to device")
	ErrInvalidState = errors.New("invalid in current connection state")
	ErrClosed       = errors.New("session closed")
)

// Config is the immutable configuration of a Session.
type Config struct {
	Service        uuid.UUID
	Characteristic uuid.UUID
	// Address optionally pins the peer.
	Address        string
	ReconnectDelay time.Duration
	// CommandTimeout bounds each write. Zero means no limit.
	CommandTimeout time.Duration
	// ResyncOnConnect replays the cached state every time the link comes up.
	ResyncOnConnect bool
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces the wall clock, used by tests to drive the reconnect timer.
func WithClock(c clockwork.Clock) Option { return func(s *Session) { s.clock = c } }

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Session) { s.log = l } }

// Session is the single owner of the device link.
type Session struct {
	cfg   Config
	tr    transport.Transport
	cache *store.Cache
	clock clockwork.Clock
	log   zerolog.Logger
	disp  *dispatcher

	ctx       context.Context
	cancel    context.CancelFunc
	tasks     chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	state         State
	conn          transport.Conn
	gen           uint64
	connectCancel context.CancelFunc
	// earlyDrop is a loss reported by the attempt in flight before Open
	// returned.
	earlyDrop     error
	reconnect     clockwork.Timer
	reconnectSeq  uint64
}

// New starts a Session in the Disconnected state. Close releases it.
func New(cfg Config, tr transport.Transport, cache *store.Cache, opts ...Option) *Session {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	s := &Session{
		cfg:     cfg,
		tr:      tr,
		cache:   cache,
		clock:   clockwork.NewRealClock(),
		log:     zerolog.Nop(),
		tasks:   make(chan func(), 64),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "link").Logger()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.disp = newDispatcher()
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

// post queues fn on the loop. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.tasks <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(fn func() error) error {
	done := make(chan error, 1)
	if !s.post(func() { done <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-s.stopped:
		return ErrClosed
	}
}

// Close disconnects, cancels any pending reconnect and stops the session.
// Queued subscriber events are delivered before Close returns.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.stopped
		s.disp.close()
	})
	return nil
}

func (s *Session) shutdown() {
	s.stopReconnect()
	if s.state != Disconnected {
		s.teardown()
		s.setState(ConnectionEvent{State: Disconnected, Reason: ReasonVoluntary})
	}
	s.cancel()
}

// Subscribe registers sub for all future events.
func (s *Session) Subscribe(sub Subscriber) (unsubscribe func()) {
	return s.disp.subscribe(sub)
}

// State returns the current connection state.
func (s *Session) State() State {
	var st State
	if err := s.call(func() error { st = s.state; return nil }); err != nil {
		return Disconnected
	}
	return st
}

// Snapshot returns the cached device state.
func (s *Session) Snapshot() store.State {
	return s.cache.Get()
}

// Connect starts a connection attempt. It is only valid while Disconnected
// and returns once the session is Connecting; the outcome is reported to
// subscribers. A failed attempt is never retried automatically.
func (s *Session) Connect() error {
	return s.call(func() error {
		if s.state != Disconnected {
			return fmt.Errorf("%w: connect while %s", ErrInvalidState, s.state)
		}
		s.startConnect(false)
		return nil
	})
}

// Disconnect closes the link, or abandons an attempt in progress. While
// Disconnected it only cancels a pending automatic reconnect.
func (s *Session) Disconnect() error {
	return s.call(func() error {
		if s.state == Disconnected {
			if s.reconnect != nil {
				s.stopReconnect()
				s.log.Info().Msg("pending reconnect cancelled")
				return nil
			}
			return fmt.Errorf("%w: already disconnected", ErrInvalidState)
		}
		s.stopReconnect()
		s.teardown()
		s.setState(ConnectionEvent{State: Disconnected, Reason: ReasonVoluntary})
		return nil
	})
}

// Send validates, encodes and writes cmd. It does not wait for an Ack; any
// Ack or Error line arrives later through the subscribers.
func (s *Session) Send(cmd codec.Command) error {
	if cmd == nil {
		return &codec.ValidationError{Field: "command", Reason: "must not be nil"}
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	return s.call(func() error { return s.send(cmd) })
}

// SyncTime sends the current time.
func (s *Session) SyncTime() error {
	return s.Send(codec.SyncTime{Unix: s.clock.Now().Unix()})
}

// SetAlarm programs slot as an enabled alarm and caches it.
func (s *Session) SetAlarm(slot, hour, minute, melody int) error {
	cmd := codec.SetAlarm{Slot: slot, Hour: hour, Minute: minute, Enabled: true, Melody: melody}
	if err := cmd.Validate(); err != nil {
		return err
	}
	return s.call(func() error {
		if err := s.send(cmd); err != nil {
			return err
		}
		st := s.cache.Get()
		st.Alarms[slot] = &store.Alarm{Hour: hour, Minute: minute, Enabled: true, Melody: melody}
		return s.persist(st)
	})
}

// ToggleAlarm flips the enabled flag of a populated slot, keeping its time
// and melody from the cache.
func (s *Session) ToggleAlarm(slot int) error {
	if err := (codec.ClearAlarm{Slot: slot}).Validate(); err != nil {
		return err
	}
	return s.call(func() error {
		st := s.cache.Get()
		cur := st.Alarms[slot]
		if cur == nil {
			return &codec.ValidationError{Field: "slot", Value: slot, Reason: "is empty"}
		}
		next := *cur
		next.Enabled = !next.Enabled
		st.Alarms[slot] = &next
		if err := s.send(st.Command(slot)); err != nil {
			return err
		}
		return s.persist(st)
	})
}

// ClearAlarm empties slot on the device and in the cache.
func (s *Session) ClearAlarm(slot int) error {
	cmd := codec.ClearAlarm{Slot: slot}
	if err := cmd.Validate(); err != nil {
		return err
	}
	return s.call(func() error {
		if err := s.send(cmd); err != nil {
			return err
		}
		st := s.cache.Get()
		st.Alarms[slot] = nil
		return s.persist(st)
	})
}

// SetBrightness sets and caches the display brightness.
func (s *Session) SetBrightness(level int) error {
	cmd := codec.SetBrightness{Level: level}
	if err := cmd.Validate(); err != nil {
		return err
	}
	return s.call(func() error {
		if err := s.send(cmd); err != nil {
			return err
		}
		st := s.cache.Get()
		st.Brightness = &level
		return s.persist(st)
	})
}

// Resync replays the cached alarms and brightness, plus the current time,
// onto the device.
func (s *Session) Resync() error {
	return s.call(func() error {
		if s.state != Connected {
			return ErrNotConnected
		}
		if err := s.resync(); err != nil {
			s.linkLost(err)
			return err
		}
		return nil
	})
}

func (s *Session) persist(st store.State) error {
	if err := s.cache.Put(st); err != nil {
		s.log.Error().Err(err).Msg("persist state")
		return err
	}
	return nil
}

// send runs on the loop. A failed write is an involuntary loss.
func (s *Session) send(cmd codec.Command) error {
	if s.state != Connected || s.conn == nil {
		return ErrNotConnected
	}
	if err := s.write(cmd); err != nil {
		s.linkLost(err)
		return err
	}
	return nil
}

// write encodes cmd and puts it on the current link.
func (s *Session) write(cmd codec.Command) error {
	b, err := codec.Encode(cmd)
	if err != nil {
		return err
	}

	ctx := s.ctx
	if s.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CommandTimeout)
		defer cancel()
	}
	if err := s.conn.Send(ctx, b); err != nil {
		s.log.Warn().Err(err).Str("command", codec.Name(cmd)).Msg("write failed")
		return err
	}
	s.log.Debug().Str("command", codec.Name(cmd)).Bytes("frame", b).Msg("sent")
	return nil
}

func (s *Session) setState(ev ConnectionEvent) {
	s.state = ev.State
	e := s.log.Info()
	if ev.Err != nil {
		e = s.log.Warn().Err(ev.Err)
	}
	e.Str("state", ev.State.String()).
		Str("reason", ev.Reason.String()).
		Bool("auto", ev.Auto).
		Msg("connection changed")
	s.disp.emit(func(sub Subscriber) { sub.OnConnectionChanged(ev) })
}

func (s *Session) startConnect(auto bool) {
	s.stopReconnect()
	s.gen++
	gen := s.gen
	s.earlyDrop = nil
	ctx, cancel := context.WithCancel(s.ctx)
	s.connectCancel = cancel
	s.setState(ConnectionEvent{State: Connecting, Auto: auto})

	filter := transport.Filter{
		Service:        s.cfg.Service,
		Characteristic: s.cfg.Characteristic,
		Address:        s.cfg.Address,
	}
	handlers := transport.Handlers{
		OnReceive: func(chunk []byte) {
			s.post(func() { s.receive(gen, chunk) })
		},
		// Close may fire this on the loop goroutine itself, so it must not
		// block. Queued directly it stays ordered before connectDone.
		OnDisconnected: func(err error) {
			task := func() { s.dropped(gen, err) }
			select {
			case s.tasks <- task:
			default:
				go s.post(task)
			}
		},
	}
	go func() {
		conn, err := s.tr.Open(ctx, filter, handlers)
		if !s.post(func() { s.connectDone(gen, auto, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Session) connectDone(gen uint64, auto bool, conn transport.Conn, err error) {
	if gen != s.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.connectCancel()
		s.connectCancel = nil
		s.setState(ConnectionEvent{State: Disconnected, Reason: ReasonConnectFailed, Auto: auto, Err: err})
		return
	}
	s.conn = conn
	if s.earlyDrop != nil {
		s.failAttempt(auto, s.earlyDrop)
		return
	}
	// Connected before the resync so writes are allowed; subscribers hear
	// about it only once the device accepted the replay.
	s.state = Connected
	if s.cfg.ResyncOnConnect {
		if err := s.resync(); err != nil {
			s.log.Warn().Err(err).Msg("resync aborted")
			s.failAttempt(auto, err)
			return
		}
	}
	s.setState(ConnectionEvent{State: Connected, Auto: auto, Peer: conn.Peer()})
}

// failAttempt abandons a link that came up but is unusable. Like any failed
// attempt it is not retried.
func (s *Session) failAttempt(auto bool, cause error) {
	s.teardown()
	s.setState(ConnectionEvent{State: Disconnected, Reason: ReasonConnectFailed, Auto: auto, Err: cause})
}

// resync replays the cached configuration onto the device.
func (s *Session) resync() error {
	st := s.cache.Get()
	cmds := []codec.Command{codec.SyncTime{Unix: s.clock.Now().Unix()}}
	for i := range st.Alarms {
		cmds = append(cmds, st.Command(i))
	}
	if st.Brightness != nil {
		cmds = append(cmds, codec.SetBrightness{Level: *st.Brightness})
	}
	for _, c := range cmds {
		if err := s.write(c); err != nil {
			return fmt.Errorf("resync %s: %w", codec.Name(c), err)
		}
	}
	s.log.Debug().Int("commands", len(cmds)).Msg("resynced device")
	return nil
}

func (s *Session) receive(gen uint64, chunk []byte) {
	if gen != s.gen {
		return
	}
	ev, ok := codec.Decode(chunk)
	if !ok {
		s.log.Debug().Bytes("line", chunk).Msg("unrecognized line")
		return
	}
	switch ev := ev.(type) {
	case codec.Ack:
		s.disp.emit(func(sub Subscriber) { sub.OnAck(ev.Message) })
	case codec.Error:
		s.disp.emit(func(sub Subscriber) { sub.OnError(ev.Message) })
	case codec.AlarmFired:
		s.log.Info().Int("slot", ev.Slot).Msg("alarm fired")
		s.disp.emit(func(sub Subscriber) { sub.OnAlarmFired(ev.Slot) })
	}
}

func (s *Session) dropped(gen uint64, err error) {
	if gen != s.gen {
		return
	}
	if err == nil {
		err = errors.New("link lost")
	}
	switch s.state {
	case Connecting:
		s.earlyDrop = err
	case Connected:
		s.linkLost(err)
	}
}

// linkLost handles an involuntary loss while Connected.
func (s *Session) linkLost(cause error) {
	s.teardown()
	s.setState(ConnectionEvent{State: Disconnected, Reason: ReasonInvoluntary, Err: cause})
	s.scheduleReconnect()
}

// teardown drops the current link or attempt. Bumping gen makes any late
// callbacks from it stale.
func (s *Session) teardown() {
	s.gen++
	if s.connectCancel != nil {
		s.connectCancel()
		s.connectCancel = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close link")
		}
		s.conn = nil
	}
}

func (s *Session) scheduleReconnect() {
	s.stopReconnect()
	seq := s.reconnectSeq
	s.log.Info().Dur("delay", s.cfg.ReconnectDelay).Msg("reconnect scheduled")
	s.reconnect = s.clock.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.post(func() { s.reconnectDue(seq) })
	})
}

func (s *Session) stopReconnect() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	s.reconnectSeq++
}

func (s *Session) reconnectDue(seq uint64) {
	if seq != s.reconnectSeq || s.reconnect == nil {
		return
	}
	s.reconnect = nil
	if s.state != Disconnected {
		return
	}
	s.startConnect(true)
}
