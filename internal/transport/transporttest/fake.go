// Package transporttest provides a scriptable in-memory Transport.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/mil-ad/clockctl/internal/transport"
)

// Fake records every Open and Send. Queue results with FailNextOpen or
// BlockOpen; by default Open succeeds immediately.
type Fake struct {
	mu        sync.Mutex
	opens     int
	openErrs  []error
	block     chan struct{}
	sendErr   error
	dropOpen  bool
	conns     []*Conn
	openedCh  chan *Conn
	attemptCh chan struct{}
}

func New() *Fake {
	return &Fake{
		openedCh:  make(chan *Conn, 32),
		attemptCh: make(chan struct{}, 32),
	}
}

// FailNextOpen makes the next Open return err.
func (f *Fake) FailNextOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErrs = append(f.openErrs, err)
}

// BlockOpen makes Open wait until the returned release func is called or
// the Open context ends.
func (f *Fake) BlockOpen() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.block = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// DropNextOpen makes the next successful Open lose its link before it
// returns, as a port that hits EOF immediately would.
func (f *Fake) DropNextOpen() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropOpen = true
}

// FailSends makes every Send on current and future conns return err.
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Opens returns how many times Open was called.
func (f *Fake) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Attempts delivers a value each time Open is entered.
func (f *Fake) Attempts() <-chan struct{} { return f.attemptCh }

// Opened delivers each successfully opened Conn.
func (f *Fake) Opened() <-chan *Conn { return f.openedCh }

// Last returns the most recently opened Conn, or nil.
func (f *Fake) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// Sent returns every payload written across all conns, in order.
func (f *Fake) Sent() []string {
	f.mu.Lock()
	conns := append([]*Conn(nil), f.conns...)
	f.mu.Unlock()
	var out []string
	for _, c := range conns {
		out = append(out, c.Sent()...)
	}
	return out
}

func (f *Fake) Open(ctx context.Context, filter transport.Filter, h transport.Handlers) (transport.Conn, error) {
	f.mu.Lock()
	f.opens++
	block := f.block
	f.block = nil
	var err error
	if len(f.openErrs) > 0 {
		err = f.openErrs[0]
		f.openErrs = f.openErrs[1:]
	}
	f.mu.Unlock()
	f.attemptCh <- struct{}{}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &transport.ConnectionError{Op: "open", Err: ctx.Err()}
		}
	}
	if err != nil {
		var cerr *transport.ConnectionError
		if !errors.As(err, &cerr) {
			err = &transport.ConnectionError{Op: "open", Err: err}
		}
		return nil, err
	}

	c := &Conn{fake: f, h: h, peer: transport.Peer{Address: "fake", Name: filter.Address}}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	drop := f.dropOpen
	f.dropOpen = false
	f.mu.Unlock()
	if drop {
		c.Drop()
	}
	f.openedCh <- c
	return c, nil
}

// Conn is a fake link.
type Conn struct {
	fake *Fake
	h    transport.Handlers
	peer transport.Peer

	mu     sync.Mutex
	sent   []string
	closed bool
	once   sync.Once
}

func (c *Conn) Peer() transport.Peer { return c.peer }

func (c *Conn) Send(_ context.Context, b []byte) error {
	c.fake.mu.Lock()
	sendErr := c.fake.sendErr
	c.fake.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &transport.TransportError{Op: "write", Err: transport.ErrClosed}
	}
	if sendErr != nil {
		return &transport.TransportError{Op: "write", Err: sendErr}
	}
	c.sent = append(c.sent, string(b))
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.lost(nil)
	return nil
}

// Closed reports whether Close was called or the link was dropped.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns the payloads written on this conn.
func (c *Conn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// Receive simulates an inbound notification.
func (c *Conn) Receive(chunk string) {
	if c.h.OnReceive != nil {
		c.h.OnReceive([]byte(chunk))
	}
}

// Drop simulates the peer going away.
func (c *Conn) Drop() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.lost(errors.New("peer disconnected"))
}

func (c *Conn) lost(err error) {
	c.once.Do(func() {
		if c.h.OnDisconnected != nil {
			c.h.OnDisconnected(err)
		}
	})
}
