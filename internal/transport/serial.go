package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// DefaultBaudRate matches the clock firmware's UART setting.
const DefaultBaudRate = 9600

// Serial is a Transport over a serial port, e.g. an rfcomm device bound to
// an HC-05 module or the board's USB CDC port. The filter's service and
// characteristic identifiers do not apply; Filter.Address overrides Port.
type Serial struct {
	Port     string
	BaudRate int
	Selector Selector
	Log      zerolog.Logger

	// open is swapped in tests.
	open func(port string, mode *serial.Mode) (io.ReadWriteCloser, error)
}

// NewSerial returns a serial transport. An empty port means "ask Selector
// to choose among the ports present".
func NewSerial(port string, baud int, sel Selector, log zerolog.Logger) *Serial {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	if sel == nil {
		sel = FirstPeer
	}
	return &Serial{
		Port:     port,
		BaudRate: baud,
		Selector: sel,
		Log:      log.With().Str("transport", "serial").Logger(),
		open: func(port string, mode *serial.Mode) (io.ReadWriteCloser, error) {
			return serial.Open(port, mode)
		},
	}
}

func (t *Serial) Open(ctx context.Context, f Filter, h Handlers) (Conn, error) {
	port := f.Address
	if port == "" {
		port = t.Port
	}
	if port == "" {
		p, err := t.selectPort(ctx)
		if err != nil {
			return nil, selectionErr(err)
		}
		port = p
	}
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Op: "open " + port, Err: err}
	}

	rw, err := t.open(port, &serial.Mode{BaudRate: t.BaudRate})
	if err != nil {
		return nil, &ConnectionError{Op: "open " + port, Err: err}
	}
	c := newStreamConn(rw, Peer{Address: port}, h, t.Log.With().Str("port", port).Logger())
	t.Log.Info().Str("port", port).Int("baud", t.BaudRate).Msg("link open")
	return c, nil
}

func (t *Serial) selectPort(ctx context.Context) (string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		return "", ErrNoPeer
	}
	peers := make([]Peer, len(ports))
	for i, p := range ports {
		peers[i] = Peer{Address: p}
	}
	picked, err := t.Selector(ctx, peers)
	if err != nil {
		return "", err
	}
	return picked.Address, nil
}

// streamConn adapts a byte stream to message chunks. A stream has no
// notification boundaries, so each newline-terminated line is one chunk.
type streamConn struct {
	rw   io.ReadWriteCloser
	peer Peer
	h    Handlers
	log  zerolog.Logger

	wmu    sync.Mutex
	mu     sync.Mutex
	closed bool
	once   sync.Once
	done   chan struct{}
}

func newStreamConn(rw io.ReadWriteCloser, peer Peer, h Handlers, log zerolog.Logger) *streamConn {
	c := &streamConn{rw: rw, peer: peer, h: h, log: log, done: make(chan struct{})}
	go c.readLoop()
	return c
}

func (c *streamConn) Peer() Peer { return c.peer }

func (c *streamConn) readLoop() {
	defer close(c.done)
	sc := bufio.NewScanner(c.rw)
	for sc.Scan() {
		line := bytes.TrimRight(sc.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		if c.h.OnReceive != nil {
			chunk := make([]byte, len(line))
			copy(chunk, line)
			c.h.OnReceive(chunk)
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.mu.Lock()
	local := c.closed
	c.mu.Unlock()
	if local {
		err = nil
	} else {
		c.log.Warn().Err(err).Msg("read loop ended")
	}
	c.release(err)
}

func (c *streamConn) Send(ctx context.Context, b []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &TransportError{Op: "write", Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "write", Err: err}
	}

	if ctx.Done() == nil {
		return c.write(b)
	}
	// A stuck write is only interrupted by closing the port, which also
	// ends the link.
	done := make(chan error, 1)
	go func() { done <- c.write(b) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.release(ctx.Err())
		return &TransportError{Op: "write", Err: ctx.Err()}
	}
}

func (c *streamConn) write(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rw.Write(b); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *streamConn) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return nil
	}
	err := c.rw.Close()
	if errors.Is(err, io.ErrClosedPipe) {
		err = nil
	}
	c.release(nil)
	return err
}

// release fires OnDisconnected once.
func (c *streamConn) release(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if cause != nil {
			c.rw.Close()
		}
		if c.h.OnDisconnected != nil {
			c.h.OnDisconnected(cause)
		}
	})
}
