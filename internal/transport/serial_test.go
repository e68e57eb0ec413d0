package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

type recorder struct {
	chunks chan string
	lost   chan error
}

func newRecorder() *recorder {
	return &recorder{chunks: make(chan string, 16), lost: make(chan error, 4)}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnReceive:      func(b []byte) { r.chunks <- string(b) },
		OnDisconnected: func(err error) { r.lost <- err },
	}
}

func pipeSerial(t *testing.T) (*Serial, net.Conn, *string) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	var opened string
	s := NewSerial("/dev/rfcomm0", 0, nil, zerolog.Nop())
	s.open = func(port string, mode *serial.Mode) (io.ReadWriteCloser, error) {
		opened = port
		assert.Equal(t, DefaultBaudRate, mode.BaudRate)
		return local, nil
	}
	return s, remote, &opened
}

func TestSerialSplitsLines(t *testing.T) {
	s, remote, opened := pipeSerial(t)
	rec := newRecorder()

	c, err := s.Open(context.Background(), Filter{}, rec.handlers())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "/dev/rfcomm0", *opened)
	assert.Equal(t, "/dev/rfcomm0", c.Peer().Address)

	go remote.Write([]byte("OK:TIME_SYNCED\r\nERR:bu"))
	assert.Equal(t, "OK:TIME_SYNCED", <-rec.chunks)

	go remote.Write([]byte("sy\r\n\r\nEVENT:ALARM_1\n"))
	assert.Equal(t, "ERR:busy", <-rec.chunks)
	assert.Equal(t, "EVENT:ALARM_1", <-rec.chunks)
}

func TestSerialSendWritesFrame(t *testing.T) {
	s, remote, _ := pipeSerial(t)
	c, err := s.Open(context.Background(), Filter{}, newRecorder().handlers())
	require.NoError(t, err)
	defer c.Close()

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := remote.Read(buf)
		got <- string(buf[:n])
	}()
	require.NoError(t, c.Send(context.Background(), []byte("<MODE:TIME>")))
	assert.Equal(t, "<MODE:TIME>", <-got)
}

func TestSerialSendHonoursDeadline(t *testing.T) {
	s, _, _ := pipeSerial(t)
	rec := newRecorder()
	c, err := s.Open(context.Background(), Filter{}, rec.handlers())
	require.NoError(t, err)

	// Nobody reads the far end, so the write blocks.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.Send(ctx, []byte("<MODE:TIME>"))
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case err := <-rec.lost:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.ErrorIs(t, c.Send(context.Background(), []byte("<MODE:TIME>")), ErrClosed)
}

func TestSerialPeerLossFiresOnce(t *testing.T) {
	s, remote, _ := pipeSerial(t)
	rec := newRecorder()
	c, err := s.Open(context.Background(), Filter{}, rec.handlers())
	require.NoError(t, err)

	remote.Close()
	select {
	case err := <-rec.lost:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}

	require.NoError(t, c.Close())
	err = c.Send(context.Background(), []byte("<MODE:TIME>"))
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Len(t, rec.lost, 0)
}

func TestSerialCloseIsIdempotent(t *testing.T) {
	s, _, _ := pipeSerial(t)
	rec := newRecorder()
	c, err := s.Open(context.Background(), Filter{}, rec.handlers())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.NoError(t, <-rec.lost)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.lost, 0)
}

func TestSerialOpenFailure(t *testing.T) {
	s := NewSerial("/dev/missing", 9600, nil, zerolog.Nop())
	s.open = func(string, *serial.Mode) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such file")
	}
	_, err := s.Open(context.Background(), Filter{}, Handlers{})
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Op, "/dev/missing")
}

func TestSerialAddressOverridesPort(t *testing.T) {
	s, _, opened := pipeSerial(t)
	c, err := s.Open(context.Background(), Filter{Address: "/dev/ttyACM0"}, Handlers{})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "/dev/ttyACM0", *opened)
}

func TestSelectionErrFoldsCancel(t *testing.T) {
	err := selectionErr(context.Canceled)
	assert.ErrorIs(t, err, ErrSelectionCancelled)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)

	err = selectionErr(ErrNoPeer)
	assert.NotErrorIs(t, err, ErrSelectionCancelled)
	assert.ErrorIs(t, err, ErrNoPeer)
}
