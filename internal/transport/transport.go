// Package transport opens point-to-point byte links to the clock.
//
// A Transport finds and connects to one peer and returns a Conn. Inbound
// chunks and the loss of the link are reported through the Handlers passed to
// Open, so nothing can arrive before the caller is listening.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrSelectionCancelled is returned when peer selection is abandoned,
	// either by the selector or by cancelling the Open context.
	ErrSelectionCancelled = errors.New("peer selection cancelled")
	// ErrNoPeer is returned when no peer matches the filter.
	ErrNoPeer = errors.New("no matching peer")
	// ErrClosed is returned by Send on a closed Conn.
	ErrClosed = errors.New("link closed")
)

// ConnectionError wraps any failure to bring a link up.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("connect: %s: %v", e.Op, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError wraps a failed write on a link presumed open.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Filter describes which peer to open.
type Filter struct {
	// Service must be advertised by the peer.
	Service uuid.UUID
	// Characteristic is the single read/write/notify endpoint on Service.
	Characteristic uuid.UUID
	// Address pins a specific peer. Empty means any peer offering Service.
	Address string
}

// Peer is a candidate found during selection.
type Peer struct {
	Address string
	Name    string
}

func (p Peer) String() string {
	if p.Name == "" {
		return p.Address
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.Address)
}

// Selector chooses one of several candidate peers. It may block on a user
// and should return ErrSelectionCancelled if the user backs out.
type Selector func(ctx context.Context, peers []Peer) (Peer, error)

// FirstPeer is the default Selector.
func FirstPeer(_ context.Context, peers []Peer) (Peer, error) {
	if len(peers) == 0 {
		return Peer{}, ErrNoPeer
	}
	return peers[0], nil
}

// Handlers receive asynchronous notifications for one Conn.
type Handlers struct {
	// OnReceive gets each inbound chunk in arrival order.
	OnReceive func(chunk []byte)
	// OnDisconnected fires exactly once per Conn, whether the link dropped
	// or Close was called. err is nil for a local Close.
	OnDisconnected func(err error)
}

// Transport opens links to a peer.
type Transport interface {
	// Open selects and connects to a peer. Failures are *ConnectionError,
	// or wrap ErrSelectionCancelled when selection was abandoned.
	Open(ctx context.Context, f Filter, h Handlers) (Conn, error)
}

// Conn is one open link.
type Conn interface {
	// Send writes one framed message. Failures are *TransportError.
	Send(ctx context.Context, b []byte) error
	// Close tears the link down. It is safe to call more than once.
	Close() error
	// Peer identifies the connected peer.
	Peer() Peer
}

// selectionErr wraps a selection failure, folding context cancellation into
// ErrSelectionCancelled.
func selectionErr(err error) error {
	if !errors.Is(err, ErrSelectionCancelled) && errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %v", ErrSelectionCancelled, err)
	}
	return &ConnectionError{Op: "select peer", Err: err}
}
