package link

import (
	"fmt"
	"sync"

	"github.com/mil-ad/clockctl/internal/transport"
)

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Reason qualifies a transition to Disconnected.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonVoluntary: Disconnect or Close was called.
	ReasonVoluntary
	// ReasonInvoluntary: the link dropped or a write failed.
	ReasonInvoluntary
	// ReasonConnectFailed: an open attempt failed.
	ReasonConnectFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonVoluntary:
		return "voluntary"
	case ReasonInvoluntary:
		return "involuntary"
	case ReasonConnectFailed:
		return "connect-failed"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// ConnectionEvent describes one state transition.
type ConnectionEvent struct {
	State  State
	Reason Reason
	// Auto is set for transitions caused by an automatic reconnect attempt.
	Auto bool
	Peer transport.Peer
	// Err is the cause of a failed connect or an involuntary loss.
	Err error
}

// Subscriber receives session events. Calls arrive in event order on a
// single goroutine that is not the session's own, so a subscriber may call
// back into the Session.
type Subscriber interface {
	OnConnectionChanged(ev ConnectionEvent)
	OnAck(message string)
	OnError(message string)
	OnAlarmFired(slot int)
}

// Funcs adapts optional callbacks to a Subscriber.
type Funcs struct {
	ConnectionChanged func(ConnectionEvent)
	Ack               func(string)
	Error             func(string)
	AlarmFired        func(int)
}

func (f Funcs) OnConnectionChanged(ev ConnectionEvent) {
	if f.ConnectionChanged != nil {
		f.ConnectionChanged(ev)
	}
}

func (f Funcs) OnAck(m string) {
	if f.Ack != nil {
		f.Ack(m)
	}
}

func (f Funcs) OnError(m string) {
	if f.Error != nil {
		f.Error(m)
	}
}

func (f Funcs) OnAlarmFired(slot int) {
	if f.AlarmFired != nil {
		f.AlarmFired(slot)
	}
}

type subEntry struct {
	id  int
	sub Subscriber
}

// dispatcher delivers events to subscribers in order, off the session loop.
// There is no coalescing: every event reaches every subscriber.
type dispatcher struct {
	mu   sync.Mutex
	subs []subEntry
	next int

	queue chan func()
	done  chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{queue: make(chan func(), 256), done: make(chan struct{})}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.done)
	for fn := range d.queue {
		fn()
	}
}

func (d *dispatcher) subscribe(sub Subscriber) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	id := d.next
	d.subs = append(d.subs, subEntry{id: id, sub: sub})

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, e := range d.subs {
				if e.id == id {
					d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// emit queues fn for every subscriber registered now.
func (d *dispatcher) emit(fn func(Subscriber)) {
	d.mu.Lock()
	subs := make([]Subscriber, len(d.subs))
	for i, e := range d.subs {
		subs[i] = e.sub
	}
	d.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	d.queue <- func() {
		for _, s := range subs {
			fn(s)
		}
	}
}

// close drains queued events and stops the dispatcher.
func (d *dispatcher) close() {
	close(d.queue)
	<-d.done
}
