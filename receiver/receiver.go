// File: receiver/receiver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Receiver is the connector's single acceptor/receiver goroutine: it
// owns the reactor, accepts on every listening socket, drains readable
// client sockets into per-client line buffers, and hands each complete
// JSON line to the stratifier or generator peer after augmentation —
// all from one readiness-multiplexed loop, never one goroutine per
// connection.

package receiver

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/poolconnector/internal/logx"
	"github.com/momentics/poolconnector/procio"
	"github.com/momentics/poolconnector/reactor"
	"github.com/momentics/poolconnector/registry"
	"github.com/momentics/poolconnector/sender"
	"github.com/momentics/poolconnector/wire"
)

// Listener is one bound, listening socket.
type Listener struct {
	Fd    int
	Index int
	Addr  string
}

// Receiver owns the readiness loop.
type Receiver struct {
	reg       *registry.Registry
	react     reactor.Reactor
	listeners []Listener
	peers     *procio.Peers
	send      *sender.Sender
	log       *logx.Logger

	acceptGate        atomic.Bool
	globalPassthrough func() bool

	pollTimeout time.Duration

	onFatal func(error)
}

// New builds a Receiver. globalPassthrough reports whether the process
// is in generator-routing mode; onFatal is invoked for unrecoverable
// readiness-subsystem failures.
func New(
	reg *registry.Registry,
	react reactor.Reactor,
	listeners []Listener,
	peers *procio.Peers,
	send *sender.Sender,
	log *logx.Logger,
	pollTimeout time.Duration,
	globalPassthrough func() bool,
	onFatal func(error),
) *Receiver {
	r := &Receiver{
		reg:               reg,
		react:             react,
		listeners:         listeners,
		peers:             peers,
		send:              send,
		log:               log,
		pollTimeout:       pollTimeout,
		globalPassthrough: globalPassthrough,
		onFatal:           onFatal,
	}
	return r
}

// SetAccept flips the accept gate.
func (r *Receiver) SetAccept(v bool) { r.acceptGate.Store(v) }

// AcceptEnabled reports the current gate state.
func (r *Receiver) AcceptEnabled() bool { return r.acceptGate.Load() }

// RegisterListeners registers every listening socket with the reactor
// using its index (0..N-1) as the readiness token, matching the
// reserved low token range client ids start above.
func (r *Receiver) RegisterListeners() error {
	for _, l := range r.listeners {
		if err := r.react.Register(l.Fd, reactor.Token(l.Index), reactor.InterestRead); err != nil {
			return err
		}
	}
	return nil
}

// Run blocks servicing readiness events until stop is closed. It
// busy-waits (millisecond sleeps) for the accept gate to open before
// entering the main loop.
func (r *Receiver) Run(stop <-chan struct{}) {
	for !r.acceptGate.Load() {
		select {
		case <-stop:
			return
		case <-time.After(time.Millisecond):
		}
	}

	timeoutMs := int(r.pollTimeout / time.Millisecond)
	events := make([]reactor.Ready, 0, 256)
	var err error
	for {
		select {
		case <-stop:
			return
		default:
		}

		events, err = r.react.Wait(events, timeoutMs)
		if err != nil {
			if r.onFatal != nil {
				r.onFatal(err)
			}
			return
		}

		for _, ev := range events {
			r.handleEvent(ev)
		}

		r.reg.Reap(closeClientFD)
	}
}

func (r *Receiver) handleEvent(ev reactor.Ready) {
	if int(ev.Token) < len(r.listeners) {
		if r.acceptGate.Load() {
			r.accept(r.listeners[ev.Token])
		}
		return
	}

	c := r.reg.RefByID(registry.ID(ev.Token))
	if c == nil {
		return
	}
	defer r.reg.Unref(c)

	if ev.Kind&reactor.KindReadable != 0 {
		r.readAndParse(c)
	}

	switch {
	case !c.Invalid() && ev.Kind&reactor.KindError != 0:
		if err := socketError(c.Fd()); err != nil {
			r.log.Info("client %d: socket error: %v", c.ID(), err)
		}
		r.invalidateAndNotify(c)
	case !c.Invalid() && ev.Kind&reactor.KindHangup != 0:
		r.log.Notice("client %d: hangup", c.ID())
		r.invalidateAndNotify(c)
	case !c.Invalid() && ev.Kind&reactor.KindHalfClose != 0:
		r.log.Notice("client %d: peer half-closed", c.ID())
		r.invalidateAndNotify(c)
	}
}

// accept handles one listener-readable event, including the
// max-clients decline.
func (r *Receiver) accept(l Listener) {
	if r.reg.AtCapacity() {
		return // decline this round; listener remains level-triggered and will refire
	}

	fd, numeric, printable, ok, err := acceptOne(l.Fd)
	if err != nil {
		r.log.Warning("accept on listener %d: %v", l.Index, err)
		return
	}
	if !ok {
		return
	}

	c := r.reg.Recruit()
	id := r.reg.Insert(c, fd, l.Index, numeric, printable)
	r.reg.Ref(c) // the readiness registration's own reference

	if err := r.react.Register(fd, reactor.Token(id), reactor.InterestRead); err != nil {
		r.log.Emerg("reactor register fd=%d: %v", fd, err)
		if r.onFatal != nil {
			r.onFatal(err)
		}
		return
	}
}

// readAndParse performs one non-blocking read followed by
// drain-all-complete-lines parsing.
func (r *Receiver) readAndParse(c *registry.Client) {
	dst := c.InboxBytes()
	if len(dst) == 0 {
		r.disconnectOversize(c)
		return
	}

	n, err := unix.Read(c.Fd(), dst)
	if err != nil {
		if isBenignReadError(err) {
			return
		}
		r.log.Info("client %d: read error: %v", c.ID(), err)
		r.invalidateAndNotify(c)
		return
	}
	if n == 0 {
		r.log.Notice("client %d: peer closed connection", c.ID())
		r.invalidateAndNotify(c)
		return
	}
	c.Advance(n)

	for {
		line, consumed, found := wire.FindLine(c.Buffered())
		if !found {
			if c.BufLen() > registry.MaxMsgSize {
				r.disconnectOversize(c)
			}
			return
		}
		if consumed > registry.MaxMsgSize {
			r.disconnectOversize(c)
			return
		}

		msg := append([]byte(nil), line...)
		c.ConsumeLine(consumed)

		r.handleLine(c, msg)
		if c.Invalid() {
			return
		}
	}
}

func (r *Receiver) disconnectOversize(c *registry.Client) {
	r.log.Notice("client %d: line exceeds %d bytes, disconnecting", c.ID(), registry.MaxMsgSize)
	r.invalidateAndNotify(c)
}

// handleLine implements the parse-augment-forward pipeline.
func (r *Receiver) handleLine(c *registry.Client, line []byte) {
	obj, err := wire.ParseObject(line)
	if err != nil {
		r.sendErrorReply(c, "Invalid JSON, disconnecting\n")
		r.invalidateAndNotify(c)
		return
	}

	var out []byte
	if c.Passthrough() {
		out, err = obj.AugmentPassthrough(int64(c.ID()), c.ServerIndex())
	} else {
		out, err = obj.AugmentSimple(int64(c.ID()), c.AddrString(), c.ServerIndex())
	}
	if err != nil {
		r.sendErrorReply(c, "Invalid JSON, disconnecting\n")
		r.invalidateAndNotify(c)
		return
	}
	out = append(out, '\n')

	// Deliberately unlocked best-effort check: an
	// invalidation racing with this line still reaches the peer, which
	// is expected to filter stale ids.
	if !c.Invalid() {
		sink := r.peers.Select(r.globalPassthrough())
		if sink != nil {
			_ = sink.Send(out)
		}
	}
}

// sendErrorReply enqueues a best-effort reply while the client is still
// reachable by id.
func (r *Receiver) sendErrorReply(c *registry.Client, msg string) {
	ref := r.reg.RefByID(c.ID())
	if ref == nil {
		return
	}
	r.send.Enqueue(&sender.Job{Client: ref, Buf: []byte(msg)})
}

func (r *Receiver) invalidateAndNotify(c *registry.Client) {
	fd := r.reg.Invalidate(c)
	if fd >= 0 {
		_ = r.peers.NotifyDrop(int64(c.ID()))
	}
}
