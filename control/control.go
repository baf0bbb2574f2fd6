// File: control/control.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Controller is the connector's main-thread control loop: it blocks on
// the control socket's ReadCommand, dispatches the command table, and
// either keeps looping or tears down on `shutdown`.

package control

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/momentics/poolconnector/internal/logx"
	"github.com/momentics/poolconnector/procio"
	"github.com/momentics/poolconnector/registry"
	"github.com/momentics/poolconnector/sender"
	"github.com/momentics/poolconnector/stats"
	"github.com/momentics/poolconnector/wire"
)

// action reports how the dispatch loop should proceed after one command.
type action int

const (
	actionContinue action = iota
	actionShutdown
)

// Controller owns the command table and the dependencies each command
// needs: the registry (for ref/invalidate), the sender (for outbound
// jobs), the peer sinks (for drop notices), the logger (for `loglevel`
// and general diagnostics), and the accept-gate toggle.
type Controller struct {
	reg   *registry.Registry
	snd   *sender.Sender
	peers *procio.Peers
	log   *logx.Logger
	sock  *procio.ControlSocket

	setAccept   func(bool)
	listenerFDs []int
	startedAt   time.Time
}

// New builds a Controller. setAccept flips the acceptor's accept gate;
// listenerFDs is indexed by listener number for the `getxfd <n>`
// command.
func New(
	reg *registry.Registry,
	snd *sender.Sender,
	peers *procio.Peers,
	log *logx.Logger,
	sock *procio.ControlSocket,
	setAccept func(bool),
	listenerFDs []int,
	startedAt time.Time,
) *Controller {
	return &Controller{
		reg:         reg,
		snd:         snd,
		peers:       peers,
		log:         log,
		sock:        sock,
		setAccept:   setAccept,
		listenerFDs: listenerFDs,
		startedAt:   startedAt,
	}
}

// Run blocks reading commands until `shutdown` is received or stop is
// closed; closing stop unblocks the pending read by closing the
// socket, so teardown stays cooperative.
func (c *Controller) Run(stop <-chan struct{}) {
	done := make(chan struct{})
	go func() {
		select {
		case <-stop:
			_ = c.sock.Close()
		case <-done:
		}
	}()
	defer close(done)

	buf := make([]byte, 8192)
	for {
		cmd, from, err := c.sock.ReadCommand(buf)
		if err != nil {
			return
		}
		msg := append([]byte(nil), cmd...)
		if c.handle(msg, from) == actionShutdown {
			return
		}
	}
}

func (c *Controller) handle(raw []byte, from *net.UnixAddr) action {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return actionContinue
	}

	switch {
	case text[0] == '{':
		c.handleSend(raw)
	case strings.HasPrefix(text, "dropclient="):
		c.handleDropClient(text)
	case strings.HasPrefix(text, "passthrough="):
		c.handlePassthrough(text)
	case text == "ping":
		_ = c.sock.Reply(from, []byte("pong"))
	case text == "accept":
		c.setAccept(true)
	case text == "reject":
		c.setAccept(false)
	case text == "stats":
		c.handleStats(from)
	case strings.HasPrefix(text, "loglevel="):
		c.handleLogLevel(text)
	case strings.HasPrefix(text, "getxfd "):
		c.handleGetXFD(text, from)
	case text == "shutdown":
		c.log.Notice("control: shutdown command received")
		return actionShutdown
	default:
		c.log.Warning("control: unknown command %q", text)
	}
	return actionContinue
}

// handleSend implements the leading-`{` command: extract and strip
// client_id, restore it (lower 32 bits only) if composite, re-serialize,
// and dispatch to the addressed client.
func (c *Controller) handleSend(raw []byte) {
	obj, err := wire.ParseObject(raw)
	if err != nil {
		c.log.Warning("control: unparsable send command: %v", err)
		return
	}
	idVal, ok := obj.ExtractClientID()
	if !ok {
		c.log.Warning("control: send command missing client_id")
		return
	}
	id := registry.ID(idVal)

	var out []byte
	if id.IsComposite() {
		_, sub := id.Split()
		out, err = obj.RestoreSubID(sub)
	} else {
		out, err = json.Marshal(obj)
	}
	if err != nil {
		c.log.Warning("control: re-serializing send command: %v", err)
		return
	}
	out = append(out, '\n')

	c.dispatchSend(id, out)
}

// dispatchSend routes a serialized message to its addressed client,
// handling both simple and composite ids, and notifying the owning
// peer when the addressee has already gone.
func (c *Controller) dispatchSend(id registry.ID, buf []byte) {
	if id.IsComposite() {
		parent, sub := id.Split()
		client := c.reg.RefByID(parent)
		if client != nil {
			c.snd.Enqueue(&sender.Job{Client: client, Buf: buf})
			return
		}
		// Parent connection is gone; see whether the sub-client id
		// happens to resolve as a simple client of its own.
		if subClient := c.reg.RefByID(registry.ID(sub)); subClient != nil {
			c.invalidateAndNotify(subClient)
			c.reg.Unref(subClient)
			return
		}
		_ = c.peers.NotifyDrop(int64(id))
		return
	}

	client := c.reg.RefByID(id)
	if client == nil {
		_ = c.peers.NotifyDrop(int64(id))
		return
	}
	c.snd.Enqueue(&sender.Job{Client: client, Buf: buf})
}

func (c *Controller) handleDropClient(text string) {
	idStr := strings.TrimPrefix(text, "dropclient=")
	idv, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.log.Warning("control: bad dropclient id %q: %v", idStr, err)
		return
	}
	id := registry.ID(idv)
	if id.IsComposite() {
		return // sub-client drop leaves the physical connection alone
	}

	client := c.reg.RefByID(id)
	if client == nil {
		return // already gone: idempotent
	}
	c.invalidateAndNotify(client)
	c.reg.Unref(client)
}

func (c *Controller) handlePassthrough(text string) {
	idStr := strings.TrimPrefix(text, "passthrough=")
	idv, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.log.Warning("control: bad passthrough id %q: %v", idStr, err)
		return
	}

	client := c.reg.RefByID(registry.ID(idv))
	if client == nil {
		_ = c.peers.NotifyDrop(idv)
		return
	}
	client.SetPassthrough(true)
	c.snd.Enqueue(&sender.Job{Client: client, Buf: []byte(`{"result": true}` + "\n")})
}

func (c *Controller) handleStats(from *net.UnixAddr) {
	snap := stats.Collect(c.reg, c.snd, c.startedAt, false)
	b, err := snap.JSON()
	if err != nil {
		c.log.Warning("control: marshaling stats: %v", err)
		return
	}
	_ = c.sock.Reply(from, b)
}

func (c *Controller) handleLogLevel(text string) {
	lvStr := strings.TrimPrefix(text, "loglevel=")
	lv, err := strconv.Atoi(lvStr)
	if err != nil {
		c.log.Warning("control: bad loglevel %q: %v", lvStr, err)
		return
	}
	c.log.SetLevel(logx.Level(lv))
}

func (c *Controller) handleGetXFD(text string, from *net.UnixAddr) {
	nStr := strings.TrimSpace(strings.TrimPrefix(text, "getxfd "))
	n, err := strconv.Atoi(nStr)
	if err != nil || n < 0 || n >= len(c.listenerFDs) {
		c.log.Warning("control: bad getxfd index %q", nStr)
		return
	}
	if err := c.sock.SendFD(from, c.listenerFDs[n]); err != nil {
		c.log.Warning("control: getxfd %d: %v", n, err)
	}
}

func (c *Controller) invalidateAndNotify(client *registry.Client) {
	fd := c.reg.Invalidate(client)
	if fd >= 0 {
		_ = c.peers.NotifyDrop(int64(client.ID()))
	}
}
