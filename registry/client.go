// File: registry/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client is the connection front-end's per-connection record: fd, line
// buffer, and the reference count that gates when the fd may be closed.

package registry

import "time"

const (
	// InBufCap is the line-buffer capacity per client.
	InBufCap = 4096
	// MaxMsgSize is the largest accepted line, terminator inclusive.
	MaxMsgSize = 1024
)

// ID identifies a client for the process lifetime. Simple ids fit in the
// low 32 bits; composite passthrough sub-client ids set the high 32 bits
// to a nonzero passthrough-parent id.
type ID int64

// Composite builds a passthrough sub-client id from a parent id and the
// nested sub-client id reported by the remote passthrough peer.
func Composite(parent ID, sub uint32) ID {
	return ID(uint64(parent)<<32 | uint64(sub))
}

// IsComposite reports whether id addresses a passthrough sub-client.
func (id ID) IsComposite() bool {
	return uint64(id)>>32 != 0
}

// Split decomposes a composite id into its passthrough-parent id and the
// sub-client id as seen by the remote peer. Only meaningful when
// IsComposite is true.
func (id ID) Split() (parent ID, sub uint32) {
	u := uint64(id)
	return ID(u >> 32), uint32(u)
}

// Client is a single connection's record. Fields that are mutated only
// by the acceptor/receiver goroutine (inbuf, bufofs, addr*, passthrough)
// are never touched concurrently by the registry or sender once the
// client has been inserted, so they need no lock of their own; refcount
// and invalid are guarded by the owning Registry's mutex.
type Client struct {
	id          ID
	fd          int
	serverIndex int
	addrNumeric string
	addrString  string
	createdAt   time.Time

	inbuf  [InBufCap]byte
	bufofs int

	passthrough bool
	invalid     bool
	refcount    int32
}

// ID returns the client's stable identifier.
func (c *Client) ID() ID { return c.id }

// Fd returns the OS socket. Valid only while the caller holds a
// reference (via Registry.RefByID or equivalent) or is the
// acceptor/receiver itself.
func (c *Client) Fd() int { return c.fd }

// ServerIndex reports which listening socket this client arrived on.
func (c *Client) ServerIndex() int { return c.serverIndex }

// AddrString returns the printable peer address.
func (c *Client) AddrString() string { return c.addrString }

// Passthrough reports whether this connection has been promoted to a
// passthrough aggregator.
func (c *Client) Passthrough() bool { return c.passthrough }

// SetPassthrough promotes the client to passthrough mode. Only the
// control loop calls this, and only before further messages from this
// client are parsed, so no lock is needed beyond normal happens-before
// ordering through the control command pipeline.
func (c *Client) SetPassthrough(v bool) { c.passthrough = v }

// Invalid reports whether the client has been retired. Safe to call
// without the registry lock: the invalid check before peer delivery is
// deliberately best-effort and unlocked.
func (c *Client) Invalid() bool { return c.invalid }

// reset zeroes the record for reuse from the recycled list.
func (c *Client) reset() {
	c.id = -1
	c.fd = -1
	c.serverIndex = 0
	c.addrNumeric = ""
	c.addrString = ""
	c.bufofs = 0
	c.passthrough = false
	c.invalid = false
	c.refcount = 0
	c.createdAt = time.Time{}
}

// InboxBytes returns the unconsumed tail of the line buffer, for the
// receiver to append newly read bytes after.
func (c *Client) InboxBytes() []byte { return c.inbuf[c.bufofs:] }

// BufLen returns the current occupied length of the line buffer.
func (c *Client) BufLen() int { return c.bufofs }

// Advance records n freshly read bytes as occupying the buffer.
func (c *Client) Advance(n int) { c.bufofs += n }

// Buffered returns the occupied prefix of the line buffer.
func (c *Client) Buffered() []byte { return c.inbuf[:c.bufofs] }

// ConsumeLine removes the first n bytes (a full line including its
// terminator) by shifting the remainder to the front of the buffer.
func (c *Client) ConsumeLine(n int) {
	rem := c.bufofs - n
	if rem > 0 {
		copy(c.inbuf[:rem], c.inbuf[n:c.bufofs])
	}
	c.bufofs = rem
}
