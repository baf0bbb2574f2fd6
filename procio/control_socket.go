// File: procio/control_socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// send_unix_msg / get_unix_msg: the control endpoint's local Unix
// datagram socket, including the SCM_RIGHTS fd-passing used by the
// `getxfd` command for hot-restart fd hand-off.

package procio

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// ControlSocket is the connector's local command endpoint: one
// datagram per command, reply on the same socket to the sender's
// address.
type ControlSocket struct {
	conn *net.UnixConn
}

// ListenControl binds a unixgram socket at path, removing any stale
// socket file left behind by a previous process.
func ListenControl(path string) (*ControlSocket, error) {
	_ = os.Remove(path)
	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, err
	}
	return &ControlSocket{conn: conn}, nil
}

// ReadCommand blocks until a datagram arrives. It returns the command
// bytes and the sender's address for Reply/SendFD.
func (c *ControlSocket) ReadCommand(buf []byte) (cmd []byte, from *net.UnixAddr, err error) {
	n, addr, err := c.conn.ReadFromUnix(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

// Reply writes data back to the sender of a previously read command.
// A no-op if the sender left its socket unbound (fire-and-forget
// commands such as plain datagrams from an unnamed sender).
func (c *ControlSocket) Reply(to *net.UnixAddr, data []byte) error {
	if to == nil || to.Name == "" {
		return nil
	}
	_, err := c.conn.WriteToUnix(data, to)
	return err
}

// SendFD passes an open fd to the sender via SCM_RIGHTS, implementing
// the `getxfd <n>` command.
func (c *ControlSocket) SendFD(to *net.UnixAddr, fd int) error {
	if to == nil || to.Name == "" {
		return nil
	}
	rights := unix.UnixRights(fd)
	_, _, err := c.conn.WriteMsgUnix(nil, rights, to)
	return err
}

// Close shuts down the control socket. The backing socket file stays on
// disk; the next ListenControl on the same path removes it.
func (c *ControlSocket) Close() error {
	return c.conn.Close()
}
