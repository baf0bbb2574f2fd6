// File: procio/peer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// send_proc: the one primitive the connector uses to hand a parsed,
// augmented client message to the stratifier or generator peer
// process. Implemented as a Unix datagram socket; the peer protocols
// themselves are treated as opaque collaborators.

package procio

import (
	"fmt"
	"net"
)

// PeerSink is the narrow interface the receiver and control loop need
// to talk to a peer process. Send makes a single attempt and never
// retries; on a DatagramSink the write waits while the peer's receive
// queue is full.
type PeerSink interface {
	Send(line []byte) error
	Close() error
}

// DatagramSink sends each message as one Unix datagram.
type DatagramSink struct {
	conn *net.UnixConn
}

// DialDatagram connects to a peer's listening unixgram socket at path.
func DialDatagram(path string) (*DatagramSink, error) {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("procio: dial %s: %w", path, err)
	}
	return &DatagramSink{conn: conn}, nil
}

func (s *DatagramSink) Send(line []byte) error {
	_, err := s.conn.Write(line)
	return err
}

func (s *DatagramSink) Close() error {
	return s.conn.Close()
}

// Peers holds the two peer processes this core ever addresses.
type Peers struct {
	Stratifier PeerSink
	Generator  PeerSink
}

// Select returns the Generator iff the process is globally in
// passthrough mode, else the Stratifier.
func (p *Peers) Select(globalPassthrough bool) PeerSink {
	if globalPassthrough {
		return p.Generator
	}
	return p.Stratifier
}

// NotifyDrop tells the stratifier a client id (simple or composite) is
// gone.
func (p *Peers) NotifyDrop(id int64) error {
	if p.Stratifier == nil {
		return nil
	}
	return p.Stratifier.Send([]byte(fmt.Sprintf("dropclient=%d", id)))
}

// Close shuts down both peer sinks, ignoring a nil Generator/Stratifier.
func (p *Peers) Close() {
	if p.Stratifier != nil {
		p.Stratifier.Close()
	}
	if p.Generator != nil {
		p.Generator.Close()
	}
}
