// File: control/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package control implements the Unix-datagram command loop: send/drop/
// passthrough/stats/loglevel/getxfd/shutdown, and the accept/reject
// backpressure gate.
package control
