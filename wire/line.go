// File: wire/line.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Newline-delimited JSON framing over a client's line buffer.

package wire

import "bytes"

// FindLine scans buf for the first '\n'. If found, it returns the line
// content (terminator excluded) and the number of bytes to consume
// (terminator included). If no terminator is present, ok is false.
func FindLine(buf []byte) (line []byte, consumed int, ok bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, 0, false
	}
	return buf[:i], i + 1, true
}
