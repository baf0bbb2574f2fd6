// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness-notification abstraction used by
// the connector's acceptor/receiver: a single polled descriptor that
// multiplexes every listening socket and every client socket, returning
// ready events tagged with an opaque int64 token rather than a raw fd.
package reactor
