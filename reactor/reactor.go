// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness-reactor interface. A single instance
// multiplexes every listening socket and every client socket for one
// acceptor/receiver goroutine; registration carries an opaque Token that
// the reactor must return verbatim on Wait, so the caller never has to
// map a raw fd back to a client record.

package reactor

// Interest selects which readiness conditions a registration cares about.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// Kind reports why an event fired.
type Kind uint8

const (
	KindReadable Kind = 1 << iota
	KindWritable
	KindHalfClose // peer shut down its write side (EPOLLRDHUP)
	KindHangup    // EPOLLHUP
	KindError     // EPOLLERR
)

// Token identifies the registration a Ready event belongs to. The
// acceptor/receiver uses listener indices 0..N-1 and client ids N.. as
// tokens, so a Ready event unambiguously names a listener or a client
// without any secondary lookup.
type Token int64

// Ready describes one readiness notification.
type Ready struct {
	Token Token
	Kind  Kind
}

// Reactor is the minimal readiness-notification contract the acceptor and
// the accept-gate logic depend on. Register/Unregister take the real OS
// fd; Wait never needs it again because the token travels with the event.
type Reactor interface {
	Register(fd int, token Token, interest Interest) error
	Modify(fd int, token Token, interest Interest) error
	Unregister(fd int) error

	// Wait blocks up to timeoutMs (negative means indefinitely) and
	// appends ready events into dst, returning the events actually
	// observed (dst is reused across calls to avoid allocation).
	Wait(dst []Ready, timeoutMs int) ([]Ready, error)

	Close() error
}
