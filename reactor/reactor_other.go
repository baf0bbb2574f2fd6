//go:build !linux
// +build !linux

// File: reactor/reactor_other.go
// Author: momentics <momentics@gmail.com>
//
// Stub for platforms without an epoll-compatible readiness primitive.
// The connector targets Linux, matching its ckpool ancestor; this file
// only keeps the package's cross-platform build shape intact.

package reactor

import "errors"

// ErrUnsupportedPlatform is returned by NewReactor outside Linux.
var ErrUnsupportedPlatform = errors.New("reactor: this platform is not supported")

func NewReactor() (Reactor, error) {
	return nil, ErrUnsupportedPlatform
}
