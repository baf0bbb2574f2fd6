// File: receiver/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Low-level socket helpers: raw non-blocking listeners, accept, address
// decoding, and the SO_LINGER pre-step that makes a lazily-closed fd
// safe to reuse.

package receiver

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// bindListener creates a non-blocking TCP listening socket bound to
// addr with a backlog of 8192.
func bindListener(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, fmt.Errorf("receiver: bad listen addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, fmt.Errorf("receiver: bad port in %q: %w", addr, err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv4zero
	}
	if v4 := ip.To4(); v4 != nil {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, fmt.Errorf("receiver: socket: %w", err)
		}
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("receiver: bind %s: %w", addr, err)
		}
		if err := unix.Listen(fd, 8192); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("receiver: listen %s: %w", addr, err)
		}
		return fd, nil
	}

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("receiver: socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("receiver: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, 8192); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("receiver: listen %s: %w", addr, err)
	}
	return fd, nil
}

// BindListener is the exported entry point the bootstrap command uses
// to bind a fresh listening socket as part of its bind-retry loop.
func BindListener(addr string) (int, error) { return bindListener(addr) }

// BoundAddr is the exported entry point used to detect a hot-restart
// inherited-fd address mismatch.
func BoundAddr(fd int) (string, error) { return boundAddr(fd) }

// boundAddr reports the address a listening fd is actually bound to, to
// detect a hot-restart inherited-fd mismatch.
func boundAddr(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}
	return sockaddrString(sa)
}

func sockaddrString(sa unix.Sockaddr) (string, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port)), nil
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port)), nil
	default:
		return "", fmt.Errorf("receiver: unsupported address family")
	}
}

// acceptOne performs one non-blocking accept4 on a listening fd. A
// benign would-block or transient accept error is reported via ok=false
// with err=nil.
func acceptOne(listenFd int) (fd int, numeric, printable string, ok bool, err error) {
	nfd, sa, aerr := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if aerr != nil {
		if isBenignAcceptError(aerr) {
			return -1, "", "", false, nil
		}
		return -1, "", "", false, aerr
	}

	addrStr, derr := sockaddrString(sa)
	if derr != nil {
		unix.Close(nfd)
		return -1, "", "", false, nil // unknown address family: reject, not fatal
	}
	ip, _, _ := net.SplitHostPort(addrStr)

	_ = unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	return nfd, ip, addrStr, true, nil
}

func isBenignAcceptError(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.ECONNABORTED
}

// isBenignReadError reports the benign-I/O error set for reads.
func isBenignReadError(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// socketError fetches and clears SO_ERROR for logging on an EPOLLERR
// event.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// disableLinger sets SO_LINGER{on=1, timeout=0} so Close() discards any
// unsent bytes immediately instead of lingering, which is what lets the
// fd be safely recycled by a subsequent accept.
func disableLinger(fd int) {
	_ = unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
}

// closeClientFD performs the registry's lazy-close step.
func closeClientFD(fd int) {
	disableLinger(fd)
	_ = unix.Close(fd)
}
