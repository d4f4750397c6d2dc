// Package sockutil wraps the raw, non-blocking socket and epoll syscalls
// the single-reactor event loop needs. net.Conn/net.Listener hide exactly
// the fd-level edge-triggered control this architecture is built around, so
// this package talks to the kernel directly via golang.org/x/sys/unix.
package sockutil

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

const (
	defaultSendBuffer = 4 * 1024 * 1024
	defaultRecvBuffer = 4 * 1024 * 1024
)

// ListenTCP creates a non-blocking, edge-triggered-ready TCP listening
// socket bound to port on every interface, with a 128-connection backlog.
func ListenTCP(port uint16) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("sockutil: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sockutil: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sockutil: setsockopt TCP_NODELAY: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sockutil: set nonblocking: %w", err)
	}

	addr := unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sockutil: bind: %w", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sockutil: listen: %w", err)
	}

	return fd, nil
}

// AcceptAll drains every pending connection on listenFd (edge-triggered
// accept loop), configuring each accepted socket for low-latency streaming
// and invoking onAccept with its fd and remote address. It stops at the
// first EAGAIN/EWOULDBLOCK, which is the normal "no more pending
// connections" outcome, not an error.
func AcceptAll(listenFd int, onAccept func(fd int, addr string, port uint16)) error {
	for {
		nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return fmt.Errorf("sockutil: accept: %w", err)
		}

		if err := ConfigureClientSocket(nfd); err != nil {
			unix.Close(nfd)
			continue
		}

		addr, port := sockaddrToHostPort(sa)
		onAccept(nfd, addr, port)
	}
}

// ConfigureClientSocket applies TCP_NODELAY, non-blocking mode, and the send
// buffer size the slow-consumer check relies on.
func ConfigureClientSocket(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, defaultSendBuffer); err != nil {
		return err
	}
	return nil
}

// ConfigureDataSocket applies TCP_NODELAY, non-blocking mode, and the
// receive buffer size a feed-handler connection uses.
func ConfigureDataSocket(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, defaultRecvBuffer); err != nil {
		return err
	}
	return nil
}

// PendingSendBytes reports the kernel's current outbound send-queue depth
// for fd, the same signal TIOCOUTQ gives the broadcast loop to detect a
// consumer that isn't draining fast enough.
func PendingSendBytes(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.TIOCOUTQ)
}

func sockaddrToHostPort(sa unix.Sockaddr) (string, uint16) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(v.Addr[:])
		return ip.String(), uint16(v.Port)
	default:
		return "", 0
	}
}
