package sockutil

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// DialTCP resolves host:port and connects a non-blocking socket to it,
// waiting up to timeout for the connect to complete. On success the
// returned fd is configured with TCP_NODELAY and a 4MiB receive buffer.
func DialTCP(host string, port uint16, timeout time.Duration) (int, error) {
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return -1, fmt.Errorf("sockutil: resolve %s: %w", host, err)
	}
	var ipv4 net.IP
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			ipv4 = v4
			break
		}
	}
	if ipv4 == nil {
		return -1, fmt.Errorf("sockutil: no IPv4 address for %s", host)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("sockutil: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}

	var addr unix.SockaddrInet4
	addr.Port = int(port)
	copy(addr.Addr[:], ipv4)

	err = unix.Connect(fd, &addr)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("sockutil: connect: %w", err)
	}

	if err == unix.EINPROGRESS {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, perr := unix.Poll(pfd, int(timeout.Milliseconds()))
		if perr != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("sockutil: poll: %w", perr)
		}
		if n == 0 {
			unix.Close(fd)
			return -1, fmt.Errorf("sockutil: connect timed out after %s", timeout)
		}

		soErr, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if serr != nil || soErr != 0 {
			unix.Close(fd)
			return -1, fmt.Errorf("sockutil: connect failed: errno %d", soErr)
		}
	}

	if err := ConfigureDataSocket(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}

	return fd, nil
}
