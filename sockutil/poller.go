package sockutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ReadyEvent describes one fd epoll reported as ready.
type ReadyEvent struct {
	Fd      int32
	Read    bool
	Error   bool
	Hangup  bool
}

// Poller wraps a Linux epoll instance configured for edge-triggered
// notification, the readiness primitive both the exchange reactor and the
// feed handler's client loop are built around. (kqueue is an equally valid
// edge-triggered primitive on BSD/Darwin but isn't implemented here.)
type Poller struct {
	epfd int
}

// NewPoller creates a fresh epoll instance.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("sockutil: epoll_create1: %w", err)
	}
	return &Poller{epfd: epfd}, nil
}

// Close releases the epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// AddReadEdgeTriggered registers fd for edge-triggered readability
// notifications, optionally including EPOLLRDHUP so a client's clean
// half-close is visible without a failed read.
func (p *Poller) AddReadEdgeTriggered(fd int, watchHangup bool) error {
	events := uint32(unix.EPOLLIN | unix.EPOLLET)
	if watchHangup {
		events |= unix.EPOLLRDHUP
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// AddReadWriteEdgeTriggered registers fd for edge-triggered read and write
// readiness, used while a non-blocking connect() is outstanding.
func (p *Poller) AddReadWriteEdgeTriggered(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Remove deregisters fd. It is not an error to remove an fd that has
// already been closed out from under the poller.
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.EBADF || err == unix.ENOENT {
		return nil
	}
	return err
}

// Wait blocks up to timeoutMs for readiness events, delivering up to
// maxEvents of them.
func (p *Poller) Wait(maxEvents int, timeoutMs int) ([]ReadyEvent, error) {
	raw := make([]unix.EpollEvent, maxEvents)
	n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("sockutil: epoll_wait: %w", err)
	}

	out := make([]ReadyEvent, n)
	for i := 0; i < n; i++ {
		e := raw[i]
		out[i] = ReadyEvent{
			Fd:     e.Fd,
			Read:   e.Events&unix.EPOLLIN != 0,
			Error:  e.Events&unix.EPOLLERR != 0,
			Hangup: e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		}
	}
	return out, nil
}
